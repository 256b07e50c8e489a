package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/events"
	"callbridge-backend/pkg/constants"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

const sweepInterval = 5 * time.Second

// StartSweeper runs the timeout loop until ctx is cancelled. It marks calls
// missed when nobody answers within the ring timeout and force-leaves
// participants whose disconnect outlives the grace period.
func (s *Service) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	logger.Info("Call sweeper started",
		zap.Duration("ring_timeout", s.cfg.RingTimeout),
		zap.Duration("disconnect_grace", s.cfg.DisconnectGrace))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Call sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx, time.Now().UTC())
		}
	}
}

func (s *Service) sweep(ctx context.Context, now time.Time) {
	for _, call := range s.store.ListActive() {
		switch call.Status {
		case domain.CallStatusInitiated, domain.CallStatusRinging:
			if now.Sub(call.CreatedAt) >= s.cfg.RingTimeout && call.ConnectedCount() < 2 {
				if err := s.MarkMissed(ctx, call.ID); err != nil {
					logger.Warn("Failed to mark call missed",
						zap.String("call_id", call.ID.String()),
						zap.Error(err))
				}
			}
		case domain.CallStatusActive, domain.CallStatusConnecting:
			if call.StartedAt != nil && now.Sub(*call.StartedAt) >= constants.MaxCallDuration {
				if err := s.endOverdue(ctx, call.ID); err != nil {
					logger.Warn("Failed to end overdue call",
						zap.String("call_id", call.ID.String()),
						zap.Error(err))
				}
				continue
			}
			s.sweepDisconnected(ctx, call, now)
		}
	}
}

// endOverdue force-ends a call that hit the maximum allowed duration
func (s *Service) endOverdue(ctx context.Context, callID uuid.UUID) error {
	call, err := s.store.Mutate(callID, func(c *domain.Call) error {
		now := time.Now().UTC()
		if err := domain.TransitionCall(c, domain.CallStatusEnded, now); err != nil {
			return apperrors.InvalidStateError(err.Error())
		}
		for _, p := range c.Participants {
			if p.Status == domain.ParticipantConnected || p.Status == domain.ParticipantDisconnected {
				p.Status = domain.ParticipantLeft
				t := now
				p.LeftAt = &t
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Call ended at maximum duration",
		zap.String("call_id", callID.String()))

	s.finalize(ctx, call, events.CallEnded, call.CallerID)
	return nil
}

// sweepDisconnected force-leaves participants whose disconnect grace expired,
// then re-evaluates the call.
func (s *Service) sweepDisconnected(ctx context.Context, call *domain.Call, now time.Time) {
	var expired bool
	for _, p := range call.Participants {
		if p.Status == domain.ParticipantDisconnected &&
			p.DisconnectedAt != nil &&
			now.Sub(*p.DisconnectedAt) >= s.cfg.DisconnectGrace {
			expired = true
			break
		}
	}
	if !expired {
		return
	}

	_, err := s.store.Mutate(call.ID, func(c *domain.Call) error {
		for _, p := range c.Participants {
			if p.Status == domain.ParticipantDisconnected &&
				p.DisconnectedAt != nil &&
				now.Sub(*p.DisconnectedAt) >= s.cfg.DisconnectGrace {
				if err := domain.TransitionParticipant(p, domain.ParticipantLeft, now); err != nil {
					return err
				}
				logger.Info("Participant removed after disconnect grace",
					zap.String("call_id", c.ID.String()),
					zap.String("user_id", p.UserID.String()))
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("Failed to sweep disconnected participants",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
		return
	}

	if err := s.Reevaluate(ctx, call.ID); err != nil {
		logger.Warn("Failed to re-evaluate call after sweep",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
	}
}
