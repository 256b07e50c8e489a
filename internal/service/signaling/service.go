package signaling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/events"
	"callbridge-backend/internal/protocol"
	"callbridge-backend/internal/registry"
	"callbridge-backend/internal/repository/memory"
	callsvc "callbridge-backend/internal/service/call"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

// PresenceTracker records whether a user has any live signaling connection.
// Implemented by the Redis presence repository; failures are tolerated.
type PresenceTracker interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// QualityReporter stores client-reported connection quality samples
type QualityReporter interface {
	Report(ctx context.Context, callID, userID uuid.UUID, stats *domain.QualityStats) error
}

// Service relays WebRTC negotiation payloads between call members and keeps
// participant state in step with connection lifecycle. SDP and ICE payloads
// are forwarded opaquely and never stored.
type Service struct {
	store    *memory.CallStore
	registry *registry.Registry
	calls    *callsvc.Service
	events   events.Publisher
	presence PresenceTracker // nil when presence tracking is disabled
	quality  QualityReporter // nil when quality reporting is disabled
}

// NewService creates a new signaling service
func NewService(store *memory.CallStore, reg *registry.Registry, calls *callsvc.Service, publisher events.Publisher, presence PresenceTracker, quality QualityReporter) *Service {
	return &Service{
		store:    store,
		registry: reg,
		calls:    calls,
		events:   publisher,
		presence: presence,
		quality:  quality,
	}
}

// SendOffer relays an SDP offer to the addressee's personal channel
func (s *Service) SendOffer(ctx context.Context, fromUserID uuid.UUID, offer *domain.Offer) error {
	if offer.SDP == "" {
		return apperrors.MissingFieldError("sdp")
	}
	if err := s.authorizeRelay(offer.CallID, fromUserID, offer.ToUserID); err != nil {
		return err
	}
	offer.FromUserID = fromUserID
	s.registry.Broadcast(registry.UserChannel(offer.ToUserID),
		protocol.Marshal(protocol.ServerReceiveOffer, offer))
	return nil
}

// SendAnswer relays an SDP answer to the addressee's personal channel
func (s *Service) SendAnswer(ctx context.Context, fromUserID uuid.UUID, answer *domain.Answer) error {
	if answer.SDP == "" {
		return apperrors.MissingFieldError("sdp")
	}
	if err := s.authorizeRelay(answer.CallID, fromUserID, answer.ToUserID); err != nil {
		return err
	}
	answer.FromUserID = fromUserID
	s.registry.Broadcast(registry.UserChannel(answer.ToUserID),
		protocol.Marshal(protocol.ServerReceiveAnswer, answer))
	return nil
}

// SendIceCandidate relays an ICE candidate to the addressee's personal channel
func (s *Service) SendIceCandidate(ctx context.Context, fromUserID uuid.UUID, candidate *domain.IceCandidate) error {
	if candidate.Candidate == "" {
		return apperrors.MissingFieldError("candidate")
	}
	if err := s.authorizeRelay(candidate.CallID, fromUserID, candidate.ToUserID); err != nil {
		return err
	}
	candidate.FromUserID = fromUserID
	s.registry.Broadcast(registry.UserChannel(candidate.ToUserID),
		protocol.Marshal(protocol.ServerReceiveIceCandidate, candidate))
	return nil
}

// JoinCall connects a participant to a call they were invited to. Joining
// while already connected is idempotent; a disconnected participant rejoining
// keeps their role and original join time.
func (s *Service) JoinCall(ctx context.Context, callID, userID uuid.UUID, connID string) (*domain.Call, error) {
	var changed bool
	call, err := s.store.Mutate(callID, func(c *domain.Call) error {
		p := c.Participant(userID)
		if p == nil {
			return apperrors.ForbiddenError("Not a member of this call")
		}
		if c.IsTerminal() {
			return apperrors.InvalidStateError("Call already ended")
		}
		if p.Status == domain.ParticipantConnected {
			p.ConnectionID = connID
			return nil
		}
		if err := domain.TransitionParticipant(p, domain.ParticipantConnected, time.Now().UTC()); err != nil {
			return apperrors.InvalidStateError(err.Error())
		}
		p.ConnectionID = connID
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.registry.Subscribe(connID, registry.CallChannel(callID))

	if changed {
		s.events.Publish(ctx, events.New(events.ParticipantJoined, callID, userID, nil))
		s.registry.BroadcastExcept(registry.CallChannel(callID), connID, protocol.Marshal(
			protocol.ServerParticipantJoined, protocol.ParticipantEvent{
				CallID:    callID,
				UserID:    userID,
				Timestamp: time.Now().UTC(),
			}))
		if err := s.calls.Reevaluate(ctx, callID); err != nil {
			return nil, err
		}
		// re-read so the joiner sees the post-evaluation status
		if fresh, err := s.calls.Get(ctx, callID, userID); err == nil {
			return fresh, nil
		}
		return call, nil
	}
	return call, nil
}

// LeaveCall removes a connected participant from the call
func (s *Service) LeaveCall(ctx context.Context, callID, userID uuid.UUID) error {
	var connID string
	_, err := s.store.Mutate(callID, func(c *domain.Call) error {
		p := c.Participant(userID)
		if p == nil {
			return apperrors.ForbiddenError("Not a member of this call")
		}
		if c.IsTerminal() {
			return apperrors.InvalidStateError("Call already ended")
		}
		if err := domain.TransitionParticipant(p, domain.ParticipantLeft, time.Now().UTC()); err != nil {
			return apperrors.InvalidStateError(err.Error())
		}
		connID = p.ConnectionID
		p.ConnectionID = ""
		return nil
	})
	if err != nil {
		return err
	}

	if connID != "" {
		s.registry.Unsubscribe(connID, registry.CallChannel(callID))
	}

	s.events.Publish(ctx, events.New(events.ParticipantLeft, callID, userID, nil))
	s.registry.Broadcast(registry.CallChannel(callID), protocol.Marshal(
		protocol.ServerParticipantLeft, protocol.ParticipantEvent{
			CallID:    callID,
			UserID:    userID,
			Timestamp: time.Now().UTC(),
		}))

	return s.calls.Reevaluate(ctx, callID)
}

// UpdateMediaState changes the caller's own media flags and notifies the call
func (s *Service) UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, update *domain.MediaStateUpdate) error {
	if update.Empty() {
		return apperrors.ValidationError("No media flags to update")
	}

	var state protocol.MediaStateEvent
	var muted, video, screen *bool
	_, err := s.store.Mutate(callID, func(c *domain.Call) error {
		p := c.Participant(userID)
		if p == nil {
			return apperrors.ForbiddenError("Not a member of this call")
		}
		if p.Status != domain.ParticipantConnected {
			return apperrors.InvalidStateError("Participant is not connected")
		}
		if update.IsMuted != nil && *update.IsMuted != p.IsMuted {
			p.IsMuted = *update.IsMuted
			muted = update.IsMuted
		}
		if update.IsVideoEnabled != nil && *update.IsVideoEnabled != p.IsVideoEnabled {
			p.IsVideoEnabled = *update.IsVideoEnabled
			video = update.IsVideoEnabled
		}
		if update.IsScreenSharing != nil && *update.IsScreenSharing != p.IsScreenSharing {
			p.IsScreenSharing = *update.IsScreenSharing
			screen = update.IsScreenSharing
		}
		state = protocol.MediaStateEvent{
			CallID:          callID,
			UserID:          userID,
			IsMuted:         p.IsMuted,
			IsVideoEnabled:  p.IsVideoEnabled,
			IsScreenSharing: p.IsScreenSharing,
			Timestamp:       time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	if muted == nil && video == nil && screen == nil {
		return nil
	}

	s.registry.Broadcast(registry.CallChannel(callID),
		protocol.Marshal(protocol.ServerMediaStateChanged, state))

	if muted != nil {
		s.events.Publish(ctx, events.New(events.ParticipantMuted, callID, userID,
			map[string]any{"is_muted": *muted}))
	}
	if video != nil {
		s.events.Publish(ctx, events.New(events.ParticipantVideoToggled, callID, userID,
			map[string]any{"is_video_enabled": *video}))
	}
	if screen != nil {
		s.events.Publish(ctx, events.New(events.ParticipantScreenToggled, callID, userID,
			map[string]any{"is_screen_sharing": *screen}))
	}
	return nil
}

// ReportQuality stores a quality sample for a connected participant. Storage
// failures are logged and swallowed; quality data is advisory.
func (s *Service) ReportQuality(ctx context.Context, callID, userID uuid.UUID, stats *domain.QualityStats) error {
	call, err := s.store.Get(callID)
	if err != nil {
		return err
	}
	if call.Participant(userID) == nil {
		return apperrors.ForbiddenError("Not a member of this call")
	}

	if s.quality != nil {
		if err := s.quality.Report(ctx, callID, userID, stats); err != nil {
			logger.Warn("Failed to store quality sample",
				zap.String("call_id", callID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	s.events.Publish(ctx, events.New(events.QualityChanged, callID, userID, map[string]any{
		"latency_ms":   stats.LatencyMS,
		"packet_loss":  stats.PacketLoss,
		"jitter":       stats.Jitter,
		"bitrate_kbps": stats.BitrateKbps,
	}))
	return nil
}

// HandleConnect binds a freshly authenticated connection. If the user has
// active calls with a connected participant record, the record is re-pointed
// at the new connection without a status change.
func (s *Service) HandleConnect(ctx context.Context, userID uuid.UUID, connID string, sender registry.Sender) {
	s.registry.Bind(userID, connID, sender)

	if s.presence != nil {
		if err := s.presence.SetUserOnline(ctx, userID); err != nil {
			logger.Warn("Failed to mark user online",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	for _, active := range s.store.ListActiveForUser(userID) {
		callID := active.ID
		var rebound bool
		_, err := s.store.Mutate(callID, func(c *domain.Call) error {
			p := c.Participant(userID)
			if p != nil && p.Status == domain.ParticipantConnected {
				p.ConnectionID = connID
				rebound = true
			}
			return nil
		})
		if err != nil {
			continue
		}
		if rebound {
			s.registry.Subscribe(connID, registry.CallChannel(callID))
		}
	}

	logger.Info("Signaling connection established",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", connID))
}

// Heartbeat extends the user's presence TTL. Driven by WebSocket pongs, so
// presence expires on its own when a client silently vanishes.
func (s *Service) Heartbeat(ctx context.Context, userID uuid.UUID) {
	if s.presence == nil {
		return
	}
	if err := s.presence.RefreshPresence(ctx, userID); err != nil {
		logger.Debug("Failed to refresh presence",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// HandleDisconnect tears down a closed connection. Connected participants in
// active calls go to disconnected, which gives them the configured grace to
// rejoin before the call is re-evaluated out from under them.
func (s *Service) HandleDisconnect(ctx context.Context, connID string) {
	userID, ok := s.registry.Unbind(connID)
	if !ok {
		return
	}

	if s.presence != nil && !s.registry.IsOnline(userID) {
		if err := s.presence.SetUserOffline(ctx, userID); err != nil {
			logger.Warn("Failed to mark user offline",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	for _, active := range s.store.ListActiveForUser(userID) {
		callID := active.ID
		var dropped bool
		_, err := s.store.Mutate(callID, func(c *domain.Call) error {
			p := c.Participant(userID)
			if p == nil || p.ConnectionID != connID || p.Status != domain.ParticipantConnected {
				return nil
			}
			if err := domain.TransitionParticipant(p, domain.ParticipantDisconnected, time.Now().UTC()); err != nil {
				return err
			}
			p.ConnectionID = ""
			dropped = true
			return nil
		})
		if err != nil || !dropped {
			continue
		}

		s.events.Publish(ctx, events.New(events.ParticipantDisconnected, callID, userID, nil))
		s.registry.Broadcast(registry.CallChannel(callID), protocol.Marshal(
			protocol.ServerParticipantDisconnected, protocol.ParticipantEvent{
				CallID:    callID,
				UserID:    userID,
				Timestamp: time.Now().UTC(),
			}))

		if err := s.calls.Reevaluate(ctx, callID); err != nil {
			logger.Error("Failed to re-evaluate call after disconnect",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
	}

	logger.Info("Signaling connection closed",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", connID))
}

// authorizeRelay checks that both ends of a relay are members of the call
func (s *Service) authorizeRelay(callID, fromUserID, toUserID uuid.UUID) error {
	call, err := s.store.Get(callID)
	if err != nil {
		return err
	}
	if call.Participant(fromUserID) == nil {
		return apperrors.ForbiddenError("Sender is not a member of this call")
	}
	if call.Participant(toUserID) == nil {
		return apperrors.ForbiddenError("Addressee is not a member of this call")
	}
	return nil
}
