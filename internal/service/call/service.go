package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/config"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/events"
	"callbridge-backend/internal/protocol"
	"callbridge-backend/internal/registry"
	"callbridge-backend/internal/repository/memory"
	"callbridge-backend/pkg/constants"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// Broadcaster fans a payload out to a named channel. Satisfied by the
// connection registry.
type Broadcaster interface {
	Broadcast(channel string, payload []byte) int
}

// HistoryRepository receives terminal call snapshots and serves call history.
// It is the handoff to the persistent call-history collaborator.
type HistoryRepository interface {
	SaveTerminal(ctx context.Context, call *domain.Call) error
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// Service owns the call lifecycle: creation, state transitions, terminal
// finalization and eviction. All aggregate mutations happen inside the store's
// per-call serialization.
type Service struct {
	store       *memory.CallStore
	broadcaster Broadcaster
	events      events.Publisher
	history     HistoryRepository // nil in limited mode without persistence
	metrics     *metrics.Metrics  // nil when metrics are disabled
	cfg         config.CallConfig
}

// NewService creates a new call lifecycle service
func NewService(store *memory.CallStore, broadcaster Broadcaster, publisher events.Publisher, history HistoryRepository, appMetrics *metrics.Metrics, cfg config.CallConfig) *Service {
	return &Service{
		store:       store,
		broadcaster: broadcaster,
		events:      publisher,
		history:     history,
		metrics:     appMetrics,
		cfg:         cfg,
	}
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	Type           domain.CallType
	InviteeIDs     []uuid.UUID
	ConversationID *uuid.UUID
}

// Initiate creates a call with the caller connected as host and every invitee
// ringing. The invitees are notified on their personal channels.
func (s *Service) Initiate(ctx context.Context, callerID uuid.UUID, input *InitiateInput) (*domain.Call, error) {
	if len(input.InviteeIDs) == 0 {
		return nil, apperrors.ValidationError("At least one invitee is required")
	}
	if len(input.InviteeIDs) > s.cfg.MaxParticipants-1 {
		return nil, apperrors.CallFullError()
	}
	seen := map[uuid.UUID]struct{}{callerID: {}}
	for _, id := range input.InviteeIDs {
		if id == callerID {
			return nil, apperrors.ValidationError("Caller cannot invite themselves")
		}
		if _, dup := seen[id]; dup {
			return nil, apperrors.ValidationError("Duplicate invitee")
		}
		seen[id] = struct{}{}
	}
	if input.Type != domain.CallTypeVoice && input.Type != domain.CallTypeVideo {
		return nil, apperrors.ValidationError("Unknown call type")
	}

	now := time.Now().UTC()
	call := &domain.Call{
		ID:              uuid.New(),
		CallerID:        callerID,
		ConversationID:  input.ConversationID,
		RoomID:          domain.NewRoomID(),
		Type:            input.Type,
		Status:          domain.CallStatusInitiated,
		MaxParticipants: s.cfg.MaxParticipants,
		CreatedAt:       now,
	}

	host := &domain.CallParticipant{
		CallID:         call.ID,
		UserID:         callerID,
		Role:           domain.RoleHost,
		Status:         domain.ParticipantConnected,
		IsVideoEnabled: input.Type == domain.CallTypeVideo,
		InvitedAt:      now,
		JoinedAt:       &now,
	}
	call.Participants = append(call.Participants, host)

	for _, inviteeID := range input.InviteeIDs {
		call.Participants = append(call.Participants, &domain.CallParticipant{
			CallID:         call.ID,
			UserID:         inviteeID,
			Role:           domain.RoleParticipant,
			Status:         domain.ParticipantInvited,
			IsVideoEnabled: input.Type == domain.CallTypeVideo,
			InvitedAt:      now,
		})
	}

	if err := s.store.Create(call); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SetActiveCalls(s.store.Len())
	}

	s.events.Publish(ctx, events.New(events.CallInitiated, call.ID, callerID, map[string]any{
		"call_type": string(call.Type),
		"invitees":  len(input.InviteeIDs),
	}))

	// Ring every invitee on their personal channel. A user with no live
	// connection is reached by the external push collaborator instead.
	incoming := protocol.Marshal(protocol.ServerIncomingCall, protocol.IncomingCallEvent{
		CallID:         call.ID,
		CallerID:       callerID,
		CallType:       call.Type,
		ConversationID: call.ConversationID,
		RoomID:         call.RoomID,
		Timestamp:      now,
	})
	for _, inviteeID := range input.InviteeIDs {
		s.broadcaster.Broadcast(registry.UserChannel(inviteeID), incoming)
	}

	ringing, err := s.store.Mutate(call.ID, func(c *domain.Call) error {
		return domain.TransitionCall(c, domain.CallStatusRinging, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.New(events.CallRinging, call.ID, callerID, nil))

	logger.Info("Call initiated",
		zap.String("call_id", call.ID.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("call_type", string(call.Type)),
		zap.Int("invitees", len(input.InviteeIDs)))

	return ringing, nil
}

// Get returns the active call if the requester is a member
func (s *Service) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.store.Get(callID)
	if err != nil {
		return nil, err
	}
	if call.Participant(userID) == nil {
		return nil, apperrors.ForbiddenError("Not a member of this call")
	}
	return call, nil
}

// End terminates the call for everyone. Member-only.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID) error {
	call, err := s.store.Mutate(callID, func(c *domain.Call) error {
		if c.Participant(userID) == nil {
			return apperrors.ForbiddenError("Not a member of this call")
		}
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

	s.finalize(ctx, call, events.CallEnded, userID)
	return nil
}

// Decline rejects a ringing call. In a 1:1 call this ends the call; in a
// multi-party call only the declining participant is removed.
func (s *Service) Decline(ctx context.Context, callID, userID uuid.UUID) error {
	call, err := s.store.Mutate(callID, func(c *domain.Call) error {
		p := c.Participant(userID)
		if p == nil {
			return apperrors.ForbiddenError("Not a member of this call")
		}
		if c.IsTerminal() {
			return apperrors.InvalidStateError("Call already ended")
		}
		now := time.Now().UTC()
		if err := domain.TransitionParticipant(p, domain.ParticipantLeft, now); err != nil {
			return apperrors.InvalidStateError(err.Error())
		}
		if c.IsOneToOne() {
			if err := domain.TransitionCall(c, domain.CallStatusDeclined, now); err != nil {
				return apperrors.InvalidStateError(err.Error())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// finalize publishes the rejection for a terminal 1:1 call; publishing
	// here too would double the event on the bus
	if call.IsTerminal() {
		s.finalize(ctx, call, "", userID)
		return nil
	}

	s.events.Publish(ctx, events.New(events.CallRejected, callID, userID, nil))
	s.broadcaster.Broadcast(registry.CallChannel(callID), protocol.Marshal(
		protocol.ServerParticipantLeft, protocol.ParticipantEvent{
			CallID:    callID,
			UserID:    userID,
			Timestamp: time.Now().UTC(),
		}))
	return s.Reevaluate(ctx, callID)
}

// MarkMissed is the ring-timeout transition, driven by the sweeper.
func (s *Service) MarkMissed(ctx context.Context, callID uuid.UUID) error {
	call, err := s.store.Mutate(callID, func(c *domain.Call) error {
		if err := domain.TransitionCall(c, domain.CallStatusMissed, time.Now().UTC()); err != nil {
			return apperrors.InvalidStateError(err.Error())
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.finalize(ctx, call, "", call.CallerID)
	return nil
}

// MarkFailed degrades the call on an irrecoverable error, from any
// non-terminal state
func (s *Service) MarkFailed(ctx context.Context, callID uuid.UUID, reason string) error {
	call, err := s.store.Mutate(callID, func(c *domain.Call) error {
		if err := domain.TransitionCall(c, domain.CallStatusFailed, time.Now().UTC()); err != nil {
			return apperrors.InvalidStateError(err.Error())
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Error("Call failed",
		zap.String("call_id", callID.String()),
		zap.String("reason", reason))

	s.finalize(ctx, call, "", call.CallerID)
	return nil
}

// Reevaluate applies the call-level rules after any participant change. An
// error mid-evaluation degrades the call to failed rather than leaving it in
// an intermediate state.
func (s *Service) Reevaluate(ctx context.Context, callID uuid.UUID) error {
	var becameActive bool
	call, err := s.store.Mutate(callID, func(c *domain.Call) error {
		wasActive := c.Status == domain.CallStatusActive
		changed, reevalErr := domain.Reevaluate(c, s.policy(), time.Now().UTC())
		if reevalErr != nil {
			if err := domain.TransitionCall(c, domain.CallStatusFailed, time.Now().UTC()); err != nil {
				c.Status = domain.CallStatusFailed
			}
			logger.Error("Call re-evaluation failed, degrading call",
				zap.String("call_id", c.ID.String()),
				zap.Error(reevalErr))
			return nil
		}
		becameActive = changed && !wasActive && c.Status == domain.CallStatusActive
		return nil
	})
	if err != nil {
		return err
	}

	if becameActive {
		s.events.Publish(ctx, events.New(events.CallAnswered, callID, call.CallerID, nil))
		logger.Info("Call active", zap.String("call_id", callID.String()))
	}
	if call.IsTerminal() {
		s.finalize(ctx, call, "", call.CallerID)
	}
	return nil
}

// ListActiveForUser returns every non-terminal call the user belongs to
func (s *Service) ListActiveForUser(ctx context.Context, userID uuid.UUID) []*domain.Call {
	return s.store.ListActiveForUser(userID)
}

// History returns persisted calls for a user, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if s.history == nil {
		return nil, apperrors.ServiceUnavailableError("Call history is not available")
	}
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	calls, err := s.history.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

func (s *Service) policy() domain.ReevaluatePolicy {
	return domain.ReevaluatePolicy{SingleConnectedGrace: s.cfg.SingleConnectedGrace}
}

// finalize runs the single terminal pipeline: event publish, history snapshot,
// call-channel notification, eviction. The terminal transition inside Mutate
// already guarantees this runs once per call.
func (s *Service) finalize(ctx context.Context, call *domain.Call, eventType events.EventType, byUserID uuid.UUID) {
	if eventType == "" {
		switch call.Status {
		case domain.CallStatusDeclined:
			eventType = events.CallRejected
		case domain.CallStatusMissed:
			eventType = events.CallMissed
		case domain.CallStatusFailed:
			eventType = events.CallFailed
		default:
			eventType = events.CallEnded
		}
	}

	s.events.Publish(ctx, events.New(eventType, call.ID, byUserID, map[string]any{
		"status":   string(call.Status),
		"duration": call.DurationSeconds,
	}))

	// History write is best-effort; a failed snapshot never blocks eviction.
	if s.history != nil {
		if err := s.history.SaveTerminal(ctx, call); err != nil {
			logger.Warn("Failed to persist terminal call snapshot",
				zap.String("call_id", call.ID.String()),
				zap.Error(err))
		}
	}

	endedAt := call.CreatedAt
	if call.EndedAt != nil {
		endedAt = *call.EndedAt
	}
	s.broadcaster.Broadcast(registry.CallChannel(call.ID), protocol.Marshal(
		terminalEventType(call.Status), protocol.CallTerminalEvent{
			CallID:          call.ID,
			Status:          call.Status,
			EndedAt:         endedAt,
			DurationSeconds: call.DurationSeconds,
		}))

	s.store.Remove(call.ID)

	if s.metrics != nil {
		s.metrics.RecordCall(string(call.Type), string(call.Status))
		s.metrics.SetActiveCalls(s.store.Len())
		if call.Status == domain.CallStatusFailed {
			s.metrics.RecordCallFailure(string(call.Type), string(eventType))
		}
		if call.DurationSeconds > 0 {
			s.metrics.RecordCallDuration(string(call.Type), time.Duration(call.DurationSeconds)*time.Second)
		}
	}

	logger.Info("Call finalized",
		zap.String("call_id", call.ID.String()),
		zap.String("status", string(call.Status)),
		zap.Int("duration_seconds", call.DurationSeconds))
}

func terminalEventType(status domain.CallStatus) string {
	switch status {
	case domain.CallStatusDeclined:
		return protocol.ServerCallDeclined
	case domain.CallStatusMissed:
		return protocol.ServerCallMissed
	case domain.CallStatusFailed:
		return protocol.ServerCallFailed
	default:
		return protocol.ServerCallEnded
	}
}
