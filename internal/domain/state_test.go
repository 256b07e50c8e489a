package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newTestCall(status CallStatus, participants ...*CallParticipant) *Call {
	return &Call{
		ID:              uuid.New(),
		CallerID:        uuid.New(),
		RoomID:          NewRoomID(),
		Type:            CallTypeVoice,
		Status:          status,
		Participants:    participants,
		MaxParticipants: 8,
		CreatedAt:       time.Now().UTC(),
	}
}

func participantWithStatus(status ParticipantStatus) *CallParticipant {
	return &CallParticipant{
		UserID:    uuid.New(),
		Role:      RoleParticipant,
		Status:    status,
		InvitedAt: time.Now().UTC(),
	}
}

func TestTransitionCallLegalPath(t *testing.T) {
	call := newTestCall(CallStatusInitiated)
	now := time.Now().UTC()

	assert.NoError(t, TransitionCall(call, CallStatusRinging, now))
	assert.NoError(t, TransitionCall(call, CallStatusConnecting, now))
	assert.NoError(t, TransitionCall(call, CallStatusActive, now))
	assert.NotNil(t, call.StartedAt)

	assert.NoError(t, TransitionCall(call, CallStatusEnded, now.Add(90*time.Second)))
	assert.NotNil(t, call.EndedAt)
	assert.Equal(t, 90, call.DurationSeconds)
}

func TestTransitionCallIdempotentSameStatus(t *testing.T) {
	call := newTestCall(CallStatusRinging)

	assert.NoError(t, TransitionCall(call, CallStatusRinging, time.Now().UTC()))
	assert.Equal(t, CallStatusRinging, call.Status)
}

func TestTransitionCallRejectsIllegalMove(t *testing.T) {
	call := newTestCall(CallStatusActive)

	err := TransitionCall(call, CallStatusRinging, time.Now().UTC())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, CallStatusActive, call.Status)
}

func TestTransitionCallTerminalIsFinal(t *testing.T) {
	call := newTestCall(CallStatusEnded)

	err := TransitionCall(call, CallStatusActive, time.Now().UTC())
	assert.ErrorIs(t, err, ErrTerminalCall)
}

func TestTransitionCallStartedAtStampedOnce(t *testing.T) {
	call := newTestCall(CallStatusInitiated)
	first := time.Now().UTC()

	assert.NoError(t, TransitionCall(call, CallStatusActive, first))
	started := *call.StartedAt

	// same-status transition must not restamp
	assert.NoError(t, TransitionCall(call, CallStatusActive, first.Add(time.Minute)))
	assert.Equal(t, started, *call.StartedAt)
}

func TestTransitionCallNoDurationWithoutActive(t *testing.T) {
	call := newTestCall(CallStatusRinging)

	assert.NoError(t, TransitionCall(call, CallStatusMissed, time.Now().UTC()))
	assert.Nil(t, call.StartedAt)
	assert.Equal(t, 0, call.DurationSeconds)
}

func TestTransitionParticipantJoinedAtPreservedOnReconnect(t *testing.T) {
	p := participantWithStatus(ParticipantInvited)
	first := time.Now().UTC()

	assert.NoError(t, TransitionParticipant(p, ParticipantConnected, first))
	joined := *p.JoinedAt

	assert.NoError(t, TransitionParticipant(p, ParticipantDisconnected, first.Add(time.Second)))
	assert.NotNil(t, p.DisconnectedAt)

	assert.NoError(t, TransitionParticipant(p, ParticipantConnected, first.Add(10*time.Second)))
	assert.Equal(t, joined, *p.JoinedAt)
	assert.Nil(t, p.DisconnectedAt)
}

func TestTransitionParticipantLeftIsFinal(t *testing.T) {
	p := participantWithStatus(ParticipantConnected)
	now := time.Now().UTC()

	assert.NoError(t, TransitionParticipant(p, ParticipantLeft, now))
	assert.NotNil(t, p.LeftAt)

	err := TransitionParticipant(p, ParticipantConnected, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReevaluateActivatesWithTwoConnected(t *testing.T) {
	call := newTestCall(CallStatusRinging,
		participantWithStatus(ParticipantConnected),
		participantWithStatus(ParticipantConnected),
		participantWithStatus(ParticipantInvited),
	)

	changed, err := Reevaluate(call, ReevaluatePolicy{}, time.Now().UTC())
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, CallStatusActive, call.Status)
	assert.NotNil(t, call.StartedAt)
}

func TestReevaluateKeepsRingingWhileInvitesPending(t *testing.T) {
	call := newTestCall(CallStatusRinging,
		participantWithStatus(ParticipantConnected),
		participantWithStatus(ParticipantInvited),
	)

	changed, err := Reevaluate(call, ReevaluatePolicy{}, time.Now().UTC())
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, CallStatusRinging, call.Status)
}

func TestReevaluateEndsWhenEveryoneDeclined(t *testing.T) {
	call := newTestCall(CallStatusRinging,
		participantWithStatus(ParticipantConnected),
		participantWithStatus(ParticipantLeft),
	)

	changed, err := Reevaluate(call, ReevaluatePolicy{}, time.Now().UTC())
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, CallStatusEnded, call.Status)
}

func TestReevaluateActiveEndsBelowFloor(t *testing.T) {
	call := newTestCall(CallStatusActive,
		participantWithStatus(ParticipantConnected),
		participantWithStatus(ParticipantLeft),
	)
	now := time.Now().UTC()
	start := now.Add(-time.Minute)
	call.StartedAt = &start

	changed, err := Reevaluate(call, ReevaluatePolicy{}, now)
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, CallStatusEnded, call.Status)
	assert.Equal(t, 60, call.DurationSeconds)
}

func TestReevaluateSingleConnectedGraceKeepsCallAlive(t *testing.T) {
	call := newTestCall(CallStatusActive,
		participantWithStatus(ParticipantConnected),
		participantWithStatus(ParticipantDisconnected),
	)

	changed, err := Reevaluate(call, ReevaluatePolicy{SingleConnectedGrace: true}, time.Now().UTC())
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, CallStatusActive, call.Status)
}

func TestReevaluateWithoutGraceEndsSingleConnected(t *testing.T) {
	call := newTestCall(CallStatusActive,
		participantWithStatus(ParticipantConnected),
		participantWithStatus(ParticipantDisconnected),
	)

	changed, err := Reevaluate(call, ReevaluatePolicy{SingleConnectedGrace: false}, time.Now().UTC())
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, CallStatusEnded, call.Status)
}

func TestReevaluateGraceEndsWithZeroConnected(t *testing.T) {
	call := newTestCall(CallStatusActive,
		participantWithStatus(ParticipantDisconnected),
		participantWithStatus(ParticipantLeft),
	)

	changed, err := Reevaluate(call, ReevaluatePolicy{SingleConnectedGrace: true}, time.Now().UTC())
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, CallStatusEnded, call.Status)
}

func TestReevaluateTerminalIsNoOp(t *testing.T) {
	call := newTestCall(CallStatusEnded)

	changed, err := Reevaluate(call, ReevaluatePolicy{}, time.Now().UTC())
	assert.NoError(t, err)
	assert.False(t, changed)
}

func TestCloneIsDeep(t *testing.T) {
	p := participantWithStatus(ParticipantConnected)
	call := newTestCall(CallStatusActive, p)
	now := time.Now().UTC()
	call.StartedAt = &now

	clone := call.Clone()
	clone.Participants[0].Status = ParticipantLeft
	*clone.StartedAt = now.Add(time.Hour)

	assert.Equal(t, ParticipantConnected, call.Participants[0].Status)
	assert.Equal(t, now, *call.StartedAt)
}
