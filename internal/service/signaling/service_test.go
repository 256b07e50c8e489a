package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"callbridge-backend/internal/config"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/events"
	"callbridge-backend/internal/protocol"
	"callbridge-backend/internal/registry"
	"callbridge-backend/internal/repository/memory"
	callsvc "callbridge-backend/internal/service/call"
	apperrors "callbridge-backend/pkg/errors"
)

// fakeSender collects decoded server events per connection
type fakeSender struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
}

func (f *fakeSender) Send(payload []byte) error {
	var ev protocol.ServerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) received(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	signaling *Service
	calls     *callsvc.Service
	store     *memory.CallStore
	registry  *registry.Registry
}

func newFixture() *fixture {
	store := memory.NewCallStore()
	reg := registry.New()
	cfg := config.CallConfig{
		RingTimeout:          45 * time.Second,
		DisconnectGrace:      30 * time.Second,
		SingleConnectedGrace: true,
		MaxParticipants:      8,
	}
	calls := callsvc.NewService(store, reg, events.Nop{}, nil, nil, cfg)
	return &fixture{
		signaling: NewService(store, reg, calls, events.Nop{}, nil, nil),
		calls:     calls,
		store:     store,
		registry:  reg,
	}
}

// connect binds a connection for the user and returns its sender and ID
func (f *fixture) connect(t *testing.T, userID uuid.UUID) (*fakeSender, string) {
	t.Helper()
	sender := &fakeSender{}
	connID := uuid.NewString()
	f.signaling.HandleConnect(context.Background(), userID, connID, sender)
	return sender, connID
}

// initiate creates a ringing call between a caller and invitees
func (f *fixture) initiate(t *testing.T, callerID uuid.UUID, inviteeIDs ...uuid.UUID) *domain.Call {
	t.Helper()
	call, err := f.calls.Initiate(context.Background(), callerID, &callsvc.InitiateInput{
		Type:       domain.CallTypeVoice,
		InviteeIDs: inviteeIDs,
	})
	assert.NoError(t, err)
	return call
}

func TestSendOfferDeliversToAddressee(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	_, _ = f.connect(t, callerID)
	inviteeSender, _ := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	err := f.signaling.SendOffer(context.Background(), callerID, &domain.Offer{
		CallID:   call.ID,
		ToUserID: inviteeID,
		SDP:      "v=0 o=- offer",
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, inviteeSender.received(protocol.ServerReceiveOffer))
}

func TestSendOfferStampsSenderIdentity(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	inviteeSender, _ := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	offer := &domain.Offer{
		CallID:     call.ID,
		FromUserID: uuid.New(), // spoofed, must be overwritten
		ToUserID:   inviteeID,
		SDP:        "v=0",
	}
	assert.NoError(t, f.signaling.SendOffer(context.Background(), callerID, offer))
	assert.Equal(t, callerID, offer.FromUserID)
	assert.Equal(t, 1, inviteeSender.received(protocol.ServerReceiveOffer))
}

func TestRelayRejectsNonMembers(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()
	outsiderID := uuid.New()

	call := f.initiate(t, callerID, inviteeID)

	// outsider as sender
	err := f.signaling.SendOffer(context.Background(), outsiderID, &domain.Offer{
		CallID: call.ID, ToUserID: inviteeID, SDP: "v=0",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))

	// outsider as addressee
	err = f.signaling.SendAnswer(context.Background(), callerID, &domain.Answer{
		CallID: call.ID, ToUserID: outsiderID, SDP: "v=0",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

func TestRelayUnknownCall(t *testing.T) {
	f := newFixture()

	err := f.signaling.SendIceCandidate(context.Background(), uuid.New(), &domain.IceCandidate{
		CallID: uuid.New(), ToUserID: uuid.New(), Candidate: "candidate:1",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallNotFound))
}

func TestRelayRequiresPayload(t *testing.T) {
	f := newFixture()

	err := f.signaling.SendOffer(context.Background(), uuid.New(), &domain.Offer{
		CallID: uuid.New(), ToUserID: uuid.New(),
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingField))
}

func TestJoinCallActivates(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	callerSender, callerConn := f.connect(t, callerID)
	_, inviteeConn := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	// the caller's own join is idempotent and only attaches the connection
	// to the call channel
	_, err := f.signaling.JoinCall(context.Background(), call.ID, callerID, callerConn)
	assert.NoError(t, err)
	assert.Equal(t, 0, callerSender.received(protocol.ServerParticipantJoined))

	joined, err := f.signaling.JoinCall(context.Background(), call.ID, inviteeID, inviteeConn)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, joined.Status)
	assert.Equal(t, domain.ParticipantConnected, joined.Participant(inviteeID).Status)
	assert.Equal(t, 1, callerSender.received(protocol.ServerParticipantJoined))
}

func TestJoinCallIdempotent(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	callerSender, callerConn := f.connect(t, callerID)
	_, inviteeConn := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	_, err := f.signaling.JoinCall(context.Background(), call.ID, callerID, callerConn)
	assert.NoError(t, err)
	_, err = f.signaling.JoinCall(context.Background(), call.ID, inviteeID, inviteeConn)
	assert.NoError(t, err)

	// a second join must not fail or re-announce
	_, err = f.signaling.JoinCall(context.Background(), call.ID, inviteeID, inviteeConn)
	assert.NoError(t, err)
	assert.Equal(t, 1, callerSender.received(protocol.ServerParticipantJoined))
}

func TestJoinCallByNonMemberForbidden(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	outsiderID := uuid.New()

	_, outsiderConn := f.connect(t, outsiderID)
	call := f.initiate(t, callerID, uuid.New())

	_, err := f.signaling.JoinCall(context.Background(), call.ID, outsiderID, outsiderConn)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

func TestReconnectPreservesRoleAndJoinTime(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	f.connect(t, callerID)
	_, inviteeConn := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	joined, err := f.signaling.JoinCall(context.Background(), call.ID, inviteeID, inviteeConn)
	assert.NoError(t, err)
	joinedAt := *joined.Participant(inviteeID).JoinedAt

	// connection drops; the participant gets the disconnect grace
	f.signaling.HandleDisconnect(context.Background(), inviteeConn)

	got, err := f.store.Get(call.ID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, got.Status)
	assert.Equal(t, domain.ParticipantDisconnected, got.Participant(inviteeID).Status)

	// reconnect on a fresh connection
	_, freshConn := f.connect(t, inviteeID)
	rejoined, err := f.signaling.JoinCall(context.Background(), call.ID, inviteeID, freshConn)
	assert.NoError(t, err)

	p := rejoined.Participant(inviteeID)
	assert.Equal(t, domain.ParticipantConnected, p.Status)
	assert.Equal(t, joinedAt, *p.JoinedAt)
	assert.Equal(t, freshConn, p.ConnectionID)
}

func TestLeaveCallEndsOneToOne(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	f.connect(t, callerID)
	_, inviteeConn := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	_, err := f.signaling.JoinCall(context.Background(), call.ID, inviteeID, inviteeConn)
	assert.NoError(t, err)

	assert.NoError(t, f.signaling.LeaveCall(context.Background(), call.ID, inviteeID))

	// only the caller remains and nobody can rejoin, so the call ended
	assert.Equal(t, 0, f.store.Len())
}

func TestUpdateMediaStateIsolatedPerParticipant(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	second := uuid.New()
	third := uuid.New()

	f.connect(t, callerID)
	_, secondConn := f.connect(t, second)
	_, thirdConn := f.connect(t, third)
	call := f.initiate(t, callerID, second, third)

	_, err := f.signaling.JoinCall(context.Background(), call.ID, second, secondConn)
	assert.NoError(t, err)
	_, err = f.signaling.JoinCall(context.Background(), call.ID, third, thirdConn)
	assert.NoError(t, err)

	muted := true
	err = f.signaling.UpdateMediaState(context.Background(), call.ID, second, &domain.MediaStateUpdate{
		IsMuted: &muted,
	})
	assert.NoError(t, err)

	got, err := f.store.Get(call.ID)
	assert.NoError(t, err)
	assert.True(t, got.Participant(second).IsMuted)
	assert.False(t, got.Participant(callerID).IsMuted)
	assert.False(t, got.Participant(third).IsMuted)
}

func TestUpdateMediaStateBroadcastsToCall(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	callerSender, callerConn := f.connect(t, callerID)
	_, inviteeConn := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	// the caller's connection joins its own call channel
	_, err := f.signaling.JoinCall(context.Background(), call.ID, callerID, callerConn)
	assert.NoError(t, err)
	_, err = f.signaling.JoinCall(context.Background(), call.ID, inviteeID, inviteeConn)
	assert.NoError(t, err)

	sharing := true
	err = f.signaling.UpdateMediaState(context.Background(), call.ID, inviteeID, &domain.MediaStateUpdate{
		IsScreenSharing: &sharing,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, callerSender.received(protocol.ServerMediaStateChanged))
}

func TestUpdateMediaStateRejectsEmptyUpdate(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	call := f.initiate(t, callerID, uuid.New())

	err := f.signaling.UpdateMediaState(context.Background(), call.ID, callerID, &domain.MediaStateUpdate{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestUpdateMediaStateRequiresConnected(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()
	call := f.initiate(t, callerID, inviteeID)

	muted := true
	err := f.signaling.UpdateMediaState(context.Background(), call.ID, inviteeID, &domain.MediaStateUpdate{
		IsMuted: &muted,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestHandleDisconnectLastInviteeBeforeAnswerEndsNothing(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	f.connect(t, callerID)
	_, inviteeConn := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	// invitee never joined; their disconnect must not touch the call
	f.signaling.HandleDisconnect(context.Background(), inviteeConn)

	got, err := f.store.Get(call.ID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, got.Status)
	assert.Equal(t, domain.ParticipantInvited, got.Participant(inviteeID).Status)
}

func TestHandleDisconnectUnknownConnection(t *testing.T) {
	f := newFixture()
	// must be a silent no-op
	f.signaling.HandleDisconnect(context.Background(), "never-bound")
}

func TestHandleConnectRebindsActiveCall(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	inviteeID := uuid.New()

	_, callerConn := f.connect(t, callerID)
	_, inviteeConn := f.connect(t, inviteeID)
	call := f.initiate(t, callerID, inviteeID)

	_, err := f.signaling.JoinCall(context.Background(), call.ID, callerID, callerConn)
	assert.NoError(t, err)
	_, err = f.signaling.JoinCall(context.Background(), call.ID, inviteeID, inviteeConn)
	assert.NoError(t, err)

	// a second device connects while the participant is still connected:
	// the record is re-pointed without a status change
	_, newConn := f.connect(t, inviteeID)

	got, err := f.store.Get(call.ID)
	assert.NoError(t, err)
	p := got.Participant(inviteeID)
	assert.Equal(t, domain.ParticipantConnected, p.Status)
	assert.Equal(t, newConn, p.ConnectionID)
}

func TestReportQualityRequiresMembership(t *testing.T) {
	f := newFixture()
	call := f.initiate(t, uuid.New(), uuid.New())

	err := f.signaling.ReportQuality(context.Background(), call.ID, uuid.New(), &domain.QualityStats{
		LatencyMS: 120,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

func TestReportQualityWithoutReporter(t *testing.T) {
	f := newFixture()
	callerID := uuid.New()
	call := f.initiate(t, callerID, uuid.New())

	err := f.signaling.ReportQuality(context.Background(), call.ID, callerID, &domain.QualityStats{
		LatencyMS:  80,
		PacketLoss: 0.5,
	})
	assert.NoError(t, err)
}
