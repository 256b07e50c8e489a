package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// fakeSender collects delivered payloads
type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection gone")
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func TestBindSubscribesUserChannel(t *testing.T) {
	r := New()
	userID := uuid.New()
	sender := &fakeSender{}

	r.Bind(userID, "conn-1", sender)

	assert.True(t, r.IsOnline(userID))
	assert.Equal(t, 1, r.Broadcast(UserChannel(userID), []byte("hi")))
	assert.Equal(t, 1, sender.count())
}

func TestBindIsIdempotent(t *testing.T) {
	r := New()
	userID := uuid.New()

	r.Bind(userID, "conn-1", &fakeSender{})
	r.Bind(userID, "conn-1", &fakeSender{})

	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Connections(userID), 1)
}

func TestUnbindExactlyOnce(t *testing.T) {
	r := New()
	userID := uuid.New()
	r.Bind(userID, "conn-1", &fakeSender{})

	gotUser, ok := r.Unbind("conn-1")
	assert.True(t, ok)
	assert.Equal(t, userID, gotUser)
	assert.False(t, r.IsOnline(userID))

	_, ok = r.Unbind("conn-1")
	assert.False(t, ok)
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	r := New()
	userID := uuid.New()
	s1 := &fakeSender{}
	s2 := &fakeSender{}

	r.Bind(userID, "conn-1", s1)
	r.Bind(userID, "conn-2", s2)
	assert.Len(t, r.Connections(userID), 2)

	// dropping one connection keeps the user online
	r.Unbind("conn-1")
	assert.True(t, r.IsOnline(userID))

	r.Unbind("conn-2")
	assert.False(t, r.IsOnline(userID))
}

func TestSubscribeAndBroadcast(t *testing.T) {
	r := New()
	callID := uuid.New()
	s1 := &fakeSender{}
	s2 := &fakeSender{}
	s3 := &fakeSender{}

	r.Bind(uuid.New(), "conn-1", s1)
	r.Bind(uuid.New(), "conn-2", s2)
	r.Bind(uuid.New(), "conn-3", s3)

	assert.True(t, r.Subscribe("conn-1", CallChannel(callID)))
	assert.True(t, r.Subscribe("conn-2", CallChannel(callID)))

	delivered := r.Broadcast(CallChannel(callID), []byte("event"))
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, s1.count())
	assert.Equal(t, 1, s2.count())
	assert.Equal(t, 0, s3.count())
}

func TestSubscribeUnknownConnection(t *testing.T) {
	r := New()
	assert.False(t, r.Subscribe("ghost", "chan"))
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	r := New()
	callID := uuid.New()
	s1 := &fakeSender{}
	s2 := &fakeSender{}

	r.Bind(uuid.New(), "conn-1", s1)
	r.Bind(uuid.New(), "conn-2", s2)
	r.Subscribe("conn-1", CallChannel(callID))
	r.Subscribe("conn-2", CallChannel(callID))

	delivered := r.BroadcastExcept(CallChannel(callID), "conn-1", []byte("event"))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, s1.count())
	assert.Equal(t, 1, s2.count())
}

func TestBroadcastBestEffortOnFailure(t *testing.T) {
	r := New()
	callID := uuid.New()
	healthy := &fakeSender{}
	broken := &fakeSender{fail: true}

	r.Bind(uuid.New(), "conn-1", healthy)
	r.Bind(uuid.New(), "conn-2", broken)
	r.Subscribe("conn-1", CallChannel(callID))
	r.Subscribe("conn-2", CallChannel(callID))

	delivered := r.Broadcast(CallChannel(callID), []byte("event"))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, healthy.count())
}

func TestBroadcastDropsFailingConnectionFromChannel(t *testing.T) {
	r := New()
	callID := uuid.New()
	healthy := &fakeSender{}
	broken := &fakeSender{fail: true}

	r.Bind(uuid.New(), "conn-1", healthy)
	r.Bind(uuid.New(), "conn-2", broken)
	r.Subscribe("conn-1", CallChannel(callID))
	r.Subscribe("conn-2", CallChannel(callID))

	assert.Equal(t, 1, r.Broadcast(CallChannel(callID), []byte("first")))

	// the failed connection is out of the channel but still bound
	broken.fail = false
	assert.Equal(t, 1, r.Broadcast(CallChannel(callID), []byte("second")))
	assert.Equal(t, 0, broken.count())
	assert.Equal(t, 2, r.Len())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New()
	callID := uuid.New()
	sender := &fakeSender{}

	r.Bind(uuid.New(), "conn-1", sender)
	r.Subscribe("conn-1", CallChannel(callID))
	r.Unsubscribe("conn-1", CallChannel(callID))

	assert.Equal(t, 0, r.Broadcast(CallChannel(callID), []byte("event")))
	assert.Equal(t, 0, sender.count())
}

func TestUnbindRemovesChannelMemberships(t *testing.T) {
	r := New()
	callID := uuid.New()
	userID := uuid.New()
	sender := &fakeSender{}

	r.Bind(userID, "conn-1", sender)
	r.Subscribe("conn-1", CallChannel(callID))
	r.Unbind("conn-1")

	assert.Equal(t, 0, r.Broadcast(CallChannel(callID), []byte("event")))
	assert.Equal(t, 0, r.Broadcast(UserChannel(userID), []byte("event")))
}

func TestBroadcastEmptyChannel(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Broadcast("nobody-home", []byte("event")))
}
