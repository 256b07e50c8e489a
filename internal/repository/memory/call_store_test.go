package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"callbridge-backend/internal/domain"
	apperrors "callbridge-backend/pkg/errors"
)

func storeTestCall() *domain.Call {
	callerID := uuid.New()
	call := &domain.Call{
		ID:              uuid.New(),
		CallerID:        callerID,
		RoomID:          domain.NewRoomID(),
		Type:            domain.CallTypeVoice,
		Status:          domain.CallStatusRinging,
		MaxParticipants: 8,
		CreatedAt:       time.Now().UTC(),
	}
	call.Participants = []*domain.CallParticipant{
		{CallID: call.ID, UserID: callerID, Role: domain.RoleHost, Status: domain.ParticipantConnected},
		{CallID: call.ID, UserID: uuid.New(), Role: domain.RoleParticipant, Status: domain.ParticipantInvited},
	}
	return call
}

func TestCreateAndGet(t *testing.T) {
	store := NewCallStore()
	call := storeTestCall()

	assert.NoError(t, store.Create(call))
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(call.ID)
	assert.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)
	assert.Len(t, got.Participants, 2)
}

func TestCreateDuplicateFails(t *testing.T) {
	store := NewCallStore()
	call := storeTestCall()

	assert.NoError(t, store.Create(call))
	err := store.Create(call)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestGetUnknownCall(t *testing.T) {
	store := NewCallStore()

	_, err := store.Get(uuid.New())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallNotFound))
}

func TestGetReturnsClone(t *testing.T) {
	store := NewCallStore()
	call := storeTestCall()
	assert.NoError(t, store.Create(call))

	got, err := store.Get(call.ID)
	assert.NoError(t, err)
	got.Status = domain.CallStatusEnded
	got.Participants[0].Status = domain.ParticipantLeft

	fresh, err := store.Get(call.ID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, fresh.Status)
	assert.Equal(t, domain.ParticipantConnected, fresh.Participants[0].Status)
}

func TestMutateApplies(t *testing.T) {
	store := NewCallStore()
	call := storeTestCall()
	assert.NoError(t, store.Create(call))

	updated, err := store.Mutate(call.ID, func(c *domain.Call) error {
		c.Status = domain.CallStatusActive
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, updated.Status)

	got, err := store.Get(call.ID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, got.Status)
}

func TestMutateRollsBackOnError(t *testing.T) {
	store := NewCallStore()
	call := storeTestCall()
	assert.NoError(t, store.Create(call))

	_, err := store.Mutate(call.ID, func(c *domain.Call) error {
		c.Status = domain.CallStatusEnded
		c.Participants[0].Status = domain.ParticipantLeft
		return errors.New("boom")
	})
	assert.Error(t, err)

	got, getErr := store.Get(call.ID)
	assert.NoError(t, getErr)
	assert.Equal(t, domain.CallStatusRinging, got.Status)
	assert.Equal(t, domain.ParticipantConnected, got.Participants[0].Status)
}

func TestListActiveSkipsTerminal(t *testing.T) {
	store := NewCallStore()
	active := storeTestCall()
	ended := storeTestCall()
	ended.Status = domain.CallStatusEnded

	assert.NoError(t, store.Create(active))
	assert.NoError(t, store.Create(ended))

	calls := store.ListActive()
	assert.Len(t, calls, 1)
	assert.Equal(t, active.ID, calls[0].ID)
}

func TestListActiveForUser(t *testing.T) {
	store := NewCallStore()
	call := storeTestCall()
	other := storeTestCall()

	assert.NoError(t, store.Create(call))
	assert.NoError(t, store.Create(other))

	calls := store.ListActiveForUser(call.CallerID)
	assert.Len(t, calls, 1)
	assert.Equal(t, call.ID, calls[0].ID)

	assert.Empty(t, store.ListActiveForUser(uuid.New()))
}

func TestRemove(t *testing.T) {
	store := NewCallStore()
	call := storeTestCall()
	assert.NoError(t, store.Create(call))

	store.Remove(call.ID)
	assert.Equal(t, 0, store.Len())

	_, err := store.Get(call.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallNotFound))
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	store := NewCallStore()
	call := storeTestCall()
	assert.NoError(t, store.Create(call))

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := store.Mutate(call.ID, func(c *domain.Call) error {
				c.DurationSeconds++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(call.ID)
	assert.NoError(t, err)
	assert.Equal(t, workers, got.DurationSeconds)
}
