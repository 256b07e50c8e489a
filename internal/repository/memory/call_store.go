package memory

import (
	"sync"

	"github.com/google/uuid"

	"callbridge-backend/internal/domain"
	apperrors "callbridge-backend/pkg/errors"
)

// CallStore holds the active call aggregates in process memory. Every mutation
// to a single call is serialized behind that call's own mutex, so the relay,
// the presence handler, and lifecycle callbacks can race safely while calls
// never block each other. Reads hand out deep clones.
type CallStore struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*callEntry
}

type callEntry struct {
	mu   sync.Mutex
	call *domain.Call
}

// NewCallStore creates an empty call store
func NewCallStore() *CallStore {
	return &CallStore{
		calls: make(map[uuid.UUID]*callEntry),
	}
}

// Create registers a new call. Fails if the ID is already present.
func (s *CallStore) Create(call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[call.ID]; exists {
		return apperrors.InvalidStateError("Call already exists")
	}
	s.calls[call.ID] = &callEntry{call: call.Clone()}
	return nil
}

// Get returns a clone of the call or CALL_NOT_FOUND
func (s *CallStore) Get(callID uuid.UUID) (*domain.Call, error) {
	entry, err := s.entry(callID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.call.Clone(), nil
}

// Mutate applies fn to the call under its per-call lock and returns a clone of
// the result. If fn returns an error the mutation is discarded.
func (s *CallStore) Mutate(callID uuid.UUID, fn func(*domain.Call) error) (*domain.Call, error) {
	entry, err := s.entry(callID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// fn runs against a scratch clone so a failed mutation leaves the
	// stored aggregate untouched.
	scratch := entry.call.Clone()
	if err := fn(scratch); err != nil {
		return nil, err
	}
	entry.call = scratch
	return scratch.Clone(), nil
}

// ListActive returns clones of every non-terminal call
func (s *CallStore) ListActive() []*domain.Call {
	s.mu.RLock()
	entries := make([]*callEntry, 0, len(s.calls))
	for _, e := range s.calls {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	calls := make([]*domain.Call, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.call.IsTerminal() {
			calls = append(calls, e.call.Clone())
		}
		e.mu.Unlock()
	}
	return calls
}

// ListActiveForUser returns clones of every non-terminal call the user is a
// participant of
func (s *CallStore) ListActiveForUser(userID uuid.UUID) []*domain.Call {
	var calls []*domain.Call
	for _, call := range s.ListActive() {
		if call.Participant(userID) != nil {
			calls = append(calls, call)
		}
	}
	return calls
}

// Remove evicts a call from the store. Callers are responsible for publishing
// terminal events and persisting snapshots before eviction.
func (s *CallStore) Remove(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callID)
}

// Len returns the number of calls currently held
func (s *CallStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}

func (s *CallStore) entry(callID uuid.UUID) (*callEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return entry, nil
}
