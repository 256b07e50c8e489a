package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when a state change is not legal
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTerminalCall is returned when mutating a call in a final state
	ErrTerminalCall = errors.New("call is in a terminal state")
	// ErrParticipantNotFound is returned when a user has no record in the call
	ErrParticipantNotFound = errors.New("participant not found")
)

// ReevaluatePolicy controls call-level re-evaluation after participant changes
type ReevaluatePolicy struct {
	// SingleConnectedGrace keeps an active call alive with one connected
	// participant (e.g. waiting out a peer's reconnect). When false, an
	// active call needs two connected participants to survive.
	SingleConnectedGrace bool
}

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusInitiated:  {CallStatusRinging, CallStatusDeclined, CallStatusMissed, CallStatusFailed, CallStatusActive, CallStatusEnded},
	CallStatusRinging:    {CallStatusConnecting, CallStatusDeclined, CallStatusMissed, CallStatusFailed, CallStatusActive, CallStatusEnded},
	CallStatusConnecting: {CallStatusActive, CallStatusFailed, CallStatusEnded},
	CallStatusActive:     {CallStatusEnded, CallStatusFailed},
}

var participantTransitions = map[ParticipantStatus][]ParticipantStatus{
	ParticipantInvited:      {ParticipantJoining, ParticipantConnected, ParticipantLeft},
	ParticipantJoining:      {ParticipantConnected, ParticipantDisconnected, ParticipantLeft},
	ParticipantConnected:    {ParticipantDisconnected, ParticipantLeft},
	ParticipantDisconnected: {ParticipantConnected, ParticipantLeft},
}

// CanTransition reports whether a call may move from s to the target state
func (s CallStatus) CanTransition(to CallStatus) bool {
	for _, next := range callTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a participant may move from s to the target state
func (s ParticipantStatus) CanTransition(to ParticipantStatus) bool {
	for _, next := range participantTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionCall applies a call-level state change, stamping lifecycle
// timestamps. Re-applying the current status is an idempotent no-op so retried
// requests never fail or double-stamp.
func TransitionCall(call *Call, to CallStatus, now time.Time) error {
	if call.Status == to {
		return nil
	}
	if call.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalCall, call.Status)
	}
	if !call.Status.CanTransition(to) {
		return fmt.Errorf("%w: call %s -> %s", ErrInvalidTransition, call.Status, to)
	}

	call.Status = to
	switch to {
	case CallStatusActive:
		if call.StartedAt == nil {
			t := now
			call.StartedAt = &t
		}
	case CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed:
		t := now
		call.EndedAt = &t
		if call.StartedAt != nil {
			call.DurationSeconds = int(now.Sub(*call.StartedAt).Seconds())
		}
	}
	return nil
}

// TransitionParticipant applies a participant-level state change. Like call
// transitions it is idempotent for the current status. JoinedAt is stamped on
// the first connect only, so a reconnect keeps the original join time.
func TransitionParticipant(p *CallParticipant, to ParticipantStatus, now time.Time) error {
	if p.Status == to {
		return nil
	}
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("%w: participant %s -> %s", ErrInvalidTransition, p.Status, to)
	}

	p.Status = to
	switch to {
	case ParticipantConnected:
		if p.JoinedAt == nil {
			t := now
			p.JoinedAt = &t
		}
		p.DisconnectedAt = nil
	case ParticipantDisconnected:
		t := now
		p.DisconnectedAt = &t
	case ParticipantLeft:
		t := now
		p.LeftAt = &t
	}
	return nil
}

// Reevaluate applies the call-level rules after a participant change:
// a pre-active call with two connected participants becomes active, and a call
// whose connected count drops below the policy floor with nobody left to join
// ends. Returns whether the call status changed.
func Reevaluate(call *Call, policy ReevaluatePolicy, now time.Time) (bool, error) {
	if call.IsTerminal() {
		return false, nil
	}

	connected := call.ConnectedCount()

	switch call.Status {
	case CallStatusInitiated, CallStatusRinging, CallStatusConnecting:
		if connected >= 2 {
			if err := TransitionCall(call, CallStatusActive, now); err != nil {
				return false, err
			}
			return true, nil
		}
		// Everyone else declined or left before the call ever connected,
		// so it can no longer reach two connected participants.
		if connected < 2 && !call.HasPendingInvites() {
			if err := TransitionCall(call, CallStatusEnded, now); err != nil {
				return false, err
			}
			return true, nil
		}
	case CallStatusActive:
		// The single-connected grace only applies while a disconnected
		// participant might still reconnect. Once everyone else has left
		// for good, one connected participant cannot hold the call open.
		floor := 2
		if policy.SingleConnectedGrace && call.hasDisconnected() {
			floor = 1
		}
		if connected < floor && !call.HasPendingInvites() {
			if err := TransitionCall(call, CallStatusEnded, now); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}
