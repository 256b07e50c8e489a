package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// CallType represents the media profile requested at initiation
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus represents the lifecycle state of a call
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
	CallStatusDeclined   CallStatus = "declined"
	CallStatusMissed     CallStatus = "missed"
	CallStatusFailed     CallStatus = "failed"
)

// ParticipantRole represents a participant's role within a call
type ParticipantRole string

const (
	RoleHost        ParticipantRole = "host"
	RoleModerator   ParticipantRole = "moderator"
	RoleParticipant ParticipantRole = "participant"
)

// ParticipantStatus represents a participant's connection state within a call
type ParticipantStatus string

const (
	ParticipantInvited      ParticipantStatus = "invited"
	ParticipantJoining      ParticipantStatus = "joining"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
	ParticipantLeft         ParticipantStatus = "left"
)

// Call represents an active voice/video call session
type Call struct {
	ID              uuid.UUID          `json:"call_id"`
	CallerID        uuid.UUID          `json:"caller_id"`
	ConversationID  *uuid.UUID         `json:"conversation_id,omitempty"`
	RoomID          string             `json:"room_id,omitempty"`
	Type            CallType           `json:"call_type"`
	Status          CallStatus         `json:"status"`
	Participants    []*CallParticipant `json:"participants"`
	MaxParticipants int                `json:"max_participants"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
	DurationSeconds int                `json:"duration_seconds,omitempty"`
}

// CallParticipant represents a user's membership within a specific call
type CallParticipant struct {
	CallID          uuid.UUID         `json:"call_id"`
	UserID          uuid.UUID         `json:"user_id"`
	Username        string            `json:"username,omitempty"`
	DisplayName     string            `json:"display_name,omitempty"`
	Role            ParticipantRole   `json:"role"`
	Status          ParticipantStatus `json:"status"`
	ConnectionID    string            `json:"connection_id,omitempty"`
	IsMuted         bool              `json:"is_muted"`
	IsVideoEnabled  bool              `json:"is_video_enabled"`
	IsScreenSharing bool              `json:"is_screen_sharing"`
	InvitedAt       time.Time         `json:"invited_at"`
	JoinedAt        *time.Time        `json:"joined_at,omitempty"`
	DisconnectedAt  *time.Time        `json:"disconnected_at,omitempty"`
	LeftAt          *time.Time        `json:"left_at,omitempty"`
}

// Participant returns the participant record for the given user, or nil
func (c *Call) Participant(userID uuid.UUID) *CallParticipant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// ConnectedCount returns the number of participants currently connected
func (c *Call) ConnectedCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.Status == ParticipantConnected {
			n++
		}
	}
	return n
}

// HasPendingInvites reports whether any participant may still connect for the
// first time (invited or mid-join)
func (c *Call) HasPendingInvites() bool {
	for _, p := range c.Participants {
		if p.Status == ParticipantInvited || p.Status == ParticipantJoining {
			return true
		}
	}
	return false
}

func (c *Call) hasDisconnected() bool {
	for _, p := range c.Participants {
		if p.Status == ParticipantDisconnected {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the call has reached a final state
func (c *Call) IsTerminal() bool {
	switch c.Status {
	case CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed:
		return true
	}
	return false
}

// IsOneToOne reports whether the call has exactly two participants
func (c *Call) IsOneToOne() bool {
	return len(c.Participants) == 2
}

// Clone returns a deep copy of the call. Store reads hand out clones so callers
// can never mutate shared state outside the store's serialized mutation path.
func (c *Call) Clone() *Call {
	cp := *c
	if c.ConversationID != nil {
		id := *c.ConversationID
		cp.ConversationID = &id
	}
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.EndedAt = cloneTime(c.EndedAt)
	cp.Participants = make([]*CallParticipant, len(c.Participants))
	for i, p := range c.Participants {
		pc := *p
		pc.JoinedAt = cloneTime(p.JoinedAt)
		pc.DisconnectedAt = cloneTime(p.DisconnectedAt)
		pc.LeftAt = cloneTime(p.LeftAt)
		cp.Participants[i] = &pc
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewRoomID generates a short correlation key for external messaging threads
func NewRoomID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "room_" + hex.EncodeToString(b)
}
