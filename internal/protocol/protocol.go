// Package protocol defines the WebSocket wire format exchanged with signaling
// clients. Server events are also built by the call and signaling services, so
// the envelope lives outside the transport handler.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"callbridge-backend/internal/domain"
)

// Client message types
const (
	ClientJoin         = "join"
	ClientLeave        = "leave"
	ClientOffer        = "offer"
	ClientAnswer       = "answer"
	ClientIceCandidate = "ice_candidate"
	ClientMediaState   = "media_state"
	ClientQuality      = "quality"
)

// Server event types
const (
	ServerIncomingCall            = "incoming_call"
	ServerParticipantJoined       = "participant_joined"
	ServerParticipantLeft         = "participant_left"
	ServerParticipantDisconnected = "participant_disconnected"
	ServerMediaStateChanged       = "media_state_changed"
	ServerReceiveOffer            = "receive_offer"
	ServerReceiveAnswer           = "receive_answer"
	ServerReceiveIceCandidate     = "receive_ice_candidate"
	ServerCallEnded               = "call_ended"
	ServerCallDeclined            = "call_declined"
	ServerCallMissed              = "call_missed"
	ServerCallFailed              = "call_failed"
	ServerError                   = "error"
)

// ClientMessage is the envelope clients send over the signaling socket.
// Fields beyond Type are populated per message type; sender identity is never
// read from the payload.
type ClientMessage struct {
	Type          string                   `json:"type"`
	CallID        uuid.UUID                `json:"call_id,omitempty"`
	ToUserID      uuid.UUID                `json:"to_user_id,omitempty"`
	SDP           string                   `json:"sdp,omitempty"`
	Candidate     string                   `json:"candidate,omitempty"`
	SDPMid        string                   `json:"sdp_mid,omitempty"`
	SDPMLineIndex int                      `json:"sdp_mline_index,omitempty"`
	Media         *domain.MediaStateUpdate `json:"media,omitempty"`
	Stats         *domain.QualityStats     `json:"stats,omitempty"`
}

// ServerEvent is the envelope pushed to clients
type ServerEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ParticipantEvent notifies the call channel about a membership change
type ParticipantEvent struct {
	CallID    uuid.UUID `json:"call_id"`
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MediaStateEvent notifies the call channel about a participant's new flags
type MediaStateEvent struct {
	CallID          uuid.UUID `json:"call_id"`
	UserID          uuid.UUID `json:"user_id"`
	IsMuted         bool      `json:"is_muted"`
	IsVideoEnabled  bool      `json:"is_video_enabled"`
	IsScreenSharing bool      `json:"is_screen_sharing"`
	Timestamp       time.Time `json:"timestamp"`
}

// IncomingCallEvent is pushed to each invitee's personal channel at initiation
type IncomingCallEvent struct {
	CallID         uuid.UUID       `json:"call_id"`
	CallerID       uuid.UUID       `json:"caller_id"`
	CallType       domain.CallType `json:"call_type"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// CallTerminalEvent is pushed to the call channel when a call reaches a final
// state
type CallTerminalEvent struct {
	CallID          uuid.UUID         `json:"call_id"`
	Status          domain.CallStatus `json:"status"`
	EndedAt         time.Time         `json:"ended_at"`
	DurationSeconds int               `json:"duration_seconds"`
}

// ErrorEvent is returned only to the caller of a rejected operation
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Marshal encodes a server event. Marshal failures cannot happen for the
// payload types above, so the error is collapsed to an empty payload.
func Marshal(eventType string, payload any) []byte {
	data, err := json.Marshal(ServerEvent{Type: eventType, Payload: payload})
	if err != nil {
		data, _ = json.Marshal(ServerEvent{Type: eventType})
	}
	return data
}
