package domain

import "github.com/google/uuid"

// Signaling payloads are transient and never persisted. SDP and candidate
// contents are opaque at this layer; negotiation happens end-to-end between
// peers.

// Offer carries a session description offer to one peer
type Offer struct {
	CallID     uuid.UUID `json:"call_id"`
	FromUserID uuid.UUID `json:"from_user_id"`
	ToUserID   uuid.UUID `json:"to_user_id"`
	SDP        string    `json:"sdp"`
}

// Answer carries a session description answer to one peer
type Answer struct {
	CallID     uuid.UUID `json:"call_id"`
	FromUserID uuid.UUID `json:"from_user_id"`
	ToUserID   uuid.UUID `json:"to_user_id"`
	SDP        string    `json:"sdp"`
}

// IceCandidate carries a network-path candidate to one peer
type IceCandidate struct {
	CallID        uuid.UUID `json:"call_id"`
	FromUserID    uuid.UUID `json:"from_user_id"`
	ToUserID      uuid.UUID `json:"to_user_id"`
	Candidate     string    `json:"candidate"`
	SDPMid        string    `json:"sdp_mid,omitempty"`
	SDPMLineIndex int       `json:"sdp_mline_index"`
}

// MediaStateUpdate carries a participant's own media flag changes. Fields are
// tri-state so a client can toggle one flag without clobbering the others.
type MediaStateUpdate struct {
	IsMuted         *bool `json:"is_muted,omitempty"`
	IsVideoEnabled  *bool `json:"is_video_enabled,omitempty"`
	IsScreenSharing *bool `json:"is_screen_sharing,omitempty"`
}

// Empty reports whether the update changes nothing
func (u *MediaStateUpdate) Empty() bool {
	return u.IsMuted == nil && u.IsVideoEnabled == nil && u.IsScreenSharing == nil
}

// QualityStats carries client-reported connection quality samples. They are
// forwarded to the quality collaborator and never stored here.
type QualityStats struct {
	LatencyMS   float64 `json:"latency_ms"`
	PacketLoss  float64 `json:"packet_loss"`
	Jitter      float64 `json:"jitter"`
	BitrateKbps int     `json:"bitrate_kbps"`
}
