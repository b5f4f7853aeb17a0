package models

import "encoding/json"

// Signaling event names. Inbound names come from clients; outbound names
// are notifications emitted by the server. Values are part of the client
// protocol and must not change.
const (
	EventJoin               = "join"
	EventOffer              = "offer"
	EventAnswer             = "answer"
	EventICECandidate       = "ice-candidate"
	EventScreenOffer        = "screen_offer"
	EventScreenAnswer       = "screen_answer"
	EventScreenICECandidate = "screen_ice_candidate"
	EventScreenShareStopped = "screen_share_stopped"

	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventScreenShareStarted = "screen_sharing_started"
	EventScreenSharingError = "screen_sharing_error"
	EventSessionReplaced    = "session_replaced"
)

// Envelope is the wire frame for every signaling message in both
// directions: a named event plus its payload, left raw so forwarded
// payloads pass through byte-for-byte.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Signal carries the routing fields common to the peer-to-peer signaling
// payloads. SDP and Candidate stay opaque; the server only routes by the
// identifier fields.
type Signal struct {
	UserID       string          `json:"userId"`
	RoomID       string          `json:"roomId"`
	TargetUserID string          `json:"targetUserId"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// RoomEvent is the payload of membership and screen-share notifications.
type RoomEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// SignalingError is sent to a single client when its request is rejected.
type SignalingError struct {
	Message string `json:"message"`
}
