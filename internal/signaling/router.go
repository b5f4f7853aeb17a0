package signaling

import (
	"encoding/json"
	"log"

	"github.com/openmeet/conference-signaling/internal/models"
	"github.com/openmeet/conference-signaling/internal/registry"
)

// Sender is the connection layer the Router routes through. Sends are
// fire-and-forget; delivery failures belong to the connection layer.
type Sender interface {
	// SendTo delivers an event to a single connection.
	SendTo(connID, event string, data any)
	// Broadcast delivers an event to every connection in the room's
	// group, skipping excludeConnID when non-empty.
	Broadcast(roomID, event string, data any, excludeConnID string)
	// JoinGroup subscribes a connection to a room's broadcasts.
	JoinGroup(connID, roomID string)
	// LeaveGroup unsubscribes a connection from a room's broadcasts.
	LeaveGroup(connID, roomID string)
}

// payloadKind selects which protocol field a signaling payload must carry
// besides the routing identifiers.
type payloadKind int

const (
	withSDP payloadKind = iota
	withCandidate
)

// Router validates inbound signaling events, applies them to the
// Registry, and routes the resulting messages. One Router serves all
// connections; the Registry provides the necessary mutual exclusion.
type Router struct {
	reg   *registry.Registry
	conns Sender
}

func NewRouter(reg *registry.Registry, conns Sender) *Router {
	return &Router{reg: reg, conns: conns}
}

// Dispatch routes one inbound event by name. Unknown events and malformed
// payloads are dropped with a diagnostic; nothing here is fatal.
func (rt *Router) Dispatch(connID, event string, data json.RawMessage) {
	switch event {
	case models.EventJoin:
		rt.handleJoin(connID, data)
	case models.EventOffer:
		rt.forward(models.EventOffer, data, withSDP)
	case models.EventAnswer:
		rt.forward(models.EventAnswer, data, withSDP)
	case models.EventICECandidate:
		rt.forward(models.EventICECandidate, data, withCandidate)
	case models.EventScreenOffer:
		rt.handleScreenOffer(connID, data)
	case models.EventScreenAnswer:
		rt.forward(models.EventScreenAnswer, data, withSDP)
	case models.EventScreenICECandidate:
		rt.forward(models.EventScreenICECandidate, data, withCandidate)
	case models.EventScreenShareStopped:
		rt.handleScreenShareStopped(data)
	default:
		log.Printf("Dropping unknown event %q from connection %s", event, connID)
	}
}

// HandleDisconnect runs the cleanup for a closed connection. The
// connection layer calls it from its teardown path; calling it again for
// the same id is a no-op.
func (rt *Router) HandleDisconnect(connID string) {
	dep, ok := rt.reg.RemoveParticipant(connID)
	if !ok {
		return
	}
	log.Printf("User %s left room %s", dep.UserID, dep.RoomID)
	rt.conns.Broadcast(dep.RoomID, models.EventUserLeft,
		models.RoomEvent{RoomID: dep.RoomID, UserID: dep.UserID}, "")
}

func (rt *Router) handleJoin(connID string, data json.RawMessage) {
	var p models.RoomEvent
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.UserID == "" {
		log.Printf("Dropping invalid join payload from connection %s", connID)
		return
	}

	evicted, replaced := rt.reg.AddParticipant(p.RoomID, p.UserID, connID)
	if replaced {
		// The same user re-joined on a new connection; detach the old one.
		log.Printf("User %s re-joined room %s, replacing connection %s", p.UserID, p.RoomID, evicted)
		rt.conns.LeaveGroup(evicted, p.RoomID)
		rt.conns.SendTo(evicted, models.EventSessionReplaced, p)
	}

	rt.conns.JoinGroup(connID, p.RoomID)
	log.Printf("User %s joined room %s", p.UserID, p.RoomID)
	rt.conns.Broadcast(p.RoomID, models.EventUserJoined,
		models.RoomEvent{RoomID: p.RoomID, UserID: p.UserID}, connID)
}

func (rt *Router) handleScreenOffer(connID string, data json.RawMessage) {
	sig, ok := decodeSignal(models.EventScreenOffer, data, withSDP)
	if !ok {
		return
	}

	if !rt.reg.CanStartScreenSharing(sig.RoomID, sig.UserID) {
		rt.conns.SendTo(connID, models.EventScreenSharingError,
			models.SignalingError{Message: "Another user is already sharing their screen"})
		return
	}

	target, found := rt.reg.ConnectionID(sig.RoomID, sig.TargetUserID)
	if !found {
		log.Printf("Target user %s not found in room %s for %s", sig.TargetUserID, sig.RoomID, models.EventScreenOffer)
		return
	}

	rt.conns.SendTo(target, models.EventScreenOffer, data)
	rt.reg.SetScreenSharer(sig.RoomID, sig.UserID)
	rt.conns.Broadcast(sig.RoomID, models.EventScreenShareStarted,
		models.RoomEvent{RoomID: sig.RoomID, UserID: sig.UserID}, "")
}

func (rt *Router) handleScreenShareStopped(data json.RawMessage) {
	var p models.RoomEvent
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.UserID == "" {
		log.Printf("Dropping invalid %s payload", models.EventScreenShareStopped)
		return
	}

	rt.reg.StopScreenSharing(p.RoomID)
	rt.conns.Broadcast(p.RoomID, models.EventScreenShareStopped,
		models.RoomEvent{RoomID: p.RoomID, UserID: p.UserID}, "")
}

// forward relays a peer-to-peer signaling payload, untouched, to the
// target user's connection. A missing target means the payload is
// dropped; the peer recovers by re-offering.
func (rt *Router) forward(event string, data json.RawMessage, kind payloadKind) {
	sig, ok := decodeSignal(event, data, kind)
	if !ok {
		return
	}

	target, found := rt.reg.ConnectionID(sig.RoomID, sig.TargetUserID)
	if !found {
		log.Printf("Target user %s not found in room %s for %s", sig.TargetUserID, sig.RoomID, event)
		return
	}
	rt.conns.SendTo(target, event, data)
}

// decodeSignal parses and validates a signaling payload. All routing
// identifiers must be present, plus the protocol field the event calls
// for.
func decodeSignal(event string, data json.RawMessage, kind payloadKind) (models.Signal, bool) {
	var sig models.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Printf("Dropping unparseable %s payload: %v", event, err)
		return models.Signal{}, false
	}

	missing := sig.UserID == "" || sig.RoomID == "" || sig.TargetUserID == ""
	switch kind {
	case withSDP:
		missing = missing || len(sig.SDP) == 0
	case withCandidate:
		missing = missing || len(sig.Candidate) == 0
	}
	if missing {
		log.Printf("Dropping %s payload with missing fields", event)
		return models.Signal{}, false
	}
	return sig, true
}
