package signaling

import (
	"encoding/json"
	"testing"

	"github.com/openmeet/conference-signaling/internal/models"
	"github.com/openmeet/conference-signaling/internal/registry"
)

type unicast struct {
	connID string
	event  string
	data   any
}

type broadcast struct {
	roomID  string
	event   string
	data    any
	exclude string
}

// fakeSender records everything the router asks the connection layer to do.
type fakeSender struct {
	unicasts   []unicast
	broadcasts []broadcast
	joined     map[string]string // connID -> roomID
	left       map[string]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{joined: make(map[string]string), left: make(map[string]string)}
}

func (f *fakeSender) SendTo(connID, event string, data any) {
	f.unicasts = append(f.unicasts, unicast{connID, event, data})
}

func (f *fakeSender) Broadcast(roomID, event string, data any, excludeConnID string) {
	f.broadcasts = append(f.broadcasts, broadcast{roomID, event, data, excludeConnID})
}

func (f *fakeSender) JoinGroup(connID, roomID string)  { f.joined[connID] = roomID }
func (f *fakeSender) LeaveGroup(connID, roomID string) { f.left[connID] = roomID }

func newTestRouter() (*Router, *registry.Registry, *fakeSender) {
	reg := registry.New()
	conns := newFakeSender()
	return NewRouter(reg, conns), reg, conns
}

func join(t *testing.T, rt *Router, connID, roomID, userID string) {
	t.Helper()
	rt.Dispatch(connID, models.EventJoin, raw(t, map[string]string{"roomId": roomID, "userId": userID}))
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestJoinBroadcastsToOthersOnly(t *testing.T) {
	rt, _, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")

	if conns.joined["conn-2"] != "A" {
		t.Fatal("conn-2 should be subscribed to room A")
	}

	if len(conns.broadcasts) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(conns.broadcasts))
	}
	b := conns.broadcasts[1]
	if b.event != models.EventUserJoined || b.roomID != "A" {
		t.Fatalf("broadcast = %+v", b)
	}
	if b.exclude != "conn-2" {
		t.Fatalf("user_joined must exclude the joining connection, got exclude=%q", b.exclude)
	}
	ev, ok := b.data.(models.RoomEvent)
	if !ok || ev.RoomID != "A" || ev.UserID != "u2" {
		t.Fatalf("payload = %#v, want RoomEvent{A u2}", b.data)
	}
}

func TestJoinWithMissingFieldsIsDropped(t *testing.T) {
	rt, reg, conns := newTestRouter()

	rt.Dispatch("conn-1", models.EventJoin, raw(t, map[string]string{"roomId": "A"}))
	rt.Dispatch("conn-1", models.EventJoin, raw(t, map[string]string{"userId": "u1"}))
	rt.Dispatch("conn-1", models.EventJoin, json.RawMessage(`not json`))

	if len(conns.broadcasts) != 0 || len(conns.unicasts) != 0 {
		t.Fatal("invalid joins must produce no traffic")
	}
	if got := reg.Participants("A"); len(got) != 0 {
		t.Fatalf("registry should be untouched, Participants = %v", got)
	}
}

func TestRejoinNotifiesReplacedConnection(t *testing.T) {
	rt, reg, conns := newTestRouter()

	join(t, rt, "conn-old", "A", "u1")
	join(t, rt, "conn-new", "A", "u1")

	if conns.left["conn-old"] != "A" {
		t.Fatal("the replaced connection should be removed from the room group")
	}
	var notified bool
	for _, u := range conns.unicasts {
		if u.connID == "conn-old" && u.event == models.EventSessionReplaced {
			notified = true
		}
	}
	if !notified {
		t.Fatal("the replaced connection should receive session_replaced")
	}
	if connID, _ := reg.ConnectionID("A", "u1"); connID != "conn-new" {
		t.Fatalf("registry maps u1 to %q, want conn-new", connID)
	}
}

func TestOfferForwardsVerbatimToTarget(t *testing.T) {
	rt, _, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")

	payload := json.RawMessage(`{"userId":"u1","roomId":"A","targetUserId":"u2","sdp":{"type":"offer","sdp":"v=0"}}`)
	rt.Dispatch("conn-1", models.EventOffer, payload)

	var forwarded *unicast
	for i := range conns.unicasts {
		if conns.unicasts[i].event == models.EventOffer {
			forwarded = &conns.unicasts[i]
		}
	}
	if forwarded == nil {
		t.Fatal("offer was not forwarded")
	}
	if forwarded.connID != "conn-2" {
		t.Fatalf("offer went to %q, want conn-2", forwarded.connID)
	}
	got, ok := forwarded.data.(json.RawMessage)
	if !ok || string(got) != string(payload) {
		t.Fatalf("forwarded payload was rewritten: %s", got)
	}
}

func TestOfferToUnknownTargetIsDropped(t *testing.T) {
	rt, _, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	before := len(conns.unicasts)

	rt.Dispatch("conn-1", models.EventOffer,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "ghost", SDP: json.RawMessage(`{}`)}))

	if len(conns.unicasts) != before {
		t.Fatal("offer to a missing target must be dropped silently")
	}
}

func TestForwardEventsRequireProtocolField(t *testing.T) {
	rt, _, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")
	before := len(conns.unicasts)

	// sdp missing on an offer, candidate missing on an ice-candidate
	rt.Dispatch("conn-1", models.EventOffer,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "u2"}))
	rt.Dispatch("conn-1", models.EventICECandidate,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "u2", SDP: json.RawMessage(`{}`)}))

	if len(conns.unicasts) != before {
		t.Fatal("payloads missing their protocol field must be dropped")
	}

	rt.Dispatch("conn-1", models.EventICECandidate,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "u2", Candidate: json.RawMessage(`{"candidate":"c"}`)}))
	if len(conns.unicasts) != before+1 {
		t.Fatal("a complete ice-candidate should be forwarded")
	}
}

func TestAnswerAndScreenVariantsForward(t *testing.T) {
	rt, _, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")
	before := len(conns.unicasts)

	sdp := models.Signal{UserID: "u2", RoomID: "A", TargetUserID: "u1", SDP: json.RawMessage(`{}`)}
	cand := models.Signal{UserID: "u2", RoomID: "A", TargetUserID: "u1", Candidate: json.RawMessage(`{}`)}

	rt.Dispatch("conn-2", models.EventAnswer, raw(t, sdp))
	rt.Dispatch("conn-2", models.EventScreenAnswer, raw(t, sdp))
	rt.Dispatch("conn-2", models.EventScreenICECandidate, raw(t, cand))

	if len(conns.unicasts) != before+3 {
		t.Fatalf("unicasts = %d, want %d", len(conns.unicasts), before+3)
	}
	for _, u := range conns.unicasts[before:] {
		if u.connID != "conn-1" {
			t.Fatalf("%s went to %q, want conn-1", u.event, u.connID)
		}
	}
}

func TestScreenOfferStartsShare(t *testing.T) {
	rt, reg, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")

	rt.Dispatch("conn-1", models.EventScreenOffer,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "u2", SDP: json.RawMessage(`{}`)}))

	if sharer, ok := reg.ScreenSharer("A"); !ok || sharer != "u1" {
		t.Fatalf("ScreenSharer = %q, %v, want u1, true", sharer, ok)
	}

	last := conns.broadcasts[len(conns.broadcasts)-1]
	if last.event != models.EventScreenShareStarted || last.exclude != "" {
		t.Fatalf("screen_sharing_started must reach the whole room, got %+v", last)
	}
	ev := last.data.(models.RoomEvent)
	if ev.RoomID != "A" || ev.UserID != "u1" {
		t.Fatalf("payload = %+v", ev)
	}
}

func TestScreenOfferConflictRepliesToSenderOnly(t *testing.T) {
	rt, reg, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")
	join(t, rt, "conn-3", "A", "u3")

	rt.Dispatch("conn-1", models.EventScreenOffer,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "u2", SDP: json.RawMessage(`{}`)}))

	beforeBroadcasts := len(conns.broadcasts)
	rt.Dispatch("conn-3", models.EventScreenOffer,
		raw(t, models.Signal{UserID: "u3", RoomID: "A", TargetUserID: "u1", SDP: json.RawMessage(`{}`)}))

	last := conns.unicasts[len(conns.unicasts)-1]
	if last.connID != "conn-3" || last.event != models.EventScreenSharingError {
		t.Fatalf("expected screen_sharing_error to conn-3, got %+v", last)
	}
	if len(conns.broadcasts) != beforeBroadcasts {
		t.Fatal("a rejected screen offer must not broadcast anything")
	}
	if sharer, _ := reg.ScreenSharer("A"); sharer != "u1" {
		t.Fatalf("slot changed to %q, want u1", sharer)
	}
}

func TestScreenOfferReofferBySharerAllowed(t *testing.T) {
	rt, reg, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")

	offer := raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "u2", SDP: json.RawMessage(`{}`)})
	rt.Dispatch("conn-1", models.EventScreenOffer, offer)
	rt.Dispatch("conn-1", models.EventScreenOffer, offer)

	for _, u := range conns.unicasts {
		if u.event == models.EventScreenSharingError {
			t.Fatal("the active sharer's re-offer must not be rejected")
		}
	}
	if sharer, _ := reg.ScreenSharer("A"); sharer != "u1" {
		t.Fatalf("sharer = %q, want u1", sharer)
	}
}

func TestScreenOfferToUnknownTargetLeavesSlotFree(t *testing.T) {
	rt, reg, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	before := len(conns.broadcasts)

	rt.Dispatch("conn-1", models.EventScreenOffer,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "ghost", SDP: json.RawMessage(`{}`)}))

	if _, ok := reg.ScreenSharer("A"); ok {
		t.Fatal("slot must not be taken when the target is missing")
	}
	if len(conns.broadcasts) != before {
		t.Fatal("no broadcast without a successful forward")
	}
}

func TestScreenShareStoppedClearsSlotAndBroadcasts(t *testing.T) {
	rt, reg, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")
	rt.Dispatch("conn-1", models.EventScreenOffer,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "u2", SDP: json.RawMessage(`{}`)}))

	rt.Dispatch("conn-1", models.EventScreenShareStopped,
		raw(t, map[string]string{"roomId": "A", "userId": "u1"}))

	if _, ok := reg.ScreenSharer("A"); ok {
		t.Fatal("slot should be clear")
	}
	last := conns.broadcasts[len(conns.broadcasts)-1]
	if last.event != models.EventScreenShareStopped || last.exclude != "" {
		t.Fatalf("screen_share_stopped must reach the whole room, got %+v", last)
	}
}

func TestDisconnectBroadcastsUserLeft(t *testing.T) {
	rt, reg, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	join(t, rt, "conn-2", "A", "u2")
	rt.Dispatch("conn-1", models.EventScreenOffer,
		raw(t, models.Signal{UserID: "u1", RoomID: "A", TargetUserID: "u2", SDP: json.RawMessage(`{}`)}))

	rt.HandleDisconnect("conn-1")

	last := conns.broadcasts[len(conns.broadcasts)-1]
	if last.event != models.EventUserLeft || last.exclude != "" {
		t.Fatalf("user_left must reach all remaining members, got %+v", last)
	}
	ev := last.data.(models.RoomEvent)
	if ev.RoomID != "A" || ev.UserID != "u1" {
		t.Fatalf("payload = %+v", ev)
	}
	if _, ok := reg.ScreenSharer("A"); ok {
		t.Fatal("the sharer's disconnect must clear the slot")
	}

	// Second teardown for the same connection is a no-op.
	before := len(conns.broadcasts)
	rt.HandleDisconnect("conn-1")
	if len(conns.broadcasts) != before {
		t.Fatal("repeated disconnect must not broadcast again")
	}
}

func TestDisconnectOfLastParticipantIsQuiet(t *testing.T) {
	rt, _, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	before := len(conns.broadcasts)

	rt.HandleDisconnect("conn-1")

	if len(conns.broadcasts) != before {
		t.Fatal("emptying a room should not broadcast user_left")
	}
}

func TestDisconnectOfUnjoinedConnectionIsNoop(t *testing.T) {
	rt, _, conns := newTestRouter()

	rt.HandleDisconnect("never-joined")

	if len(conns.broadcasts) != 0 || len(conns.unicasts) != 0 {
		t.Fatal("unknown connection teardown must be silent")
	}
}

func TestUnknownEventIsDropped(t *testing.T) {
	rt, _, conns := newTestRouter()

	join(t, rt, "conn-1", "A", "u1")
	before := len(conns.unicasts)

	rt.Dispatch("conn-1", "definitely-not-an-event", raw(t, map[string]string{"roomId": "A"}))

	if len(conns.unicasts) != before || len(conns.broadcasts) != 1 {
		t.Fatal("unknown events must produce no traffic")
	}
}
