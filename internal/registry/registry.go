package registry

import "sync"

// session records which room and user a connection currently occupies.
type session struct {
	RoomID string
	UserID string
}

// Departure describes the result of removing a participant from a room
// that still has members left.
type Departure struct {
	RoomID    string
	UserID    string
	Remaining []string
}

// Registry tracks rooms, their participants, and the per-room screen
// sharer. It is a pure in-memory structure; all methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]map[string]string // roomID -> userID -> connID
	sessions map[string]session           // connID -> (roomID, userID)
	sharers  map[string]string            // roomID -> userID
}

func New() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]string),
		sessions: make(map[string]session),
		sharers:  make(map[string]string),
	}
}

// AddParticipant puts a user into a room under the given connection id,
// creating the room if needed. Re-joining overwrites the previous mapping.
// If the (room, user) seat was held by a different connection, that
// connection's session is dropped and its id returned so the caller can
// detach it.
func (r *Registry) AddParticipant(roomID, userID, connID string) (evicted string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		room = make(map[string]string)
		r.rooms[roomID] = room
	}

	if prev, held := room[userID]; held && prev != connID {
		delete(r.sessions, prev)
		evicted = prev
		ok = true
	}

	room[userID] = connID
	r.sessions[connID] = session{RoomID: roomID, UserID: userID}
	return evicted, ok
}

// RemoveParticipant removes the session for connID, if any. Unknown
// connection ids are a no-op, which makes repeated disconnect callbacks
// safe. When the departing user leaves a non-empty room behind, the
// departure with the remaining roster is returned; an emptied room is
// deleted outright along with its screen-share slot.
func (r *Registry) RemoveParticipant(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[connID]
	if !exists {
		return Departure{}, false
	}
	delete(r.sessions, connID)

	room, exists := r.rooms[sess.RoomID]
	if !exists {
		return Departure{}, false
	}

	delete(room, sess.UserID)

	if len(room) == 0 {
		delete(r.rooms, sess.RoomID)
		delete(r.sharers, sess.RoomID)
		return Departure{}, false
	}

	if r.sharers[sess.RoomID] == sess.UserID {
		delete(r.sharers, sess.RoomID)
	}

	remaining := make([]string, 0, len(room))
	for userID := range room {
		remaining = append(remaining, userID)
	}
	return Departure{RoomID: sess.RoomID, UserID: sess.UserID, Remaining: remaining}, true
}

// Participants returns the user ids currently in the room, empty for an
// unknown room. Order is not significant.
func (r *Registry) Participants(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	users := make([]string, 0, len(room))
	for userID := range room {
		users = append(users, userID)
	}
	return users
}

// ConnectionID resolves a (room, user) pair to its connection id.
func (r *Registry) ConnectionID(roomID, userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.rooms[roomID][userID]
	return connID, ok
}

// SetScreenSharer marks userID as the active screen sharer for the room,
// replacing any previous sharer.
func (r *Registry) SetScreenSharer(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sharers[roomID] = userID
}

// StopScreenSharing clears the room's screen-share slot if set.
func (r *Registry) StopScreenSharing(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sharers, roomID)
}

// ScreenSharer returns the active sharer for the room, if any.
func (r *Registry) ScreenSharer(roomID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.sharers[roomID]
	return userID, ok
}

// CanStartScreenSharing reports whether userID may start sharing in the
// room: either nobody is sharing, or userID already holds the slot and is
// re-offering.
func (r *Registry) CanStartScreenSharing(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sharer, active := r.sharers[roomID]
	return !active || sharer == userID
}
