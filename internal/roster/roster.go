// Package roster is the session registry: the authoritative record of every
// connected user, keyed by connection id.
package roster

import "sync"

// User is the registry's record for one live connection.
//
// PeerID is the opaque negotiation-endpoint identifier reported by the
// client; the server stores and forwards it but never interprets it.
// MeetingID is maintained by the hub as the user joins and leaves meetings.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	PeerID    string `json:"peerId"`
	MeetingID string `json:"meetingId,omitempty"`
}

// PeerAssigned reports whether the user has an assigned peer endpoint.
func (u User) PeerAssigned() bool { return u.PeerID != "" }

// Registry owns all User records. All field mutation goes through Registry
// methods under the lock so HTTP handlers can take snapshots while the hub
// goroutine mutates.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User
	order []string // registration order, for stable roster payloads
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*User)}
}

// Add creates or overwrites the user for a connection id. Re-registering
// resets peer and meeting state: the record reflects the most recent
// register payload, nothing older.
func (r *Registry) Add(id, username string) User {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[id]; !exists {
		r.order = append(r.order, id)
	}
	u := &User{ID: id, Username: username}
	r.users[id] = u
	return *u
}

// SetPeer records the negotiation-endpoint identifier. It reports false when
// the connection has no registered user, which callers treat as a no-op.
func (r *Registry) SetPeer(id, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return false
	}
	u.PeerID = peerID
	return true
}

// SetMeeting records meeting membership for the user.
func (r *Registry) SetMeeting(id, meetingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return false
	}
	u.MeetingID = meetingID
	return true
}

// ClearMeeting removes meeting membership from the user.
func (r *Registry) ClearMeeting(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[id]; ok {
		u.MeetingID = ""
	}
}

// Get returns a copy of the user for a connection id.
func (r *Registry) Get(id string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// FindByUsername returns the first user with the given display name in
// registration order. Usernames are not unique; with duplicates the earliest
// still-connected registrant wins.
func (r *Registry) FindByUsername(username string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		if u, ok := r.users[id]; ok && u.Username == username {
			return *u, true
		}
	}
	return User{}, false
}

// Remove deletes the user. Meeting cleanup is the caller's responsibility
// and must happen before removal.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[id]; !ok {
		return
	}
	delete(r.users, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Users returns a snapshot of all registered users in registration order.
// The snapshot is what roster broadcasts carry: the full list, no diffs.
func (r *Registry) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, 0, len(r.users))
	for _, id := range r.order {
		if u, ok := r.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
