// Package meeting is the registry of ad-hoc meetings: short-code rooms with
// one host and an ordered participant list.
//
// The registry stores connection ids, not user records. The session registry
// owns users; callers resolve ids to users when building payloads, keeping a
// single authority for user state.
package meeting

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a meeting id is unknown.
	ErrNotFound = errors.New("meeting not found")

	// ErrEnded is returned when joining a meeting that has already ended.
	// Ended meetings never reactivate.
	ErrEnded = errors.New("meeting has ended")
)

// Meeting is one ad-hoc room. A meeting is a write-once-terminated entity:
// Active flips to false exactly once and never back.
type Meeting struct {
	ID           string
	HostID       string
	Participants []string // connection ids in join order
	CreatedAt    time.Time
	Active       bool
}

// Info is the externally visible summary served by the meeting lookup
// endpoint.
type Info struct {
	ID               string    `json:"id"`
	Active           bool      `json:"active"`
	ParticipantCount int       `json:"participantCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// LeaveResult describes what a Leave call did, in notification order:
// removal first, then (possibly) the meeting ending.
type LeaveResult struct {
	Removed   bool
	Ended     bool
	Remaining []string // participant ids still in the meeting
}

// Registry owns all meetings. Ended meetings are retained so lookups keep
// reporting active=false for the process lifetime; nothing expires.
type Registry struct {
	mu       sync.RWMutex
	meetings map[string]*Meeting
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		meetings: make(map[string]*Meeting),
		now:      time.Now,
	}
}

// Create makes a new active meeting hosted by hostID, with a generated code
// that is unique among all meetings the registry has ever seen.
func (r *Registry) Create(hostID string) (Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := newCode(func(c string) bool {
		_, exists := r.meetings[c]
		return exists
	})
	if err != nil {
		return Meeting{}, err
	}

	m := &Meeting{
		ID:           code,
		HostID:       hostID,
		Participants: []string{hostID},
		CreatedAt:    r.now(),
		Active:       true,
	}
	r.meetings[code] = m
	return m.snapshot(), nil
}

// Join appends userID to the meeting and returns the other participant ids
// (the joiner excluded). Joining a meeting the user is already in is
// idempotent: the participant list holds each user exactly once. On any
// failure nothing is mutated.
func (r *Registry) Join(id, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.meetings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.Active {
		return nil, ErrEnded
	}

	others := make([]string, 0, len(m.Participants))
	already := false
	for _, pid := range m.Participants {
		if pid == userID {
			already = true
			continue
		}
		others = append(others, pid)
	}
	if !already {
		m.Participants = append(m.Participants, userID)
	}
	return others, nil
}

// Leave removes userID from the meeting. The meeting ends when the leaver
// was the host or the participant list emptied. Leave is idempotent: an
// unknown meeting, or a user no longer in the list, is a no-op reported via
// the second return value.
func (r *Registry) Leave(id, userID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.meetings[id]
	if !ok {
		return LeaveResult{}, false
	}

	idx := -1
	for i, pid := range m.Participants {
		if pid == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return LeaveResult{}, false
	}

	m.Participants = append(m.Participants[:idx], m.Participants[idx+1:]...)

	res := LeaveResult{
		Removed:   true,
		Remaining: append([]string(nil), m.Participants...),
	}
	if m.Active && (userID == m.HostID || len(m.Participants) == 0) {
		m.Active = false
		res.Ended = true
	}
	return res, true
}

// Info returns the lookup summary for a meeting id.
func (r *Registry) Info(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.meetings[id]
	if !ok {
		return Info{}, false
	}
	return Info{
		ID:               m.ID,
		Active:           m.Active,
		ParticipantCount: len(m.Participants),
		CreatedAt:        m.CreatedAt,
	}, true
}

// Get returns a copy of the meeting.
func (r *Registry) Get(id string) (Meeting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.meetings[id]
	if !ok {
		return Meeting{}, false
	}
	return m.snapshot(), true
}

// Len counts all meetings, ended ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meetings)
}

// ActiveLen counts meetings that have not ended.
func (r *Registry) ActiveLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, m := range r.meetings {
		if m.Active {
			n++
		}
	}
	return n
}

func (m *Meeting) snapshot() Meeting {
	cp := *m
	cp.Participants = append([]string(nil), m.Participants...)
	return cp
}
