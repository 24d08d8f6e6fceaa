package metrics

import "sync"

// Counter names used across the signaling server. Names are intentionally
// simple; the Prometheus handler exposes them as values of an `event` label.
const (
	ConnectionOpened = "connection_opened"
	ConnectionClosed = "connection_closed"

	UserRegistered = "user_registered"
	PeerIDSet      = "peer_id_set"

	MeetingCreated = "meeting_created"
	MeetingJoined  = "meeting_joined"
	MeetingLeft    = "meeting_left"
	MeetingEnded   = "meeting_ended"

	RelayForwarded = "relay_forwarded"

	CallPlaced       = "call_placed"
	CallNotAvailable = "call_not_available"

	DropReasonBadFrame     = "drop_bad_frame"
	DropReasonUnknownEvent = "drop_unknown_event"
	DropReasonNotInMeeting = "drop_not_in_meeting"
	DropReasonSlowClient   = "drop_slow_client"
	DropReasonRateLimited  = "drop_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry. The hub and the
// transport layer record events here; the HTTP server exposes the counters
// in Prometheus' text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe on a nil receiver so call sites don't have to guard against an
// unconfigured registry.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies all counters, for exposition.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
