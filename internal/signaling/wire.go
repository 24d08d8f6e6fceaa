package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sbhjt-gr/whisperlang-render/internal/roster"
)

// EventType names a signaling event. The names are the wire protocol and
// match what deployed clients already send.
type EventType string

// Client-to-server events.
const (
	EventRegister  EventType = "register"
	EventSetPeerID EventType = "set-peer-id"

	EventCreateMeeting EventType = "create-meeting"
	EventJoinMeeting   EventType = "join-meeting"
	EventLeaveMeeting  EventType = "leave-meeting"

	// Relay events: forwarded verbatim to the rest of the sender's meeting.
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"

	// Legacy direct-call handshake, addressed by username instead of meeting.
	EventCall       EventType = "call"
	EventAcceptCall EventType = "accept-call"
	EventRejectCall EventType = "reject-call"
	EventEndCall    EventType = "end-call"
)

// Server-to-client events.
const (
	EventUsersChange EventType = "users-change"

	EventMeetingCreated EventType = "meeting-created"
	EventMeetingJoined  EventType = "meeting-joined"
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
	EventMeetingEnded   EventType = "meeting-ended"

	EventNotAvailable EventType = "not-available"
	EventAcceptedCall EventType = "accepted-call"
	EventRejectedCall EventType = "rejected-call"
	EventCallEnded    EventType = "call-ended"
)

// Error codes carried in reply payloads. All are recoverable and reported
// only to the sender.
const (
	ErrCodeNotRegistered   = "not-registered"
	ErrCodeMeetingNotFound = "meeting-not-found"
	ErrCodeMeetingEnded    = "meeting-ended"
	ErrCodeInternal        = "internal"
)

// Message is the wire envelope for every signaling frame, both directions.
//
// Payload is opaque to the server for relay events: session descriptions and
// ICE candidates pass through without inspection. Ack is a client-chosen id
// echoed on replies to request/response events (create-meeting,
// join-meeting) so a client can correlate a reply with its request.
type Message struct {
	Type EventType `json:"type"`
	Ack  uint64    `json:"ack,omitempty"`

	Username  string          `json:"username,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	MeetingID string          `json:"meetingId,omitempty"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// From identifies the originating user on relayed frames so the receiver
	// knows provenance. Server-to-client only.
	From *roster.User `json:"from,omitempty"`
}

// CreateReply is the payload of a meeting-created event.
type CreateReply struct {
	Success   bool   `json:"success"`
	MeetingID string `json:"meetingId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JoinReply is the payload of a meeting-joined event. Participants is the
// rest of the meeting, the joiner excluded.
type JoinReply struct {
	Success      bool          `json:"success"`
	MeetingID    string        `json:"meetingId,omitempty"`
	Participants []roster.User `json:"participants,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ParseMessage decodes and validates one inbound frame. The envelope is
// parsed strictly; the relay payload inside it is not inspected.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case EventRegister:
		if m.Username == "" {
			return fmt.Errorf("register without username")
		}
	case EventSetPeerID:
		if m.PeerID == "" {
			return fmt.Errorf("set-peer-id without peerId")
		}
	case EventCreateMeeting, EventLeaveMeeting:
		// No required fields; leave-meeting acts on the sender's own meeting.
	case EventJoinMeeting:
		if m.MeetingID == "" {
			return fmt.Errorf("join-meeting without meetingId")
		}
	case EventOffer, EventAnswer, EventICECandidate:
		if m.MeetingID == "" {
			return fmt.Errorf("%s without meetingId", m.Type)
		}
	case EventCall, EventAcceptCall, EventRejectCall, EventEndCall:
		if m.Target == "" {
			return fmt.Errorf("%s without target", m.Type)
		}
	default:
		return fmt.Errorf("unsupported event type %q", m.Type)
	}
	return nil
}

// IsRelay reports whether the event is forwarded verbatim to the sender's
// meeting.
func (t EventType) IsRelay() bool {
	return t == EventOffer || t == EventAnswer || t == EventICECandidate
}
