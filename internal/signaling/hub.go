// Package signaling routes events between connected clients: the roster and
// meeting registries hold the state, the hub applies one transition per
// inbound event and fans the result out to the right recipients.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sbhjt-gr/whisperlang-render/internal/meeting"
	"github.com/sbhjt-gr/whisperlang-render/internal/metrics"
	"github.com/sbhjt-gr/whisperlang-render/internal/roster"
)

type inbound struct {
	client *Client
	msg    Message
}

// Hub owns all registry mutation. A single goroutine (Run) consumes the
// register/unregister/event channels and handles each event to completion
// before the next, so the per-event sequence of registry reads and writes is
// atomic without handler-level locking.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	users    *roster.Registry
	meetings *meeting.Registry

	register   chan *Client
	unregister chan *Client
	events     chan inbound

	// clients is only touched from the Run goroutine.
	clients map[string]*Client
}

func NewHub(log *slog.Logger, m *metrics.Metrics, users *roster.Registry, meetings *meeting.Registry) *Hub {
	return &Hub{
		log:        log,
		metrics:    m,
		users:      users,
		meetings:   meetings,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan inbound, 64),
		clients:    make(map[string]*Client),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c.id] = c
			h.metrics.Inc(metrics.ConnectionOpened)
			h.log.Debug("connection opened", "conn", c.id)
		case c := <-h.unregister:
			h.handleDisconnect(c)
		case in := <-h.events:
			h.route(in.client, in.msg)
		}
	}
}

func (h *Hub) route(c *Client, msg Message) {
	switch msg.Type {
	case EventRegister:
		h.handleRegister(c, msg)
	case EventSetPeerID:
		h.handleSetPeerID(c, msg)
	case EventCreateMeeting:
		h.handleCreateMeeting(c, msg)
	case EventJoinMeeting:
		h.handleJoinMeeting(c, msg)
	case EventLeaveMeeting:
		h.handleLeaveMeeting(c)
	case EventOffer, EventAnswer, EventICECandidate:
		h.handleRelay(c, msg)
	case EventCall:
		h.handleCall(c, msg)
	case EventAcceptCall:
		h.handleCallResponse(c, msg.Target, EventAcceptedCall)
	case EventRejectCall:
		h.handleCallResponse(c, msg.Target, EventRejectedCall)
	case EventEndCall:
		h.handleCallResponse(c, msg.Target, EventCallEnded)
	default:
		// ParseMessage rejects unknown types before they reach the hub; this
		// is belt and braces for events injected by other server code.
		h.metrics.Inc(metrics.DropReasonUnknownEvent)
		h.log.Debug("dropping unknown event", "type", msg.Type, "conn", c.id)
	}
}

func (h *Hub) handleRegister(c *Client, msg Message) {
	h.users.Add(c.id, msg.Username)
	h.metrics.Inc(metrics.UserRegistered)
	h.log.Info("user registered", "conn", c.id, "username", msg.Username)
	h.broadcastRoster()
}

func (h *Hub) handleSetPeerID(c *Client, msg Message) {
	if !h.users.SetPeer(c.id, msg.PeerID) {
		// Not registered yet; silently ignored.
		return
	}
	h.metrics.Inc(metrics.PeerIDSet)
	h.broadcastRoster()
}

func (h *Hub) handleCreateMeeting(c *Client, msg Message) {
	if _, ok := h.users.Get(c.id); !ok {
		h.replyCreate(c, msg.Ack, CreateReply{Success: false, Error: ErrCodeNotRegistered})
		return
	}

	// Creating while still in a meeting leaves it first, with the same
	// notifications an explicit leave-meeting would produce. A user is in at
	// most one meeting, and no participant list keeps a stale entry.
	h.leaveCurrentMeeting(c.id)

	m, err := h.meetings.Create(c.id)
	if err != nil {
		h.log.Error("create meeting failed", "conn", c.id, "err", err)
		h.replyCreate(c, msg.Ack, CreateReply{Success: false, Error: ErrCodeInternal})
		return
	}
	h.users.SetMeeting(c.id, m.ID)

	h.metrics.Inc(metrics.MeetingCreated)
	h.log.Info("meeting created", "meeting", m.ID, "host", c.id)
	h.replyCreate(c, msg.Ack, CreateReply{
		Success:   true,
		MeetingID: m.ID,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Hub) handleJoinMeeting(c *Client, msg Message) {
	joiner, ok := h.users.Get(c.id)
	if !ok {
		h.replyJoin(c, msg.Ack, JoinReply{Success: false, Error: ErrCodeNotRegistered})
		return
	}

	// A repeated join for the current meeting is answered idempotently; a
	// join for a different meeting leaves the current one first, with the
	// same notifications an explicit leave-meeting would produce.
	rejoin := joiner.MeetingID == msg.MeetingID
	if !rejoin && joiner.MeetingID != "" {
		h.leaveCurrentMeeting(c.id)
	}

	before, err := h.meetings.Join(msg.MeetingID, c.id)
	switch err {
	case nil:
	case meeting.ErrNotFound:
		h.replyJoin(c, msg.Ack, JoinReply{Success: false, Error: ErrCodeMeetingNotFound})
		return
	case meeting.ErrEnded:
		h.replyJoin(c, msg.Ack, JoinReply{Success: false, Error: ErrCodeMeetingEnded})
		return
	default:
		h.log.Error("join meeting failed", "conn", c.id, "meeting", msg.MeetingID, "err", err)
		h.replyJoin(c, msg.Ack, JoinReply{Success: false, Error: ErrCodeInternal})
		return
	}
	h.users.SetMeeting(c.id, msg.MeetingID)
	joiner.MeetingID = msg.MeetingID

	if !rejoin {
		h.metrics.Inc(metrics.MeetingJoined)
		h.log.Info("meeting joined", "meeting", msg.MeetingID, "conn", c.id)
	}

	// The caller gets the other participants; on a first join they in turn
	// get the joiner's record.
	h.replyJoin(c, msg.Ack, JoinReply{
		Success:      true,
		MeetingID:    msg.MeetingID,
		Participants: h.resolveUsers(before),
	})
	if !rejoin {
		h.sendToIDs(before, Message{
			Type:      EventUserJoined,
			MeetingID: msg.MeetingID,
			Payload:   mustJSON(joiner),
		})
	}
}

func (h *Hub) handleLeaveMeeting(c *Client) {
	h.leaveCurrentMeeting(c.id)
}

// leaveCurrentMeeting removes the user from whatever meeting they are in and
// notifies the remaining participants: user-left first, then meeting-ended
// when the departure terminated the meeting. No-op when the user is not in a
// meeting, which makes an explicit leave after the meeting already ended
// harmless.
func (h *Hub) leaveCurrentMeeting(userID string) {
	u, ok := h.users.Get(userID)
	if !ok || u.MeetingID == "" {
		return
	}

	meetingID := u.MeetingID
	res, ok := h.meetings.Leave(meetingID, userID)
	h.users.ClearMeeting(userID)
	if !ok || !res.Removed {
		return
	}

	h.metrics.Inc(metrics.MeetingLeft)
	u.MeetingID = ""
	h.sendToIDs(res.Remaining, Message{
		Type:      EventUserLeft,
		MeetingID: meetingID,
		Payload:   mustJSON(u),
	})

	if res.Ended {
		h.metrics.Inc(metrics.MeetingEnded)
		h.log.Info("meeting ended", "meeting", meetingID)
		h.sendToIDs(res.Remaining, Message{
			Type:      EventMeetingEnded,
			MeetingID: meetingID,
		})
	}
}

// handleRelay forwards offer/answer/ice-candidate frames verbatim to every
// other participant of the sender's meeting, with the sender's identity
// attached. The payload is never parsed.
func (h *Hub) handleRelay(c *Client, msg Message) {
	sender, ok := h.users.Get(c.id)
	if !ok || sender.MeetingID == "" || sender.MeetingID != msg.MeetingID {
		h.metrics.Inc(metrics.DropReasonNotInMeeting)
		h.log.Debug("dropping relay from outside meeting",
			"type", msg.Type, "conn", c.id, "meeting", msg.MeetingID)
		return
	}

	m, ok := h.meetings.Get(msg.MeetingID)
	if !ok {
		h.metrics.Inc(metrics.DropReasonNotInMeeting)
		return
	}

	out := Message{
		Type:      msg.Type,
		MeetingID: msg.MeetingID,
		Payload:   msg.Payload,
		From:      &sender,
	}
	for _, pid := range m.Participants {
		if pid == c.id {
			continue
		}
		h.sendTo(pid, out)
	}
	h.metrics.Inc(metrics.RelayForwarded)
}

func (h *Hub) handleCall(c *Client, msg Message) {
	caller, ok := h.users.Get(c.id)
	if !ok {
		h.send(c, Message{Type: EventNotAvailable, Target: msg.Target})
		h.metrics.Inc(metrics.CallNotAvailable)
		return
	}

	target, ok := h.users.FindByUsername(msg.Target)
	if !ok || !target.PeerAssigned() {
		h.send(c, Message{Type: EventNotAvailable, Target: msg.Target})
		h.metrics.Inc(metrics.CallNotAvailable)
		return
	}

	h.metrics.Inc(metrics.CallPlaced)
	h.log.Info("call placed", "from", caller.Username, "to", target.Username)
	h.sendTo(target.ID, Message{Type: EventCall, Payload: mustJSON(caller)})
}

// handleCallResponse forwards an accept/reject/end of a direct call back to
// the counterpart named by username. Both sides must resolve; otherwise the
// frame is dropped.
func (h *Hub) handleCallResponse(c *Client, counterpartName string, out EventType) {
	responder, ok := h.users.Get(c.id)
	if !ok {
		return
	}
	counterpart, ok := h.users.FindByUsername(counterpartName)
	if !ok {
		return
	}
	h.sendTo(counterpart.ID, Message{Type: out, Payload: mustJSON(responder)})
}

func (h *Hub) handleDisconnect(c *Client) {
	if current, ok := h.clients[c.id]; !ok || current != c {
		return
	}
	delete(h.clients, c.id)

	_, registered := h.users.Get(c.id)
	h.leaveCurrentMeeting(c.id)
	h.users.Remove(c.id)

	close(c.send)
	h.metrics.Inc(metrics.ConnectionClosed)
	h.log.Debug("connection closed", "conn", c.id)

	// A connection that never registered was never in the roster, so the
	// broadcast would repeat the previous payload verbatim.
	if registered {
		h.broadcastRoster()
	}
}

// broadcastRoster sends the full user list to every connection. Every
// registration-affecting change rebroadcasts the whole roster; no diffs.
func (h *Hub) broadcastRoster() {
	payload := mustJSON(h.users.Users())
	msg := Message{Type: EventUsersChange, Payload: payload}
	for _, c := range h.clients {
		h.send(c, msg)
	}
}

func (h *Hub) replyCreate(c *Client, ack uint64, reply CreateReply) {
	h.send(c, Message{Type: EventMeetingCreated, Ack: ack, Payload: mustJSON(reply)})
}

func (h *Hub) replyJoin(c *Client, ack uint64, reply JoinReply) {
	h.send(c, Message{Type: EventMeetingJoined, Ack: ack, Payload: mustJSON(reply)})
}

func (h *Hub) resolveUsers(ids []string) []roster.User {
	out := make([]roster.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := h.users.Get(id); ok {
			out = append(out, u)
		}
	}
	return out
}

func (h *Hub) sendToIDs(ids []string, msg Message) {
	for _, id := range ids {
		h.sendTo(id, msg)
	}
}

func (h *Hub) sendTo(id string, msg Message) {
	if c, ok := h.clients[id]; ok {
		h.send(c, msg)
	}
}

// send enqueues without blocking: a client whose send buffer is full has the
// frame dropped rather than stalling the hub.
func (h *Hub) send(c *Client, msg Message) {
	select {
	case c.send <- msg:
	default:
		h.metrics.Inc(metrics.DropReasonSlowClient)
		h.log.Warn("dropping frame for slow client", "conn", c.id, "type", msg.Type)
	}
}

// UserCount reports the number of registered users, for the status surface.
func (h *Hub) UserCount() int { return h.users.Len() }

// MeetingCount reports the number of known meetings, ended ones included.
func (h *Hub) MeetingCount() int { return h.meetings.Len() }

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable for unmarshalable types, which would be a bug here.
		panic(err)
	}
	return b
}
