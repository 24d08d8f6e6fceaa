package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sbhjt-gr/whisperlang-render/internal/meeting"
	"github.com/sbhjt-gr/whisperlang-render/internal/metrics"
	"github.com/sbhjt-gr/whisperlang-render/internal/roster"
)

func newTestHub(t *testing.T) (*Hub, *metrics.Metrics) {
	t.Helper()

	m := metrics.New()
	h := NewHub(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		m,
		roster.NewRegistry(),
		meeting.NewRegistry(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h, m
}

// connect registers a fake client with the hub: channels only, no websocket.
// The hub never touches the connection itself, so hub logic is fully
// exercisable this way.
func connect(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := &Client{
		id:   uuid.NewString(),
		hub:  h,
		send: make(chan Message, sendBufferSize),
	}
	h.register <- c
	return c
}

func send(h *Hub, c *Client, msg Message) {
	h.events <- inbound{client: c, msg: msg}
}

func recv(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case m, ok := <-c.send:
		if !ok {
			t.Fatalf("send channel closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a message")
	}
	return Message{}
}

func expect(t *testing.T, c *Client, typ EventType) Message {
	t.Helper()
	m := recv(t, c)
	if m.Type != typ {
		t.Fatalf("got event %q, want %q (message %+v)", m.Type, typ, m)
	}
	return m
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case m := <-c.send:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func rosterUsers(t *testing.T, m Message) []roster.User {
	t.Helper()
	var users []roster.User
	if err := json.Unmarshal(m.Payload, &users); err != nil {
		t.Fatalf("unmarshal roster payload: %v", err)
	}
	return users
}

func payloadUser(t *testing.T, m Message) roster.User {
	t.Helper()
	var u roster.User
	if err := json.Unmarshal(m.Payload, &u); err != nil {
		t.Fatalf("unmarshal user payload: %v", err)
	}
	return u
}

func createMeeting(t *testing.T, h *Hub, c *Client) string {
	t.Helper()
	send(h, c, Message{Type: EventCreateMeeting})
	reply := expect(t, c, EventMeetingCreated)
	var cr CreateReply
	if err := json.Unmarshal(reply.Payload, &cr); err != nil {
		t.Fatalf("unmarshal create reply: %v", err)
	}
	if !cr.Success || cr.MeetingID == "" {
		t.Fatalf("create reply = %+v", cr)
	}
	return cr.MeetingID
}

func TestRegisterBroadcastsFullRoster(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)
	b := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	for _, c := range []*Client{a, b} {
		users := rosterUsers(t, expect(t, c, EventUsersChange))
		if len(users) != 1 || users[0].Username != "alice" {
			t.Fatalf("roster = %+v", users)
		}
	}

	send(h, b, Message{Type: EventRegister, Username: "bob"})
	for _, c := range []*Client{a, b} {
		users := rosterUsers(t, expect(t, c, EventUsersChange))
		if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
			t.Fatalf("roster = %+v", users)
		}
	}
}

func TestReRegisterReflectsLatestPayload(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)

	send(h, a, Message{Type: EventRegister, Username: "alicia"})
	users := rosterUsers(t, expect(t, a, EventUsersChange))
	if len(users) != 1 || users[0].Username != "alicia" {
		t.Fatalf("roster after re-register = %+v", users)
	}
}

func TestSetPeerIDBeforeRegisterIsNoOp(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)

	send(h, a, Message{Type: EventSetPeerID, PeerID: "p1"})
	send(h, a, Message{Type: EventRegister, Username: "alice"})

	// The first frame out must be the register broadcast; the ignored
	// set-peer-id produced nothing and left no state behind.
	users := rosterUsers(t, expect(t, a, EventUsersChange))
	if users[0].PeerID != "" {
		t.Fatalf("peerId survived a pre-register set-peer-id: %+v", users)
	}
}

func TestSetPeerIDBroadcastsRoster(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)

	send(h, a, Message{Type: EventSetPeerID, PeerID: "p1"})
	users := rosterUsers(t, expect(t, a, EventUsersChange))
	if users[0].PeerID != "p1" {
		t.Fatalf("roster = %+v", users)
	}
}

func TestCreateMeetingRequiresRegistration(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)

	send(h, a, Message{Type: EventCreateMeeting, Ack: 7})
	reply := expect(t, a, EventMeetingCreated)
	if reply.Ack != 7 {
		t.Fatalf("ack = %d, want 7", reply.Ack)
	}
	var cr CreateReply
	if err := json.Unmarshal(reply.Payload, &cr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cr.Success || cr.Error != ErrCodeNotRegistered {
		t.Fatalf("reply = %+v", cr)
	}
}

func TestMeetingLifecycle(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)
	b := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)

	id := createMeeting(t, h, a)

	send(h, b, Message{Type: EventRegister, Username: "bob"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)

	send(h, b, Message{Type: EventJoinMeeting, MeetingID: id, Ack: 3})
	reply := expect(t, b, EventMeetingJoined)
	if reply.Ack != 3 {
		t.Fatalf("ack = %d", reply.Ack)
	}
	var jr JoinReply
	if err := json.Unmarshal(reply.Payload, &jr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !jr.Success || jr.MeetingID != id {
		t.Fatalf("join reply = %+v", jr)
	}
	if len(jr.Participants) != 1 || jr.Participants[0].Username != "alice" {
		t.Fatalf("pre-join participants = %+v", jr.Participants)
	}

	joined := expect(t, a, EventUserJoined)
	if joined.MeetingID != id || payloadUser(t, joined).Username != "bob" {
		t.Fatalf("user-joined = %+v", joined)
	}

	// A non-host leave does not end the meeting.
	send(h, b, Message{Type: EventLeaveMeeting})
	left := expect(t, a, EventUserLeft)
	if payloadUser(t, left).Username != "bob" {
		t.Fatalf("user-left = %+v", left)
	}
	if info, _ := h.meetings.Info(id); !info.Active {
		t.Fatalf("meeting ended on non-host leave")
	}

	send(h, b, Message{Type: EventJoinMeeting, MeetingID: id})
	expect(t, b, EventMeetingJoined)
	expect(t, a, EventUserJoined)

	// The host leaving ends it: removal first, then the termination notice.
	send(h, a, Message{Type: EventLeaveMeeting})
	left = expect(t, b, EventUserLeft)
	if payloadUser(t, left).Username != "alice" {
		t.Fatalf("user-left = %+v", left)
	}
	ended := expect(t, b, EventMeetingEnded)
	if ended.MeetingID != id {
		t.Fatalf("meeting-ended = %+v", ended)
	}
	if info, _ := h.meetings.Info(id); info.Active {
		t.Fatalf("meeting still active after host leave")
	}

	// Leaving an already-ended meeting is a no-op.
	send(h, b, Message{Type: EventLeaveMeeting})
	expectNothing(t, a)
}

func TestJoinTwiceKeepsSingleEntry(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)
	b := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)
	send(h, b, Message{Type: EventRegister, Username: "bob"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)

	id := createMeeting(t, h, a)
	send(h, b, Message{Type: EventJoinMeeting, MeetingID: id})
	expect(t, b, EventMeetingJoined)
	expect(t, a, EventUserJoined)

	// A repeated join succeeds without re-adding or re-announcing bob.
	send(h, b, Message{Type: EventJoinMeeting, MeetingID: id, Ack: 5})
	reply := expect(t, b, EventMeetingJoined)
	if reply.Ack != 5 {
		t.Fatalf("ack = %d, want 5", reply.Ack)
	}
	var jr JoinReply
	if err := json.Unmarshal(reply.Payload, &jr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !jr.Success || len(jr.Participants) != 1 || jr.Participants[0].Username != "alice" {
		t.Fatalf("repeated join reply = %+v", jr)
	}
	expectNothing(t, a)

	m, _ := h.meetings.Get(id)
	count := 0
	for _, pid := range m.Participants {
		if pid == b.id {
			count++
		}
	}
	if count != 1 || len(m.Participants) != 2 {
		t.Fatalf("participants = %v, want bob exactly once", m.Participants)
	}

	// Relays reach bob once, not once per list entry.
	send(h, a, Message{Type: EventOffer, MeetingID: id, Payload: json.RawMessage(`{"sdp":"v=0"}`)})
	expect(t, b, EventOffer)
	expectNothing(t, b)
}

func TestJoinSecondMeetingLeavesFirst(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)
	b := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)
	send(h, b, Message{Type: EventRegister, Username: "bob"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)

	id1 := createMeeting(t, h, a)
	send(h, b, Message{Type: EventJoinMeeting, MeetingID: id1})
	expect(t, b, EventMeetingJoined)
	expect(t, a, EventUserJoined)

	// bob creating his own meeting leaves the first one: alice is notified
	// and bob's entry is gone from its participant list.
	id2 := createMeeting(t, h, b)
	left := expect(t, a, EventUserLeft)
	if left.MeetingID != id1 || payloadUser(t, left).Username != "bob" {
		t.Fatalf("user-left = %+v", left)
	}
	m, _ := h.meetings.Get(id1)
	if len(m.Participants) != 1 || m.Participants[0] != a.id {
		t.Fatalf("first meeting participants = %v, want only alice", m.Participants)
	}
	if info, _ := h.meetings.Info(id1); !info.Active {
		t.Fatalf("first meeting ended on non-host hop")
	}

	// alice hopping to bob's meeting ends hers (host leave, nobody left to
	// notify) and joins the new one normally.
	send(h, a, Message{Type: EventJoinMeeting, MeetingID: id2})
	reply := expect(t, a, EventMeetingJoined)
	var jr JoinReply
	if err := json.Unmarshal(reply.Payload, &jr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !jr.Success || len(jr.Participants) != 1 || jr.Participants[0].Username != "bob" {
		t.Fatalf("hop join reply = %+v", jr)
	}
	if payloadUser(t, expect(t, b, EventUserJoined)).Username != "alice" {
		t.Fatalf("bob not notified of alice joining")
	}
	if info, _ := h.meetings.Info(id1); info.Active {
		t.Fatalf("first meeting still active after its host hopped away")
	}
	m, _ = h.meetings.Get(id1)
	for _, pid := range m.Participants {
		if pid == a.id || pid == b.id {
			t.Fatalf("stale participant %q left in %v", pid, m.Participants)
		}
	}
}

func TestJoinFailures(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)
	b := connect(t, h)

	send(h, b, Message{Type: EventJoinMeeting, MeetingID: "ABC234"})
	var jr JoinReply
	if err := json.Unmarshal(expect(t, b, EventMeetingJoined).Payload, &jr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if jr.Success || jr.Error != ErrCodeNotRegistered {
		t.Fatalf("reply = %+v", jr)
	}

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)
	send(h, b, Message{Type: EventRegister, Username: "bob"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)

	send(h, b, Message{Type: EventJoinMeeting, MeetingID: "ABC234"})
	if err := json.Unmarshal(expect(t, b, EventMeetingJoined).Payload, &jr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if jr.Success || jr.Error != ErrCodeMeetingNotFound {
		t.Fatalf("reply = %+v", jr)
	}

	id := createMeeting(t, h, a)
	send(h, a, Message{Type: EventLeaveMeeting}) // host leave ends it

	send(h, b, Message{Type: EventJoinMeeting, MeetingID: id})
	if err := json.Unmarshal(expect(t, b, EventMeetingJoined).Payload, &jr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if jr.Success || jr.Error != ErrCodeMeetingEnded {
		t.Fatalf("reply = %+v", jr)
	}
}

func TestDisconnectActsAsLeave(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)
	b := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)
	send(h, b, Message{Type: EventRegister, Username: "bob"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)

	id := createMeeting(t, h, a)
	send(h, b, Message{Type: EventJoinMeeting, MeetingID: id})
	expect(t, b, EventMeetingJoined)
	expect(t, a, EventUserJoined)

	h.unregister <- a

	left := expect(t, b, EventUserLeft)
	if payloadUser(t, left).Username != "alice" {
		t.Fatalf("user-left = %+v", left)
	}
	expect(t, b, EventMeetingEnded)

	users := rosterUsers(t, expect(t, b, EventUsersChange))
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("roster after disconnect = %+v", users)
	}

	if info, _ := h.meetings.Info(id); info.Active {
		t.Fatalf("meeting still active after host disconnect")
	}
}

func TestRelayRouting(t *testing.T) {
	h, m := newTestHub(t)
	a := connect(t, h)
	b := connect(t, h)
	c := connect(t, h)

	for i, cl := range []*Client{a, b, c} {
		send(h, cl, Message{Type: EventRegister, Username: string(rune('a' + i))})
		expect(t, a, EventUsersChange)
		expect(t, b, EventUsersChange)
		expect(t, c, EventUsersChange)
	}

	id := createMeeting(t, h, a)
	send(h, b, Message{Type: EventJoinMeeting, MeetingID: id})
	expect(t, b, EventMeetingJoined)
	expect(t, a, EventUserJoined)

	payload := json.RawMessage(`{"sdp":"v=0 fake","type":"offer","nested":{"x":1}}`)
	send(h, b, Message{Type: EventOffer, MeetingID: id, Payload: payload})

	got := expect(t, a, EventOffer)
	if string(got.Payload) != string(payload) {
		t.Fatalf("relay payload modified: %s", got.Payload)
	}
	if got.From == nil || got.From.Username != "b" {
		t.Fatalf("relay provenance = %+v", got.From)
	}
	if got.MeetingID != id {
		t.Fatalf("relay meetingId = %q", got.MeetingID)
	}

	// c is not in the meeting: nothing is delivered to them, and a relay
	// attempt from them is dropped.
	expectNothing(t, c)
	send(h, c, Message{Type: EventICECandidate, MeetingID: id, Payload: payload})
	expectNothing(t, a)
	expectNothing(t, b)
	if m.Get(metrics.DropReasonNotInMeeting) == 0 {
		t.Fatalf("drop counter not incremented")
	}

	// Wrong meeting id on a member is also a drop.
	send(h, b, Message{Type: EventAnswer, MeetingID: "ZZZZ99", Payload: payload})
	expectNothing(t, a)
}

func TestLegacyCall(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)
	b := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)
	send(h, a, Message{Type: EventSetPeerID, PeerID: "p1"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)
	send(h, b, Message{Type: EventRegister, Username: "bob"})
	expect(t, a, EventUsersChange)
	expect(t, b, EventUsersChange)

	// Target has a peer endpoint: the call event reaches them with the
	// caller's full record.
	send(h, b, Message{Type: EventCall, Target: "alice"})
	call := expect(t, a, EventCall)
	caller := payloadUser(t, call)
	if caller.Username != "bob" {
		t.Fatalf("call payload = %+v", caller)
	}

	// Accept flows back to the caller with the accepter's record.
	send(h, a, Message{Type: EventAcceptCall, Target: "bob"})
	accepted := expect(t, b, EventAcceptedCall)
	if u := payloadUser(t, accepted); u.Username != "alice" || u.PeerID != "p1" {
		t.Fatalf("accepted-call payload = %+v", u)
	}

	// bob never set a peer id, so calling bob is not available.
	send(h, a, Message{Type: EventCall, Target: "bob"})
	na := expect(t, a, EventNotAvailable)
	if na.Target != "bob" {
		t.Fatalf("not-available target = %q", na.Target)
	}

	// Unknown usernames are equally not available.
	send(h, b, Message{Type: EventCall, Target: "carol"})
	na = expect(t, b, EventNotAvailable)
	if na.Target != "carol" {
		t.Fatalf("not-available target = %q", na.Target)
	}

	// Reject and end-call mirror accept's addressing.
	send(h, a, Message{Type: EventRejectCall, Target: "bob"})
	if u := payloadUser(t, expect(t, b, EventRejectedCall)); u.Username != "alice" {
		t.Fatalf("rejected-call payload = %+v", u)
	}
	send(h, b, Message{Type: EventEndCall, Target: "alice"})
	if u := payloadUser(t, expect(t, a, EventCallEnded)); u.Username != "bob" {
		t.Fatalf("call-ended payload = %+v", u)
	}
}

func TestCallResponseWithUnknownCounterpartIsDropped(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h)

	send(h, a, Message{Type: EventRegister, Username: "alice"})
	expect(t, a, EventUsersChange)

	send(h, a, Message{Type: EventAcceptCall, Target: "ghost"})
	expectNothing(t, a)
}
