package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for hub tests.
type memStore struct {
	mu           sync.Mutex
	nextMsgID    int
	nextRoomID   int
	messages     map[int][]*Message
	rooms        map[string]int
	participants map[[2]int]bool
	roomsCreated int
	saveDelay    time.Duration
	failSaves    bool
}

func newMemStore() *memStore {
	return &memStore{
		nextRoomID:   GeneralRoomID + 1,
		messages:     make(map[int][]*Message),
		rooms:        make(map[string]int),
		participants: make(map[[2]int]bool),
	}
}

func (s *memStore) SaveMessage(_ context.Context, roomID int, author Identity, content string) (*Message, error) {
	if s.saveDelay > 0 {
		time.Sleep(s.saveDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return nil, errors.New("store down")
	}
	s.nextMsgID++
	msg := &Message{
		ID:        s.nextMsgID,
		RoomID:    roomID,
		UserID:    author.ID,
		Username:  author.Username,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	return msg, nil
}

func (s *memStore) RecentMessages(_ context.Context, roomID, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[roomID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *memStore) FindOrCreatePrivateRoom(_ context.Context, ref RoomRef, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.rooms[ref.PairKey()]; ok {
		return id, nil
	}
	id := s.nextRoomID
	s.nextRoomID++
	s.rooms[ref.PairKey()] = id
	s.roomsCreated++
	s.participants[[2]int{id, ref.UserA}] = true
	s.participants[[2]int{id, ref.UserB}] = true
	return id, nil
}

func (s *memStore) EnsureParticipant(_ context.Context, roomID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[[2]int{roomID, userID}] = true
	return nil
}

func (s *memStore) IsParticipant(_ context.Context, roomID, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[[2]int{roomID, userID}], nil
}

func (s *memStore) TouchLastSeen(context.Context, int) error { return nil }

func (s *memStore) messageCount(roomID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[roomID])
}

// nextEvent reads from a connection's outbox until an event of the wanted
// type arrives.
func nextEvent(t *testing.T, c *Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case payload, ok := <-c.send:
			require.True(t, ok, "outbox closed while waiting for %s", wantType)
			var ev map[string]any
			require.NoError(t, json.Unmarshal(payload, &ev))
			if ev["type"] == wantType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", wantType)
		}
	}
}

// expectNoEvent asserts that no event of the given type shows up.
func expectNoEvent(t *testing.T, c *Conn, badType string) {
	t.Helper()
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			var ev map[string]any
			require.NoError(t, json.Unmarshal(payload, &ev))
			require.NotEqual(t, badType, ev["type"])
		case <-deadline:
			return
		}
	}
}

func attach(t *testing.T, h *Hub, id string, user Identity) *Conn {
	t.Helper()
	c := NewConn(id, user)
	h.Attach(c)
	require.NoError(t, h.JoinRoom(context.Background(), id, "general"))
	nextEvent(t, c, EventRoomJoined)
	return c
}

var (
	alice = Identity{ID: 1, Username: "alice"}
	bob   = Identity{ID: 2, Username: "bob"}
	carol = Identity{ID: 3, Username: "carol"}
)

func TestGeneralRoomMessageReachesEveryMember(t *testing.T) {
	store := newMemStore()
	h := NewHub(store, nil)
	defer h.Close()

	u1 := attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	require.NoError(t, h.SendMessage(context.Background(), "u1", "general", "hello"))

	for _, c := range []*Conn{u1, u2} {
		ev := nextEvent(t, c, EventNewMessage)
		require.Equal(t, "hello", ev["content"])
		require.EqualValues(t, alice.ID, ev["user_id"])
		require.Equal(t, "alice", ev["username"])
	}
}

func TestSendRejectsInvalidContent(t *testing.T) {
	store := newMemStore()
	h := NewHub(store, nil)
	defer h.Close()

	attach(t, h, "u1", alice)

	var opError *OpError

	err := h.SendMessage(context.Background(), "u1", "general", "   \t\n ")
	require.ErrorAs(t, err, &opError)
	require.Equal(t, KindInvalidContent, opError.Kind)

	long := make([]rune, maxContentLen+1)
	for i := range long {
		long[i] = 'x'
	}
	err = h.SendMessage(context.Background(), "u1", "general", string(long))
	require.ErrorAs(t, err, &opError)
	require.Equal(t, KindInvalidContent, opError.Kind)

	require.Zero(t, store.messageCount(GeneralRoomID), "rejected sends must not be persisted")
}

func TestSendAtContentLimitSucceeds(t *testing.T) {
	store := newMemStore()
	h := NewHub(store, nil)
	defer h.Close()

	u1 := attach(t, h, "u1", alice)

	long := make([]rune, maxContentLen)
	for i := range long {
		long[i] = 'я' // multibyte on purpose: the limit counts runes
	}
	require.NoError(t, h.SendMessage(context.Background(), "u1", "general", string(long)))
	nextEvent(t, u1, EventNewMessage)
}

func TestSendRequiresAuthentication(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	err := h.SendMessage(context.Background(), "ghost", "general", "hi")
	var opError *OpError
	require.ErrorAs(t, err, &opError)
	require.Equal(t, KindNotAuthenticated, opError.Kind)
}

func TestPresenceSnapshotDeduplicatesMultiDevice(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	u1 := attach(t, h, "phone", alice)
	attach(t, h, "laptop", alice)

	ev := nextEvent(t, u1, EventOnlineUsers)
	users := ev["users"].([]any)
	require.Len(t, users, 1, "two devices of one identity must be one presence entry")
}

func TestPresenceUpdatesOnDisconnect(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	h.Detach("u1")
	h.Detach("u1") // idempotent

	// detach refreshes the snapshot first, then announces the departure
	for {
		ev := nextEvent(t, u2, EventOnlineUsers)
		users := ev["users"].([]any)
		if len(users) == 1 {
			break
		}
	}
	ev := nextEvent(t, u2, EventUserLeft)
	require.Equal(t, "alice", ev["username"])
}

func TestPrivateInviteAcceptFlow(t *testing.T) {
	store := newMemStore()
	h := NewHub(store, nil)
	defer h.Close()

	u1 := attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	require.NoError(t, h.Invite("u1", bob.ID))

	invitation := nextEvent(t, u2, EventInvitation)
	require.Equal(t, "private_1_2", invitation["room"])
	inviteID := invitation["invite_id"].(string)

	require.NoError(t, h.RespondInvite("u2", inviteID, true))

	ack := nextEvent(t, u1, EventInvitationAck)
	require.Equal(t, true, ack["accepted"])
	require.Equal(t, "private_1_2", ack["room"])

	// both join the pair room and exchange a message
	require.NoError(t, h.JoinRoom(context.Background(), "u1", "private_1_2"))
	require.NoError(t, h.JoinRoom(context.Background(), "u2", "private_1_2"))
	joined := nextEvent(t, u1, EventRoomJoined)
	roomID := int(joined["room_id"].(float64))
	require.NotEqual(t, GeneralRoomID, roomID)
	nextEvent(t, u2, EventRoomJoined)

	require.NoError(t, h.SendMessage(context.Background(), "u2", "private_1_2", "hey"))
	ev := nextEvent(t, u1, EventNewMessage)
	require.Equal(t, "hey", ev["content"])
	require.EqualValues(t, roomID, ev["room_id"])
}

func TestPrivateInviteDecline(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	u1 := attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	require.NoError(t, h.Invite("u1", bob.ID))
	invitation := nextEvent(t, u2, EventInvitation)

	require.NoError(t, h.RespondInvite("u2", invitation["invite_id"].(string), false))
	ack := nextEvent(t, u1, EventInvitationAck)
	require.Equal(t, false, ack["accepted"])
}

func TestInviteOfflineTargetFails(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	attach(t, h, "u1", alice)

	err := h.Invite("u1", carol.ID)
	var opError *OpError
	require.ErrorAs(t, err, &opError)
	require.Equal(t, KindNotOnline, opError.Kind)
}

func TestInviteAckDroppedWhenInviterGone(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	require.NoError(t, h.Invite("u1", bob.ID))
	invitation := nextEvent(t, u2, EventInvitation)

	// inviter's other device would still get the ack, so drop them fully
	h.Detach("u1")

	// best effort: the response succeeds, the ack just goes nowhere
	require.NoError(t, h.RespondInvite("u2", invitation["invite_id"].(string), true))
	expectNoEvent(t, u2, EventInvitationAck)
}

func TestInvitePrunedWhenTargetDisconnects(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	require.NoError(t, h.Invite("u1", bob.ID))
	invitation := nextEvent(t, u2, EventInvitation)

	h.Detach("u2")
	require.Zero(t, h.invites.Len(), "invites must be forgotten on disconnect")

	// a late response from a reconnecting target is silently ignored
	u2b := NewConn("u2b", bob)
	h.Attach(u2b)
	require.NoError(t, h.RespondInvite("u2b", invitation["invite_id"].(string), true))
}

func TestRespondInviteWrongUserForbidden(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)
	attach(t, h, "u3", carol)

	require.NoError(t, h.Invite("u1", bob.ID))
	invitation := nextEvent(t, u2, EventInvitation)

	err := h.RespondInvite("u3", invitation["invite_id"].(string), true)
	var opError *OpError
	require.ErrorAs(t, err, &opError)
	require.Equal(t, KindForbidden, opError.Kind)
}

func TestDisconnectDoesNotDisturbOtherRooms(t *testing.T) {
	store := newMemStore()
	store.saveDelay = 50 * time.Millisecond
	h := NewHub(store, nil)
	defer h.Close()

	attach(t, h, "u1", alice) // stays in general
	u2 := attach(t, h, "u2", bob)
	u3 := attach(t, h, "u3", carol)
	require.NoError(t, h.JoinRoom(context.Background(), "u2", "private_2_3"))
	require.NoError(t, h.JoinRoom(context.Background(), "u3", "private_2_3"))
	nextEvent(t, u2, EventRoomJoined)
	nextEvent(t, u3, EventRoomJoined)

	// u2's send is in flight while u1 (a different room) disconnects
	require.NoError(t, h.SendMessage(context.Background(), "u2", "private_2_3", "still here?"))
	h.Detach("u1")

	ev := nextEvent(t, u3, EventNewMessage)
	require.Equal(t, "still here?", ev["content"])
}

func TestInFlightSendSurvivesSenderDisconnect(t *testing.T) {
	store := newMemStore()
	store.saveDelay = 50 * time.Millisecond
	h := NewHub(store, nil)
	defer h.Close()

	attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	require.NoError(t, h.SendMessage(context.Background(), "u1", "general", "parting words"))
	h.Detach("u1")

	// the message still persists and reaches the survivors
	ev := nextEvent(t, u2, EventNewMessage)
	require.Equal(t, "parting words", ev["content"])
	require.Equal(t, 1, store.messageCount(GeneralRoomID))
}

func TestFanOutToSnapshotSurvivesDetach(t *testing.T) {
	// A room worker fans out over a member list captured before delivery.
	// A member that detaches between the snapshot and the delivery must be
	// skipped, not crash the worker.
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	members := h.registry.InRoom(GeneralRoomID)
	require.Len(t, members, 2)

	h.Detach("u2")

	payload := []byte(`{"type":"new_message","content":"late"}`)
	for _, c := range members {
		delivered := c.TrySend(payload)
		if c == u2 {
			require.False(t, delivered, "delivery to a detached connection must miss")
		} else {
			require.True(t, delivered)
		}
	}
}

func TestSendsRacingDisconnectsDoNotCrash(t *testing.T) {
	store := newMemStore()
	store.saveDelay = time.Millisecond
	h := NewHub(store, nil)
	defer h.Close()

	u1 := attach(t, h, "u1", alice)

	// one identity churns connections while another floods the room
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			c := NewConn("churn", bob)
			h.Attach(c)
			time.Sleep(time.Millisecond)
			h.Detach("churn")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = h.SendMessage(context.Background(), "u1", "general", "flood")
		}
	}()
	wg.Wait()

	// the hub is still alive and delivering
	require.NoError(t, h.SendMessage(context.Background(), "u1", "general", "still up"))
	for {
		ev := nextEvent(t, u1, EventNewMessage)
		if ev["content"] == "still up" {
			break
		}
	}
}

func TestStoreFailureSurfacesToSender(t *testing.T) {
	store := newMemStore()
	store.failSaves = true
	h := NewHub(store, nil)
	defer h.Close()

	u1 := attach(t, h, "u1", alice)

	require.NoError(t, h.SendMessage(context.Background(), "u1", "general", "doomed"))

	ev := nextEvent(t, u1, EventError)
	require.Equal(t, string(KindStoreUnavailable), ev["kind"])
}

func TestConcurrentResolveCreatesOneRoom(t *testing.T) {
	store := newMemStore()
	h := NewHub(store, nil)
	defer h.Close()

	router := h.Router()
	ref := PrivateRef(4, 5)

	const workers = 8
	ids := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requester := Identity{ID: 4, Username: "dave"}
			if i%2 == 1 {
				requester = Identity{ID: 5, Username: "eve"}
			}
			id, err := router.ResolveID(context.Background(), requester, ref)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, store.roomsCreated, "exactly one room per canonical pair")
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestResolveForbiddenForNonParty(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	attach(t, h, "u3", carol)

	err := h.JoinRoom(context.Background(), "u3", "private_1_2")
	var opError *OpError
	require.ErrorAs(t, err, &opError)
	require.Equal(t, KindForbidden, opError.Kind)
}

func TestHandleEventMalformedFrame(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	u1 := attach(t, h, "u1", alice)

	h.HandleEvent(context.Background(), "u1", []byte(`{"type":"no_such_event"}`))

	ev := nextEvent(t, u1, EventError)
	require.Equal(t, string(KindInvalidContent), ev["kind"])
}

func TestHandleEventDispatchesSend(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	u1 := attach(t, h, "u1", alice)
	u2 := attach(t, h, "u2", bob)

	h.HandleEvent(context.Background(), "u1", []byte(`{"type":"send_message","room":"general","content":"via frame"}`))

	for _, c := range []*Conn{u1, u2} {
		ev := nextEvent(t, c, EventNewMessage)
		require.Equal(t, "via frame", ev["content"])
	}
}

func TestMultiDeviceDelivery(t *testing.T) {
	h := NewHub(newMemStore(), nil)
	defer h.Close()

	phone := attach(t, h, "phone", alice)
	laptop := attach(t, h, "laptop", alice)
	attach(t, h, "u2", bob)

	require.NoError(t, h.SendMessage(context.Background(), "u2", "general", "ping"))

	for _, c := range []*Conn{phone, laptop} {
		ev := nextEvent(t, c, EventNewMessage)
		require.Equal(t, "ping", ev["content"])
	}
}
