package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	maxContentLen  = 1000
	persistTimeout = 5 * time.Second
	relayChannel   = "kracken-chat.messages"
)

// Hub routes everything that happens on live connections: joins, message
// relay, presence and invitations. Messages flow persist-then-fan-out on a
// per-room worker, so within one room delivery order always matches insert
// order while rooms never block each other.
//
// When a redis client is supplied, persisted messages are also relayed to
// the other server instances (and theirs to us). Presence and invites stay
// node-local.
type Hub struct {
	registry *Registry
	store    Store
	router   *Router
	invites  *InviteCoordinator

	relay      *redis.Client // nil in single-node mode
	instanceID string

	mu     sync.Mutex
	queues map[int]chan sendJob

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	log *slog.Logger
}

type sendJob struct {
	originConn string
	roomID     int
	author     Identity
	content    string
}

// relayEnvelope carries a persisted message between instances. Origin lets
// a node skip its own publishes so local clients get exactly one copy.
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	RoomID  int             `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

func NewHub(store Store, relay *redis.Client) *Hub {
	return &Hub{
		registry:   NewRegistry(),
		store:      store,
		router:     NewRouter(store),
		invites:    NewInviteCoordinator(),
		relay:      relay,
		instanceID: uuid.NewString(),
		queues:     make(map[int]chan sendJob),
		done:       make(chan struct{}),
		log:        slog.Default(),
	}
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Router() *Router     { return h.router }

// Run blocks consuming the relay subscription until the hub is closed.
// Without redis there is nothing to do and it returns immediately.
func (h *Hub) Run(ctx context.Context) {
	if h.relay == nil {
		return
	}

	pubsub := h.relay.Subscribe(ctx, relayChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Error("bad relay payload", "err", err)
				continue
			}
			if env.Origin == h.instanceID {
				continue
			}
			h.fanOut(env.RoomID, []byte(env.Payload))
		}
	}
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		for _, c := range h.registry.Drain() {
			c.Close()
		}
	})
	h.wg.Wait()
}

// Attach registers a connection and announces it: a fresh presence snapshot
// to everyone and a user_joined notice to the others.
func (h *Hub) Attach(c *Conn) {
	h.registry.Register(c)
	h.broadcastPresence()
	h.broadcastExcept(c.ID, encodePresenceChange(EventUserJoined, c.User.Username))
	h.log.Info("user connected", "conn_id", c.ID, "user_id", c.User.ID, "username", c.User.Username)
}

// Detach is idempotent; the first call for a connection id closes it,
// refreshes presence and prunes any invites the identity was a party to
// once its last connection is gone. An in-flight send from the same
// connection still completes; only the live delivery back to it is skipped
// because fan-out consults the registry at delivery time.
func (h *Hub) Detach(connID string) {
	c := h.registry.Unregister(connID)
	if c == nil {
		return
	}
	c.Close()

	if len(h.registry.ConnectionsOf(c.User.ID)) == 0 {
		h.invites.PruneUser(c.User.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.store.TouchLastSeen(ctx, c.User.ID); err != nil {
		h.log.Error("updating last_seen", "user_id", c.User.ID, "err", err)
	}

	h.broadcastPresence()
	h.broadcastExcept(connID, encodePresenceChange(EventUserLeft, c.User.Username))
	h.log.Info("user disconnected", "conn_id", connID, "username", c.User.Username)
}

// HandleEvent decodes and dispatches one inbound frame. Taxonomy errors go
// back to the originating connection as error events; anything unexpected
// is logged and the connection is left intact.
func (h *Hub) HandleEvent(ctx context.Context, connID string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in event handler", "conn_id", connID, "panic", r)
		}
	}()

	ev, err := DecodeInbound(raw)
	if err != nil {
		h.sendErrorTo(connID, opErr(KindInvalidContent, "invalid event: %v", err))
		return
	}

	switch ev := ev.(type) {
	case JoinRoom:
		err = h.JoinRoom(ctx, connID, ev.Room)
	case SendMessage:
		err = h.SendMessage(ctx, connID, ev.Room, ev.Content)
	case PrivateInvite:
		err = h.Invite(connID, ev.ToUserID)
	case InviteResponse:
		err = h.RespondInvite(connID, ev.InviteID, ev.Accepted)
	}

	if err != nil {
		var opError *OpError
		if errors.As(err, &opError) {
			h.sendErrorTo(connID, opError)
			return
		}
		h.log.Error("event handler failed", "conn_id", connID, "err", err)
	}
}

// JoinRoom resolves the reference, moves the connection there and replies
// with the room id plus recent history.
func (h *Hub) JoinRoom(ctx context.Context, connID, roomRef string) error {
	c, ok := h.registry.Lookup(connID)
	if !ok {
		return errNotAuthenticated
	}

	ref, err := ParseRoomRef(roomRef)
	if err != nil {
		return opErr(KindInvalidRoom, "%v", err)
	}

	roomID, history, err := h.router.Resolve(ctx, c.User, ref)
	if err != nil {
		return err
	}

	h.registry.SetRoom(connID, roomID)
	h.sendTo(c, encodeRoomJoined(roomID, ref, history))
	return nil
}

// SendMessage validates and enqueues a message on its room's send queue.
// The target room defaults to the connection's current room.
func (h *Hub) SendMessage(ctx context.Context, connID, roomRef, content string) error {
	c, ok := h.registry.Lookup(connID)
	if !ok {
		return errNotAuthenticated
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return errEmptyMessage
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return errMessageTooLong
	}

	var roomID int
	if roomRef == "" {
		roomID, _ = h.registry.RoomOf(connID)
		if roomID == 0 {
			roomID = GeneralRoomID
		}
	} else {
		ref, err := ParseRoomRef(roomRef)
		if err != nil {
			return opErr(KindInvalidRoom, "%v", err)
		}
		roomID, err = h.router.ResolveID(ctx, c.User, ref)
		if err != nil {
			return err
		}
	}

	q := h.roomQueue(roomID)
	if q == nil {
		return opErr(KindStoreUnavailable, "server is shutting down")
	}

	select {
	case <-h.done:
		return opErr(KindStoreUnavailable, "server is shutting down")
	case q <- sendJob{originConn: connID, roomID: roomID, author: c.User, content: content}:
		return nil
	}
}

// Invite creates a private-chat invitation and delivers it to every live
// connection of the target. The target must be online.
func (h *Hub) Invite(connID string, toUserID int) error {
	c, ok := h.registry.Lookup(connID)
	if !ok {
		return errNotAuthenticated
	}
	if toUserID == c.User.ID {
		return opErr(KindInvalidRoom, "cannot invite yourself")
	}

	targets := h.registry.ConnectionsOf(toUserID)
	if len(targets) == 0 {
		return opErr(KindNotOnline, "user %d is not online", toUserID)
	}

	inv := h.invites.Add(c.User, toUserID)
	payload := encodeInvitation(inv)
	for _, t := range targets {
		h.sendTo(t, payload)
	}
	h.log.Info("invite sent", "invite_id", inv.ID, "from", c.User.ID, "to", toUserID)
	return nil
}

// RespondInvite relays the accept/decline back to the inviter. If the
// inviter disconnected in the meantime the acknowledgement is dropped;
// invites are best-effort by design. An unknown invite id (already
// answered, or pruned by a disconnect) is ignored the same way.
func (h *Hub) RespondInvite(connID, inviteID string, accepted bool) error {
	c, ok := h.registry.Lookup(connID)
	if !ok {
		return errNotAuthenticated
	}

	inv, ok := h.invites.Take(inviteID)
	if !ok {
		h.log.Debug("response to unknown invite", "invite_id", inviteID, "conn_id", connID)
		return nil
	}
	if inv.ToUserID != c.User.ID {
		return opErr(KindForbidden, "this invitation was not addressed to you")
	}

	payload := encodeInvitationAck(inv, c.User, accepted)
	for _, t := range h.registry.ConnectionsOf(inv.From.ID) {
		h.sendTo(t, payload)
	}
	return nil
}

// Reset drops every connection and all pending invites; used by the admin
// purge after wiping the user table.
func (h *Hub) Reset() {
	for _, c := range h.registry.Drain() {
		c.Close()
	}
	h.invites.Clear()
}

// roomQueue returns the room's send queue, spawning its worker on first
// use, or nil once the hub is shut down. One worker per room is what
// serializes persist-then-fan-out.
func (h *Hub) roomQueue(roomID int) chan sendJob {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
	}

	if q, ok := h.queues[roomID]; ok {
		return q
	}
	q := make(chan sendJob, 128)
	h.queues[roomID] = q
	h.wg.Add(1)
	go h.runRoomWorker(q)
	return q
}

// runRoomWorker drains one room's queue until shutdown. Queued but
// unprocessed sends at shutdown are dropped; they were never persisted, so
// nothing claims they happened.
func (h *Hub) runRoomWorker(q chan sendJob) {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case job := <-q:
			h.deliver(job)
		}
	}
}

// deliver persists one message and fans it out. Persistence success is the
// durability boundary: once the row exists the message is in history, even
// if the relay publish or a live delivery fails afterwards.
func (h *Hub) deliver(job sendJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	msg, err := h.store.SaveMessage(ctx, job.roomID, job.author, job.content)
	if err != nil {
		h.log.Error("persisting message", "room_id", job.roomID, "err", err)
		h.sendErrorTo(job.originConn, opErr(KindStoreUnavailable, "failed to send message"))
		return
	}

	payload := encodeNewMessage(msg)
	h.fanOut(job.roomID, payload)
	h.publishRelay(ctx, job.roomID, payload)
}

// fanOut delivers a payload to every connection currently in the room.
// Live delivery is at-most-once: a connection that cannot keep up is
// dropped rather than queued unboundedly.
func (h *Hub) fanOut(roomID int, payload []byte) {
	if payload == nil {
		return
	}
	for _, c := range h.registry.InRoom(roomID) {
		if !c.TrySend(payload) {
			h.log.Warn("dropping slow connection", "conn_id", c.ID, "username", c.User.Username)
			h.Detach(c.ID)
		}
	}
}

func (h *Hub) publishRelay(ctx context.Context, roomID int, payload []byte) {
	if h.relay == nil {
		return
	}
	env, err := json.Marshal(relayEnvelope{Origin: h.instanceID, RoomID: roomID, Payload: payload})
	if err != nil {
		h.log.Error("encoding relay envelope", "err", err)
		return
	}
	if err := h.relay.Publish(ctx, relayChannel, env).Err(); err != nil {
		h.log.Error("relay publish failed", "room_id", roomID, "err", err)
	}
}

// broadcastPresence pushes the full deduplicated snapshot to everyone; the
// expected connection counts are small enough that diffs are not worth it.
func (h *Hub) broadcastPresence() {
	payload := encodeOnlineUsers(h.registry.Snapshot())
	for _, c := range h.registry.Connections() {
		h.sendTo(c, payload)
	}
}

func (h *Hub) broadcastExcept(connID string, payload []byte) {
	if payload == nil {
		return
	}
	for _, c := range h.registry.Connections() {
		if c.ID == connID {
			continue
		}
		h.sendTo(c, payload)
	}
}

func (h *Hub) sendTo(c *Conn, payload []byte) {
	if !c.TrySend(payload) {
		h.log.Warn("dropping slow connection", "conn_id", c.ID, "username", c.User.Username)
		h.Detach(c.ID)
	}
}

func (h *Hub) sendErrorTo(connID string, e *OpError) {
	if c, ok := h.registry.Lookup(connID); ok {
		h.sendTo(c, encodeError(e))
	}
}
