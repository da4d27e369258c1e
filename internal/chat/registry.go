package chat

import (
	"sort"
	"sync"
)

// Conn is one live transport session. The send channel is drained by the
// connection's write pump; TrySend never blocks, a full buffer means the
// peer is too slow and the hub will drop the connection. The mutex makes
// Close safe against concurrent TrySend: a room worker may still hold this
// connection in a fan-out snapshot taken just before a disconnect, and that
// late delivery must fall out as a miss, not a send on a closed channel.
type Conn struct {
	ID   string
	User Identity

	roomID int // current room, guarded by the owning registry's mutex

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewConn(id string, user Identity) *Conn {
	return &Conn{
		ID:     id,
		User:   user,
		roomID: GeneralRoomID,
		send:   make(chan []byte, 256),
	}
}

func (c *Conn) TrySend(payload []byte) bool {
	if payload == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Outbox is read by the write pump; it is closed exactly once when the
// connection is dropped.
func (c *Conn) Outbox() <-chan []byte { return c.send }

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Registry owns the map of live connections. It is created at startup,
// internally synchronized, and is the only way the rest of the hub touches
// connection state. An identity may hold several connections at once
// (multi-device); registering an existing connection id overwrites it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[c.ID]; ok && old != c {
		old.Close()
	}
	r.conns[c.ID] = c
}

// Unregister removes and returns the connection, or nil if it was never
// registered (removal is idempotent).
func (r *Registry) Unregister(connID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	return c
}

func (r *Registry) Lookup(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

func (r *Registry) SetRoom(connID string, roomID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	c.roomID = roomID
	return true
}

func (r *Registry) RoomOf(connID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return 0, false
	}
	return c.roomID, true
}

func (r *Registry) Connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionsOf returns every live connection of one identity.
func (r *Registry) ConnectionsOf(userID int) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.User.ID == userID {
			out = append(out, c)
		}
	}
	return out
}

// InRoom returns the connections currently joined to a room; this is the
// fan-out set for live delivery.
func (r *Registry) InRoom(roomID int) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.roomID == roomID {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot is the presence list: one entry per identity with at least one
// live connection, sorted by id so repeated broadcasts are stable.
func (r *Registry) Snapshot() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[int]Identity, len(r.conns))
	for _, c := range r.conns {
		seen[c.User.ID] = c.User
	}
	out := make([]Identity, 0, len(seen))
	for _, id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Drain removes every connection and returns them; used by the admin purge.
func (r *Registry) Drain() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, c)
		delete(r.conns, id)
	}
	return out
}
