package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Invite is transient, memory-only state. It lives from creation until the
// target responds or either party disconnects; nothing about it is ever
// persisted.
type Invite struct {
	ID        string
	From      Identity
	ToUserID  int
	Room      RoomRef
	CreatedAt time.Time
}

// InviteCoordinator tracks pending private-chat invitations.
type InviteCoordinator struct {
	mu      sync.Mutex
	pending map[string]*Invite
}

func NewInviteCoordinator() *InviteCoordinator {
	return &InviteCoordinator{pending: make(map[string]*Invite)}
}

// Add records a new invitation from one identity to another and derives
// the canonical private-room reference for the pair.
func (ic *InviteCoordinator) Add(from Identity, toUserID int) *Invite {
	inv := &Invite{
		ID:        uuid.NewString(),
		From:      from,
		ToUserID:  toUserID,
		Room:      PrivateRef(from.ID, toUserID),
		CreatedAt: time.Now(),
	}

	ic.mu.Lock()
	ic.pending[inv.ID] = inv
	ic.mu.Unlock()
	return inv
}

// Take removes and returns a pending invite. A second Take of the same id
// misses, so an invite can be answered at most once.
func (ic *InviteCoordinator) Take(inviteID string) (*Invite, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	inv, ok := ic.pending[inviteID]
	if ok {
		delete(ic.pending, inviteID)
	}
	return inv, ok
}

// PruneUser forgets every invite the user is a party to; called when their
// last connection goes away. Unanswered invites are simply dropped.
func (ic *InviteCoordinator) PruneUser(userID int) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for id, inv := range ic.pending {
		if inv.From.ID == userID || inv.ToUserID == userID {
			delete(ic.pending, id)
		}
	}
}

// Clear forgets everything pending; used by the admin purge.
func (ic *InviteCoordinator) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.pending = make(map[string]*Invite)
}

func (ic *InviteCoordinator) Len() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.pending)
}
