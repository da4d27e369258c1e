package chat

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// HistoryLimit caps the history returned on room join.
const HistoryLimit = 50

// Router resolves logical room references to durable room ids, creating
// private rooms lazily. Concurrent resolves of the same canonical pair are
// collapsed through singleflight so one process issues at most one
// create-if-absent per key at a time; the store's unique constraint covers
// the cross-process race.
type Router struct {
	store Store
	group singleflight.Group
}

func NewRouter(store Store) *Router {
	return &Router{store: store}
}

// Resolve returns the durable room id for a reference plus the recent
// history, oldest first. The requester must be a party to a private pair.
func (rt *Router) Resolve(ctx context.Context, requester Identity, ref RoomRef) (int, []*Message, error) {
	roomID, err := rt.ResolveID(ctx, requester, ref)
	if err != nil {
		return 0, nil, err
	}

	history, err := rt.store.RecentMessages(ctx, roomID, HistoryLimit)
	if err != nil {
		return 0, nil, opErr(KindStoreUnavailable, "failed to load room history")
	}
	return roomID, history, nil
}

// ResolveID is Resolve without the history fetch.
func (rt *Router) ResolveID(ctx context.Context, requester Identity, ref RoomRef) (int, error) {
	if !ref.Private {
		if err := rt.store.EnsureParticipant(ctx, GeneralRoomID, requester.ID); err != nil {
			return 0, opErr(KindStoreUnavailable, "failed to join room")
		}
		return GeneralRoomID, nil
	}

	if !ref.Includes(requester.ID) {
		return 0, opErr(KindForbidden, "you are not a party to this private room")
	}

	v, err, _ := rt.group.Do(ref.PairKey(), func() (interface{}, error) {
		return rt.store.FindOrCreatePrivateRoom(ctx, ref, requester.ID)
	})
	if err != nil {
		return 0, opErr(KindStoreUnavailable, "failed to resolve private room")
	}
	return v.(int), nil
}
