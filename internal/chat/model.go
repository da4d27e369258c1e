package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GeneralRoomID is the well-known singleton room every user belongs to.
const GeneralRoomID = 1

// Identity is the authenticated user behind a connection.
type Identity struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type Room struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"` // 'general' or 'private'
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID        int       `json:"id"`
	RoomID    int       `json:"room_id"`
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"` // denormalized so clients never join
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// RoomRef is a logical room reference as clients speak it: the literal
// "general", or "private_<a>_<b>" for the unordered pair of user ids.
// Private refs are always normalized so UserA < UserB; the normalized
// string doubles as the canonical pair key that deduplicates private rooms.
type RoomRef struct {
	Private bool
	UserA   int
	UserB   int
}

func GeneralRef() RoomRef { return RoomRef{} }

// PrivateRef normalizes the unordered pair to a canonical order.
func PrivateRef(a, b int) RoomRef {
	if a > b {
		a, b = b, a
	}
	return RoomRef{Private: true, UserA: a, UserB: b}
}

// ParseRoomRef validates and normalizes a wire-format room reference.
func ParseRoomRef(s string) (RoomRef, error) {
	if s == "" || s == "general" {
		return GeneralRef(), nil
	}

	rest, ok := strings.CutPrefix(s, "private_")
	if !ok {
		return RoomRef{}, fmt.Errorf("malformed room reference %q", s)
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 2 {
		return RoomRef{}, fmt.Errorf("malformed room reference %q", s)
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	if errA != nil || errB != nil || a <= 0 || b <= 0 || a == b {
		return RoomRef{}, fmt.Errorf("malformed room reference %q", s)
	}
	return PrivateRef(a, b), nil
}

func (r RoomRef) String() string {
	if !r.Private {
		return "general"
	}
	return fmt.Sprintf("private_%d_%d", r.UserA, r.UserB)
}

// PairKey is the canonical key stored on the room row; at most one private
// room may ever exist per key.
func (r RoomRef) PairKey() string { return r.String() }

// Includes reports whether the user is a party to this reference. Everyone
// is a party to the general room.
func (r RoomRef) Includes(userID int) bool {
	if !r.Private {
		return true
	}
	return userID == r.UserA || userID == r.UserB
}
