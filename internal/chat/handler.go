package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kracken-chat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

type Handler struct {
	hub   *Hub
	store Store
}

func NewHandler(hub *Hub, store Store) *Handler {
	return &Handler{hub: hub, store: store}
}

// ServeWs upgrades an authenticated request, attaches the connection to the
// hub and drops it straight into the general room so the first thing a
// client sees is the room history.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserKey).(int)
	username, ok2 := r.Context().Value(middleware.UsernameKey).(string)
	if !ok || !ok2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade", "err", err)
		return
	}

	sess := NewConn(uuid.NewString(), Identity{ID: userID, Username: username})
	client := NewClient(h.hub, ws, sess)

	// Attach before the pumps start: the read pump's deferred Detach must
	// never be able to run ahead of the registration it undoes.
	h.hub.Attach(sess)
	if err := h.hub.JoinRoom(context.Background(), sess.ID, "general"); err != nil {
		slog.Error("auto-joining general room", "conn_id", sess.ID, "err", err)
	}
	client.Start()
}

// StartConversation finds or creates the private room between the caller
// and a peer: POST /api/conversations {"peer_id": N}.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserKey).(int)
	username, _ := r.Context().Value(middleware.UsernameKey).(string)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		PeerID int `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID <= 0 || req.PeerID == userID {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}

	ref := PrivateRef(userID, req.PeerID)
	roomID, err := h.hub.Router().ResolveID(r.Context(), Identity{ID: userID, Username: username}, ref)
	if err != nil {
		writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"conversation_id": roomID,
		"room":            ref.String(),
	})
}

// GetChatHistory returns the recent messages of a room the caller belongs
// to: GET /api/messages?conversation_id=N.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := strconv.Atoi(r.URL.Query().Get("conversation_id"))
	if err != nil || roomID <= 0 {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	member, err := h.store.IsParticipant(r.Context(), roomID, userID)
	if err != nil {
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	messages, err := h.store.RecentMessages(r.Context(), roomID, HistoryLimit)
	if err != nil {
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func writeOpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	if op, ok := err.(*OpError); ok {
		msg = op.Message
		switch op.Kind {
		case KindForbidden:
			status = http.StatusForbidden
		case KindInvalidRoom, KindInvalidContent:
			status = http.StatusBadRequest
		case KindNotAuthenticated:
			status = http.StatusUnauthorized
		default:
			status = http.StatusInternalServerError
		}
	}
	http.Error(w, msg, status)
}
