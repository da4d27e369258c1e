// Package admin exposes the operational endpoints the original server had:
// health, status, and the destructive purge utilities behind a password
// header. None of this is part of the chat protocol proper.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"kracken-chat/internal/chat"
	"kracken-chat/internal/db"
)

type Handler struct {
	db       *db.Database
	hub      *chat.Hub
	password string
	started  time.Time
}

func NewHandler(database *db.Database, hub *chat.Hub, password string) *Handler {
	return &Handler{db: database, hub: hub, password: password, started: time.Now()}
}

// Guard rejects requests without the admin password. Admin routes are not
// mounted at all when no password is configured; this is the second fence.
func (h *Handler) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		password := r.Header.Get("X-Admin-Password")
		if password == "" {
			password = r.URL.Query().Get("adminPassword")
		}
		if h.password == "" || password != h.password {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health reports process uptime and a live store round-trip.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dbStatus := "ok"
	if err := h.db.Conn.PingContext(r.Context()); err != nil {
		slog.Error("healthcheck db ping failed", "err", err)
		dbStatus = "error"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"uptimeSec": int(time.Since(h.started).Seconds()),
		"db":        dbStatus,
		"latencyMs": time.Since(start).Milliseconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status is the public node-status endpoint: connection and presence
// counts, no user data beyond what presence already broadcasts.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	online := h.hub.Registry().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"uptimeSec":        int(time.Since(h.started).Seconds()),
		"socketsConnected": len(h.hub.Registry().Connections()),
		"onlineUsersCount": len(online),
		"onlineUsers":      online,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

// DeleteMessages wipes the message table.
func (h *Handler) DeleteMessages(w http.ResponseWriter, r *http.Request) {
	tx, err := h.db.Conn.BeginTx(r.Context(), nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to delete messages"})
		return
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(r.Context(), "DELETE FROM messages")
	if err != nil {
		slog.Error("admin delete messages", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to delete messages"})
		return
	}
	if err := tx.Commit(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to delete messages"})
		return
	}

	deleted, _ := res.RowsAffected()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

// DeleteUsers purges everything in FK order and resets runtime state so no
// stale connection survives its own account.
func (h *Handler) DeleteUsers(w http.ResponseWriter, r *http.Request) {
	tx, err := h.db.Conn.BeginTx(r.Context(), nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to delete users"})
		return
	}
	defer tx.Rollback()

	// FK order: messages, participants, rooms, users.
	for _, stmt := range []string{
		"DELETE FROM messages",
		"DELETE FROM chat_room_participants",
		"DELETE FROM chat_rooms",
	} {
		if _, err := tx.ExecContext(r.Context(), stmt); err != nil {
			slog.Error("admin delete users", "stmt", stmt, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to delete users"})
			return
		}
	}
	res, err := tx.ExecContext(r.Context(), "DELETE FROM users")
	if err != nil {
		slog.Error("admin delete users", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to delete users"})
		return
	}
	if err := tx.Commit(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to delete users"})
		return
	}

	h.hub.Reset()
	if err := h.db.AutoMigrate(); err != nil {
		// re-seed the general room; without it the next join fails
		slog.Error("re-seeding after purge", "err", err)
	}

	deleted, _ := res.RowsAffected()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
