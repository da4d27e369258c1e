package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"kracken-chat/internal/middleware"
)

func newWsServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	store := newMemStore()
	h := NewHub(store, nil)
	t.Cleanup(h.Close)

	handler := NewHandler(h, store)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// stand in for the auth middleware
		ctx := context.WithValue(r.Context(), middleware.UserKey, 1)
		ctx = context.WithValue(ctx, middleware.UsernameKey, "alice")
		handler.ServeWs(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func dialWs(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wsReader splits batched frames (the write pump packs queued payloads into
// one message, newline-separated) back into events.
type wsReader struct {
	t     *testing.T
	conn  *websocket.Conn
	queue [][]byte
}

func (r *wsReader) next(wantType string) map[string]any {
	r.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for len(r.queue) > 0 {
			line := bytes.TrimSpace(r.queue[0])
			r.queue = r.queue[1:]
			if len(line) == 0 {
				continue
			}
			var ev map[string]any
			require.NoError(r.t, json.Unmarshal(line, &ev))
			if ev["type"] == wantType {
				return ev
			}
		}
		r.conn.SetReadDeadline(deadline)
		_, data, err := r.conn.ReadMessage()
		require.NoError(r.t, err, "waiting for %s event", wantType)
		r.queue = append(r.queue, bytes.Split(data, []byte{'\n'})...)
	}
}

func TestServeWsLifecycle(t *testing.T) {
	h, srv := newWsServer(t)
	conn := dialWs(t, srv)
	reader := &wsReader{t: t, conn: conn}

	// the connection is registered before the pumps start, so presence and
	// the general-room auto-join are the first things a client sees
	ev := reader.next(EventOnlineUsers)
	require.Len(t, ev["users"].([]any), 1)
	joined := reader.next(EventRoomJoined)
	require.EqualValues(t, GeneralRoomID, joined["room_id"])

	require.Len(t, h.Registry().Connections(), 1)

	// closing the socket must detach the registration it belongs to; no
	// ghost identity may survive in the presence snapshot
	conn.Close()
	require.Eventually(t, func() bool {
		return len(h.Registry().Connections()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, h.Registry().Snapshot())
}

func TestServeWsRoundTrip(t *testing.T) {
	_, srv := newWsServer(t)
	conn := dialWs(t, srv)
	reader := &wsReader{t: t, conn: conn}
	reader.next(EventRoomJoined)

	frame := `{"type":"send_message","room":"general","content":"hello"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	ev := reader.next(EventNewMessage)
	require.Equal(t, "hello", ev["content"])
}

func TestServeWsAcceptsEscapedMaxContent(t *testing.T) {
	// 1000 runes of content is valid no matter how the client encodes the
	// JSON; a frame with every rune \u-escaped must stay under the read limit
	_, srv := newWsServer(t)
	conn := dialWs(t, srv)
	reader := &wsReader{t: t, conn: conn}
	reader.next(EventRoomJoined)

	frame := `{"type":"send_message","room":"general","content":"` +
		strings.Repeat(`\u044f`, 1000) + `"}` // 6 bytes on the wire per rune
	require.Greater(t, len(frame), 4096, "frame must exceed the raw-UTF-8 estimate")
	require.Less(t, len(frame), maxFrameSize)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	ev := reader.next(EventNewMessage)
	require.Equal(t, strings.Repeat("я", 1000), ev["content"])
}
