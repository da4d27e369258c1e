package chat

import (
	"encoding/json"
	"testing"
)

func TestDecodeInboundKinds(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Inbound
	}{
		{"join", `{"type":"join_room","room":"general"}`, JoinRoom{Room: "general"}},
		{"send", `{"type":"send_message","room":"private_1_2","content":"hi"}`, SendMessage{Room: "private_1_2", Content: "hi"}},
		{"invite", `{"type":"private_invite","to_user_id":7}`, PrivateInvite{ToUserID: 7}},
		{"response", `{"type":"private_invite_response","invite_id":"abc","accepted":true}`, InviteResponse{InviteID: "abc", Accepted: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDecodeInboundRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"type":"shutdown_server"}`,
		`{"type":"private_invite"}`,
		`{"type":"private_invite","to_user_id":0}`,
		`{"type":"private_invite_response","invite_id":"abc"}`,
		`{"type":"private_invite_response","accepted":true}`,
	} {
		if _, err := DecodeInbound([]byte(raw)); err == nil {
			t.Errorf("DecodeInbound(%q) should fail", raw)
		}
	}
}

func TestEncodeErrorCarriesKind(t *testing.T) {
	payload := encodeError(opErr(KindNotOnline, "user 7 is not online"))

	var ev struct {
		Type    string `json:"type"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if ev.Type != EventError || ev.Kind != string(KindNotOnline) || ev.Message == "" {
		t.Fatalf("unexpected error event: %+v", ev)
	}
}

func TestEncodeOnlineUsersNeverNull(t *testing.T) {
	payload := encodeOnlineUsers(nil)

	var ev struct {
		Users []Identity `json:"users"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if ev.Users == nil {
		t.Fatal("users must encode as [] not null")
	}
}

func TestEncodeRoomJoinedEmptyHistory(t *testing.T) {
	payload := encodeRoomJoined(GeneralRoomID, GeneralRef(), nil)

	var ev struct {
		Type     string     `json:"type"`
		RoomID   int        `json:"room_id"`
		Room     string     `json:"room"`
		Messages []*Message `json:"messages"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if ev.Type != EventRoomJoined || ev.RoomID != GeneralRoomID || ev.Room != "general" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Messages == nil {
		t.Fatal("messages must encode as [] not null")
	}
}
