package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Wire protocol: every frame is a JSON object tagged with "type". The set
// of inbound and outbound kinds is closed; anything else is rejected at the
// boundary before it reaches a handler. Event names match the original
// Socket.IO protocol so existing clients keep working.

const (
	// inbound
	EventJoinRoom       = "join_room"
	EventSendMessage    = "send_message"
	EventPrivateInvite  = "private_invite"
	EventInviteResponse = "private_invite_response"

	// outbound
	EventRoomJoined    = "room_joined"
	EventNewMessage    = "new_message"
	EventOnlineUsers   = "online_users"
	EventInvitation    = "private_invitation"
	EventInvitationAck = "invitation_response_ack"
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventError         = "error"
)

// Inbound is the decoded form of a client frame.
type Inbound interface{ inbound() }

type JoinRoom struct {
	Room string `json:"room"`
}

type SendMessage struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

type PrivateInvite struct {
	ToUserID int `json:"to_user_id"`
}

type InviteResponse struct {
	InviteID string `json:"invite_id"`
	Accepted bool   `json:"accepted"`
}

func (JoinRoom) inbound()       {}
func (SendMessage) inbound()    {}
func (PrivateInvite) inbound()  {}
func (InviteResponse) inbound() {}

type inboundEnvelope struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Content  string `json:"content"`
	ToUserID int    `json:"to_user_id"`
	InviteID string `json:"invite_id"`
	Accepted *bool  `json:"accepted"`
}

// DecodeInbound parses and validates one client frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case EventJoinRoom:
		return JoinRoom{Room: env.Room}, nil
	case EventSendMessage:
		return SendMessage{Room: env.Room, Content: env.Content}, nil
	case EventPrivateInvite:
		if env.ToUserID <= 0 {
			return nil, fmt.Errorf("%s requires to_user_id", EventPrivateInvite)
		}
		return PrivateInvite{ToUserID: env.ToUserID}, nil
	case EventInviteResponse:
		if env.InviteID == "" || env.Accepted == nil {
			return nil, fmt.Errorf("%s requires invite_id and accepted", EventInviteResponse)
		}
		return InviteResponse{InviteID: env.InviteID, Accepted: *env.Accepted}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// Outbound event payloads.

type roomJoinedEvent struct {
	Type     string     `json:"type"`
	RoomID   int        `json:"room_id"`
	Room     string     `json:"room"`
	Messages []*Message `json:"messages"`
}

type newMessageEvent struct {
	Type string `json:"type"`
	*Message
}

type onlineUsersEvent struct {
	Type  string     `json:"type"`
	Users []Identity `json:"users"`
}

type invitationEvent struct {
	Type     string   `json:"type"`
	InviteID string   `json:"invite_id"`
	Room     string   `json:"room"`
	FromUser Identity `json:"from_user"`
}

type invitationAckEvent struct {
	Type     string   `json:"type"`
	Accepted bool     `json:"accepted"`
	Room     string   `json:"room"`
	ToUser   Identity `json:"to_user"`
}

type presenceChangeEvent struct {
	Type     string `json:"type"` // user_joined or user_left
	Username string `json:"username"`
	Message  string `json:"message"`
}

type errorEvent struct {
	Type    string    `json:"type"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func encodeRoomJoined(roomID int, ref RoomRef, history []*Message) []byte {
	if history == nil {
		history = []*Message{}
	}
	return marshalEvent(roomJoinedEvent{Type: EventRoomJoined, RoomID: roomID, Room: ref.String(), Messages: history})
}

func encodeNewMessage(m *Message) []byte {
	return marshalEvent(newMessageEvent{Type: EventNewMessage, Message: m})
}

func encodeOnlineUsers(users []Identity) []byte {
	if users == nil {
		users = []Identity{}
	}
	return marshalEvent(onlineUsersEvent{Type: EventOnlineUsers, Users: users})
}

func encodeInvitation(inv *Invite) []byte {
	return marshalEvent(invitationEvent{Type: EventInvitation, InviteID: inv.ID, Room: inv.Room.String(), FromUser: inv.From})
}

func encodeInvitationAck(inv *Invite, to Identity, accepted bool) []byte {
	return marshalEvent(invitationAckEvent{Type: EventInvitationAck, Accepted: accepted, Room: inv.Room.String(), ToUser: to})
}

func encodePresenceChange(typ, username string) []byte {
	verb := "joined"
	if typ == EventUserLeft {
		verb = "left"
	}
	return marshalEvent(presenceChangeEvent{Type: typ, Username: username, Message: fmt.Sprintf("%s %s the chat", username, verb)})
}

func encodeError(e *OpError) []byte {
	return marshalEvent(errorEvent{Type: EventError, Kind: e.Kind, Message: e.Message})
}

func marshalEvent(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding outbound event", "err", err)
		return nil
	}
	return data
}
