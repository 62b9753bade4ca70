package models

import (
	"encoding/base64"
	"strconv"
	"strings"

	"teamchat/backend/internal/apperrors"
)

// Server to client event names.
const (
	EventNewMessage      = "newMessage"
	EventMessageUpdated  = "messageUpdated"
	EventMessageDeleted  = "messageDeleted"
	EventNewReply        = "newReply"
	EventNewReaction     = "newReaction"
	EventReactionUpdated = "reactionUpdated"
	EventReactionRemoved = "reactionRemoved"
	EventMessageRead     = "messageRead"
	EventMentioned       = "mentioned"
	EventUserJoined      = "userJoined"
	EventUserLeft        = "userLeft"
	EventRoomAdded       = "roomAdded"
	EventAuthenticated   = "authenticated"
	EventAck             = "ack"
	EventError           = "error"
)

// Client to server operations.
const (
	OpAuthenticate  = "authenticate"
	OpJoinRoom      = "join-room"
	OpLeaveRoom     = "leave-room"
	OpCreateMessage = "create-message"
	OpEditMessage   = "edit-message"
	OpDeleteMessage = "delete-message"
	OpReplyMessage  = "reply-message"
	OpReactMessage  = "react-message"
	OpMarkRead      = "mark-read"
	OpSearch        = "search-messages"
	OpFetchPage     = "fetch-page"
)

// Envelope is a single server to client frame.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Frame is a single client to server request.
type Frame struct {
	Op          string            `json:"op"`
	RequestID   string            `json:"requestId,omitempty"`
	Token       string            `json:"token,omitempty"`
	RoomID      string            `json:"roomId,omitempty"`
	MessageID   uint              `json:"messageId,omitempty"`
	ParentID    uint              `json:"parentId,omitempty"`
	Content     *string           `json:"content,omitempty"`
	Attachments []AttachmentInput `json:"attachments,omitempty"`
	Mentions    []string          `json:"mentions,omitempty"`
	Emoji       string            `json:"emoji,omitempty"`
	Query       string            `json:"query,omitempty"`
	SenderID    string            `json:"senderId,omitempty"`
	Cursor      string            `json:"cursor,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// AttachmentInput is a client-supplied file reference.
type AttachmentInput struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// MessageDeletedPayload carries only identity, never content.
type MessageDeletedPayload struct {
	MessageID uint   `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// MentionPayload is sent to the personal channel of a mentioned user.
type MentionPayload struct {
	RoomID  string      `json:"roomId"`
	Message MessageView `json:"message"`
}

// ReactionPayload describes a reaction change. Emoji is empty on removal.
type ReactionPayload struct {
	MessageID uint   `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji,omitempty"`
}

// ReadPayload announces a new read marker.
type ReadPayload struct {
	MessageID uint   `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
}

// MembershipPayload announces a connection joining or leaving a room.
type MembershipPayload struct {
	RoomID       string `json:"roomId"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// AuthenticatedPayload confirms that a connection has been admitted.
type AuthenticatedPayload struct {
	RequestID    string `json:"requestId,omitempty"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	ActiveRoom   string `json:"activeRoom,omitempty"`
}

// RoomStatePayload answers join-room and leave-room.
type RoomStatePayload struct {
	RoomID     string   `json:"roomId"`
	Changed    bool     `json:"changed"`
	ActiveRoom string   `json:"activeRoom,omitempty"`
	Rooms      []string `json:"rooms"`
}

// ErrorPayload answers a failed request.
type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// AckPayload answers a successful request.
type AckPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Page is one window of a room's history, newest first.
type Page struct {
	Messages   []MessageView `json:"messages"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// Cursor is an opaque pagination token naming the last message of the
// previous page.
type Cursor string

// CursorFor returns the cursor pointing after messageID.
func CursorFor(messageID uint) Cursor {
	raw := "m" + strconv.FormatUint(uint64(messageID), 10)
	return Cursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

// MessageID decodes the cursor. The empty cursor decodes to 0, meaning
// "start from the newest message".
func (c Cursor) MessageID() (uint, error) {
	if c == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil || !strings.HasPrefix(string(raw), "m") {
		return 0, apperrors.Validation("cursor", "malformed")
	}
	id, err := strconv.ParseUint(string(raw[1:]), 10, 64)
	if err != nil || id == 0 {
		return 0, apperrors.Validation("cursor", "malformed")
	}
	return uint(id), nil
}
