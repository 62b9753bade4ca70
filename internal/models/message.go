package models

import (
	"time"

	"teamchat/backend/internal/apperrors"
)

// MessageType tags the kind of content a message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MessageState is the lifecycle state of a message.
// Active and Edited accept mutations; Deleted is terminal.
type MessageState string

const (
	StateActive  MessageState = "active"
	StateEdited  MessageState = "edited"
	StateDeleted MessageState = "deleted"
)

// Transition is a mutation requested against a message.
type Transition int

const (
	TransitionEdit Transition = iota
	TransitionDelete
	// TransitionAnnotate covers reactions and read markers, which do not
	// change the state but are refused once a message is deleted.
	TransitionAnnotate
)

// Next returns the state reached by applying t, or a ConflictError when
// the transition is not allowed from s.
func (s MessageState) Next(t Transition) (MessageState, error) {
	switch s {
	case StateActive, StateEdited:
		switch t {
		case TransitionEdit:
			return StateEdited, nil
		case TransitionDelete:
			return StateDeleted, nil
		case TransitionAnnotate:
			return s, nil
		}
	case StateDeleted:
		switch t {
		case TransitionDelete:
			// Idempotent; callers distinguish the repeat by comparing states.
			return StateDeleted, nil
		case TransitionEdit, TransitionAnnotate:
			return StateDeleted, apperrors.Conflict("message is deleted")
		}
	}
	return s, apperrors.Conflict("unknown message state " + string(s))
}

// IsDeleted reports whether the message is soft-deleted.
func (s MessageState) IsDeleted() bool { return s == StateDeleted }

// Message is a persisted chat message.
// The auto-increment ID is also the pagination cursor: ordering by ID is
// creation order.
type Message struct {
	ID        uint         `gorm:"primaryKey"`
	RoomID    string       `gorm:"type:text;not null;index:idx_room_msg,priority:1"`
	SenderID  string       `gorm:"type:text;not null;index"`
	Content   *string      `gorm:"type:text"`
	Type      MessageType  `gorm:"type:text;not null"`
	ParentID  *uint        `gorm:"index"`
	State     MessageState `gorm:"type:text;not null;default:active"`
	CreatedAt time.Time    `gorm:"index:idx_room_msg,priority:2"`
	UpdatedAt time.Time
	// EditedAt is set by the first edit and survives deletion.
	EditedAt *time.Time

	Attachments []Attachment `gorm:"constraint:OnDelete:CASCADE"`
	Mentions    []Mention    `gorm:"constraint:OnDelete:CASCADE"`
	Reactions   []Reaction   `gorm:"constraint:OnDelete:CASCADE"`
	ReadMarkers []ReadMarker `gorm:"constraint:OnDelete:CASCADE"`
}

// Edited reports whether the message was ever edited, deleted or not.
func (m *Message) Edited() bool {
	return m.EditedAt != nil || m.State == StateEdited
}

// TypeFor returns the type of a user message with the given content.
func TypeFor(content *string) MessageType {
	if content == nil {
		return MessageFile
	}
	return MessageText
}

// Attachment is a reference to a file held by the object store.
type Attachment struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	MessageID uint   `gorm:"not null;index" json:"-"`
	Position  int    `gorm:"not null" json:"-"`
	FileID    string `gorm:"not null" json:"fileId"`
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
}

// Mention references a user mentioned by a message.
type Mention struct {
	MessageID uint   `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
}

// Reaction is at most one emoji per (message, user).
type Reaction struct {
	MessageID uint   `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Emoji     string `gorm:"not null"`
	UpdatedAt time.Time
}

// ReadMarker records that a user has read a message.
type ReadMarker struct {
	MessageID uint   `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	ReadAt    time.Time
}

// MessageView is the wire form of a message. Deleted messages keep their
// identity and room but expose no content.
type MessageView struct {
	ID          uint             `json:"id"`
	RoomID      string           `json:"roomId"`
	SenderID    string           `json:"senderId"`
	Content     *string          `json:"content"`
	Type        MessageType      `json:"type"`
	ParentID    *uint            `json:"parentId,omitempty"`
	IsEdited    bool             `json:"isEdited"`
	IsDeleted   bool             `json:"isDeleted"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	Attachments []Attachment     `json:"attachments"`
	Mentions    []string         `json:"mentions"`
	Reactions   []ReactionView   `json:"reactions"`
	ReadBy      []ReadMarkerView `json:"readBy"`
}

type ReactionView struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

type ReadMarkerView struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// View converts m to its wire form.
func (m *Message) View() MessageView {
	v := MessageView{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		Type:        m.Type,
		ParentID:    m.ParentID,
		IsEdited:    m.Edited(),
		IsDeleted:   m.State.IsDeleted(),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		Attachments: []Attachment{},
		Mentions:    []string{},
		Reactions:   []ReactionView{},
		ReadBy:      []ReadMarkerView{},
	}
	if v.IsDeleted {
		return v
	}

	v.Content = m.Content
	v.Attachments = append(v.Attachments, m.Attachments...)
	for _, mn := range m.Mentions {
		v.Mentions = append(v.Mentions, mn.UserID)
	}
	for _, r := range m.Reactions {
		v.Reactions = append(v.Reactions, ReactionView{UserID: r.UserID, Emoji: r.Emoji})
	}
	for _, rm := range m.ReadMarkers {
		v.ReadBy = append(v.ReadBy, ReadMarkerView{UserID: rm.UserID, ReadAt: rm.ReadAt})
	}
	return v
}

// Views converts a slice of messages.
func Views(msgs []Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].View())
	}
	return out
}
