package messaging

import (
	"context"

	"teamchat/backend/internal/models"
)

// MessageEdit lists the fields an edit replaces. A nil field keeps the
// stored value. SetContent applies Content, where nil clears the text.
type MessageEdit struct {
	SetContent  bool
	Content     *string
	Attachments *[]models.Attachment
	Mentions    *[]string
}

// SearchQuery selects non-deleted messages of a room whose content contains
// Text, case-insensitively. Before is an exclusive id bound; 0 starts from
// the newest message.
type SearchQuery struct {
	RoomID   string
	Text     string
	SenderID string
	Before   uint
	Limit    int
}

// MessageStore persists messages and their annotations.
//
// Read paths (FindMessage, FindReaction) return nil without error when the
// row is absent. Mutating paths return a NotFoundError instead.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *models.Message) error
	FindMessage(ctx context.Context, id uint) (*models.Message, error)
	// UpdateMessage applies edit in one transaction and returns the stored
	// result, with its type recomputed. A deleted target is a ConflictError;
	// an edit leaving neither content nor attachments is a ValidationError.
	UpdateMessage(ctx context.Context, id uint, edit MessageEdit) (*models.Message, error)
	// MarkDeleted soft-deletes id and reports whether it already was.
	MarkDeleted(ctx context.Context, id uint) (*models.Message, bool, error)
	FindReaction(ctx context.Context, messageID uint, userID string) (*models.Reaction, error)
	// UpsertReaction sets the user's emoji on a message; nil removes it.
	UpsertReaction(ctx context.Context, messageID uint, userID string, emoji *string) error
	// UpsertReadMarker records a read and reports whether it is new.
	UpsertReadMarker(ctx context.Context, messageID uint, userID string) (*models.ReadMarker, bool, error)
	// FindPage returns up to limit messages of roomID with id < before
	// (any id when before is 0), newest first.
	FindPage(ctx context.Context, roomID string, before uint, limit int) ([]models.Message, error)
	Search(ctx context.Context, q SearchQuery) ([]models.Message, error)
}

// Membership resolves rooms and who belongs to them.
type Membership interface {
	FindRoom(ctx context.Context, id string) (*models.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Users resolves accounts; FindUser returns nil for an unknown id.
type Users interface {
	FindUser(ctx context.Context, id string) (*models.User, error)
}

// Broadcaster delivers events. Delivery is fire-and-forget.
type Broadcaster interface {
	ToRoom(roomID string, env models.Envelope)
	ToUser(userID string, env models.Envelope)
}
