package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"teamchat/backend/internal/apperrors"
	"teamchat/backend/internal/messaging"
	"teamchat/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	_ messaging.MessageStore = (*Service)(nil)
	_ messaging.Membership   = (*Service)(nil)
	_ messaging.Users        = (*Service)(nil)
)

func withAssociations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Mentions").
		Preload("Reactions").
		Preload("ReadMarkers")
}

func loadMessage(db *gorm.DB, id uint) (*models.Message, error) {
	var msg models.Message
	if err := withAssociations(db).First(&msg, id).Error; err != nil {
		return nil, notFound(err, "message", strconv.FormatUint(uint64(id), 10))
	}
	return &msg, nil
}

// InsertMessage stores msg with its attachments and mentions. msg.ID is
// filled in.
func (s *Service) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.State == "" {
		msg.State = models.StateActive
	}
	for i := range msg.Attachments {
		msg.Attachments[i].Position = i
	}
	return s.DB.WithContext(ctx).Create(msg).Error
}

// FindMessage returns the message with id, or nil.
func (s *Service) FindMessage(ctx context.Context, id uint) (*models.Message, error) {
	msg, err := loadMessage(s.DB.WithContext(ctx), id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

// UpdateMessage applies the provided fields of edit to id. Fields left nil
// are untouched.
func (s *Service) UpdateMessage(ctx context.Context, id uint, edit messaging.MessageEdit) (*models.Message, error) {
	var out *models.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		fields := map[string]any{
			"state":      models.StateEdited,
			"updated_at": now,
			"edited_at":  now,
		}
		if edit.SetContent {
			fields["content"] = edit.Content
		}
		res := tx.Model(&models.Message{}).
			Where("id = ? AND state <> ?", id, models.StateDeleted).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := loadMessage(tx, id); err != nil {
				return err
			}
			return apperrors.Conflict("message is deleted")
		}

		if edit.Attachments != nil {
			if err := replaceAttachments(tx, id, *edit.Attachments); err != nil {
				return err
			}
		}
		if edit.Mentions != nil {
			if err := replaceMentions(tx, id, *edit.Mentions); err != nil {
				return err
			}
		}

		msg, err := loadMessage(tx, id)
		if err != nil {
			return err
		}
		if msg.Content == nil && len(msg.Attachments) == 0 {
			return apperrors.Validation("content", "content or attachment required")
		}
		if msg.Type != models.MessageSystem {
			if typ := models.TypeFor(msg.Content); typ != msg.Type {
				if err := tx.Model(&models.Message{}).Where("id = ?", id).Update("type", typ).Error; err != nil {
					return err
				}
				msg.Type = typ
			}
		}
		out = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func replaceAttachments(tx *gorm.DB, id uint, in []models.Attachment) error {
	if err := tx.Where("message_id = ?", id).Delete(&models.Attachment{}).Error; err != nil {
		return err
	}
	if len(in) == 0 {
		return nil
	}
	atts := make([]models.Attachment, len(in))
	for i, a := range in {
		a.ID = 0
		a.MessageID = id
		a.Position = i
		atts[i] = a
	}
	return tx.Create(&atts).Error
}

func replaceMentions(tx *gorm.DB, id uint, userIDs []string) error {
	if err := tx.Where("message_id = ?", id).Delete(&models.Mention{}).Error; err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}
	mentions := make([]models.Mention, 0, len(userIDs))
	for _, uid := range userIDs {
		mentions = append(mentions, models.Mention{MessageID: id, UserID: uid})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&mentions).Error
}

// MarkDeleted soft-deletes id. The second result is true when the message
// was already deleted and nothing changed.
func (s *Service) MarkDeleted(ctx context.Context, id uint) (*models.Message, bool, error) {
	db := s.DB.WithContext(ctx)
	res := db.Model(&models.Message{}).
		Where("id = ? AND state <> ?", id, models.StateDeleted).
		Updates(map[string]any{
			"state":      models.StateDeleted,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}

	msg, err := loadMessage(db, id)
	if err != nil {
		return nil, false, err
	}
	return msg, res.RowsAffected == 0, nil
}

// FindReaction returns the user's reaction on a message, or nil.
func (s *Service) FindReaction(ctx context.Context, messageID uint, userID string) (*models.Reaction, error) {
	var r models.Reaction
	err := s.DB.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertReaction sets or, with a nil emoji, removes a reaction.
func (s *Service) UpsertReaction(ctx context.Context, messageID uint, userID string, emoji *string) error {
	db := s.DB.WithContext(ctx)
	if emoji == nil {
		return db.Where("message_id = ? AND user_id = ?", messageID, userID).
			Delete(&models.Reaction{}).Error
	}

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"emoji", "updated_at"}),
	}).Create(&models.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     *emoji,
		UpdatedAt: time.Now(),
	}).Error
}

// UpsertReadMarker records that userID read messageID. The bool is true
// only for the first read.
func (s *Service) UpsertReadMarker(ctx context.Context, messageID uint, userID string) (*models.ReadMarker, bool, error) {
	marker := &models.ReadMarker{MessageID: messageID, UserID: userID, ReadAt: time.Now()}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(marker)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return marker, true, nil
	}

	var existing models.ReadMarker
	err := s.DB.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&existing).Error
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// FindPage returns a window of roomID newest first.
func (s *Service) FindPage(ctx context.Context, roomID string, before uint, limit int) ([]models.Message, error) {
	q := s.DB.WithContext(ctx).Where("room_id = ?", roomID)
	if before > 0 {
		q = q.Where("id < ?", before)
	}

	var msgs []models.Message
	err := withAssociations(q).Order("id desc").Limit(limit).Find(&msgs).Error
	return msgs, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search runs a case-insensitive substring match over non-deleted
// messages.
func (s *Service) Search(ctx context.Context, sq messaging.SearchQuery) ([]models.Message, error) {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(sq.Text)) + "%"

	q := s.DB.WithContext(ctx).
		Where("room_id = ? AND state <> ?", sq.RoomID, models.StateDeleted).
		Where(`LOWER(content) LIKE ? ESCAPE '\'`, pattern)
	if sq.SenderID != "" {
		q = q.Where("sender_id = ?", sq.SenderID)
	}
	if sq.Before > 0 {
		q = q.Where("id < ?", sq.Before)
	}

	var msgs []models.Message
	err := withAssociations(q).Order("id desc").Limit(sq.Limit).Find(&msgs).Error
	return msgs, err
}
