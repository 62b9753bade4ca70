package storage

import (
	"context"
	"errors"
	"time"

	"teamchat/backend/internal/apperrors"
	"teamchat/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateRoom inserts room and its initial members in one transaction.
// The creator is always a member.
func (s *Service) CreateRoom(ctx context.Context, room *models.Room, memberIDs []string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}

		seen := map[string]bool{}
		members := make([]models.RoomMember, 0, len(memberIDs)+1)
		now := time.Now()
		for _, id := range append([]string{room.CreatedBy}, memberIDs...) {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			members = append(members, models.RoomMember{RoomID: room.ID, UserID: id, JoinedAt: now})
		}
		return tx.Create(&members).Error
	})
}

// AddMember adds userID to roomID and reports whether it was newly added.
func (s *Service) AddMember(ctx context.Context, roomID, userID string) (bool, error) {
	room, err := s.FindRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room == nil {
		return false, apperrors.NotFound("room", roomID)
	}
	user, err := s.FindUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, apperrors.NotFound("user", userID)
	}

	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.RoomMember{RoomID: roomID, UserID: userID, JoinedAt: time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindRoom returns the room with id, or nil.
func (s *Service) FindRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// IsMember reports whether userID belongs to roomID.
func (s *Service) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&n).Error
	return n > 0, err
}

// RoomsForUser lists the rooms userID belongs to, oldest first.
func (s *Service) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := s.DB.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("rooms.created_at asc").
		Find(&rooms).Error
	return rooms, err
}

// MemberIDs lists the user ids of roomID.
func (s *Service) MemberIDs(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ?", roomID).
		Order("joined_at asc").
		Pluck("user_id", &ids).Error
	return ids, err
}
