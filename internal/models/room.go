package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Room is a chat that a fixed set of members may read and write.
type Room struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedBy string    `gorm:"not null" json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// BeforeCreate assigns a UUID when the ID is empty.
func (r *Room) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

// RoomMember is a membership edge between a room and a user.
type RoomMember struct {
	RoomID   string    `gorm:"primaryKey" json:"roomId"`
	UserID   string    `gorm:"primaryKey;index" json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}
