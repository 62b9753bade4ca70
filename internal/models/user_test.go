package models_test

import (
	"reflect"
	"testing"

	"teamchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// TestUserBeforeCreate_GeneratesUUID verifies that the BeforeCreate hook generates a valid UUID.
func TestUserBeforeCreate_GeneratesUUID(t *testing.T) {
	// Arrange
	user := &models.User{Email: "a@example.com", DisplayName: "A"}
	assert.Empty(t, user.ID, "User ID should be empty before BeforeCreate")

	// Act
	err := user.BeforeCreate(nil)

	// Assert
	assert.NoError(t, err)
	parsed, parseErr := uuid.Parse(user.ID)
	assert.NoError(t, parseErr, "User ID must be a valid UUID string")
	assert.NotEqual(t, uuid.Nil, parsed)
}

// TestUserBeforeCreate_PreservesExistingID verifies that the hook doesn't overwrite an existing ID.
func TestUserBeforeCreate_PreservesExistingID(t *testing.T) {
	existingID := uuid.New().String()
	user := &models.User{ID: existingID, Email: "b@example.com"}

	err := user.BeforeCreate(nil)

	assert.NoError(t, err)
	assert.Equal(t, existingID, user.ID)
}

// TestRoomBeforeCreate_MultipleRooms verifies unique UUIDs are generated for multiple rooms.
func TestRoomBeforeCreate_MultipleRooms(t *testing.T) {
	rooms := []*models.Room{{Name: "general"}, {Name: "random"}, {Name: "ops"}}
	seen := make(map[string]bool)

	for _, room := range rooms {
		assert.NoError(t, room.BeforeCreate(nil))
		assert.NotContains(t, seen, room.ID, "Each room should have a unique ID")
		seen[room.ID] = true
	}
	assert.Len(t, seen, len(rooms))
}

// TestUserStructTags guards the GORM and JSON tags the API relies on.
func TestUserStructTags(t *testing.T) {
	userType := reflect.TypeOf(models.User{})

	idField, found := userType.FieldByName("ID")
	assert.True(t, found)
	assert.Contains(t, idField.Tag.Get("gorm"), "primaryKey")

	emailField, found := userType.FieldByName("Email")
	assert.True(t, found)
	assert.Contains(t, emailField.Tag.Get("gorm"), "uniqueIndex")

	hashField, found := userType.FieldByName("PasswordHash")
	assert.True(t, found)
	assert.Equal(t, "-", hashField.Tag.Get("json"), "password hash must never be serialized")
}
