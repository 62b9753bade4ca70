package storage_test

import (
	"context"
	"testing"

	"teamchat/backend/internal/models"
	"teamchat/backend/internal/storage"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "failed to open test database")

	// Every pooled connection would otherwise see its own empty database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, storage.Migrate(db), "failed to migrate test database")
	return db
}

func setupTestStorage(t *testing.T) *storage.Service {
	t.Helper()
	return storage.NewStorageService(setupTestDB(t), nil)
}

func createUser(t *testing.T, s *storage.Service, email string) *models.User {
	t.Helper()
	u := &models.User{Email: email, PasswordHash: "x", DisplayName: email}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func createRoom(t *testing.T, s *storage.Service, owner string, members ...string) *models.Room {
	t.Helper()
	r := &models.Room{Name: "general", CreatedBy: owner}
	require.NoError(t, s.CreateRoom(context.Background(), r, members))
	return r
}
