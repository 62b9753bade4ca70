// Package authfake provides in-memory collaborators for tests of code that
// depends on the auth package.
package authfake

import (
	"context"
	"sync"
	"time"

	"teamchat/backend/internal/auth"
	"teamchat/backend/internal/models"

	"github.com/google/uuid"
)

var _ auth.RefreshTokenStore = (*FakeRefreshTokenStore)(nil)

type fakeRecord struct {
	rec   auth.RefreshRecord
	token string
}

// FakeRefreshTokenStore is a map-backed RefreshTokenStore.
type FakeRefreshTokenStore struct {
	lock    sync.Mutex
	records map[string]*fakeRecord // record id -> record
	tokens  map[string]string      // token -> record id

	ReplaceCalls int
}

func NewFakeRefreshTokenStore() *FakeRefreshTokenStore {
	return &FakeRefreshTokenStore{
		records: make(map[string]*fakeRecord),
		tokens:  make(map[string]string),
	}
}

func (s *FakeRefreshTokenStore) Create(_ context.Context, userID, token string, expiresAt time.Time) (*auth.RefreshRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	r := &fakeRecord{
		rec:   auth.RefreshRecord{ID: uuid.NewString(), UserID: userID, ExpiresAt: expiresAt},
		token: token,
	}
	s.records[r.rec.ID] = r
	s.tokens[token] = r.rec.ID
	out := r.rec
	return &out, nil
}

func (s *FakeRefreshTokenStore) FindByToken(_ context.Context, token string) (*auth.RefreshRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	out := s.records[id].rec
	return &out, nil
}

func (s *FakeRefreshTokenStore) DeleteAllForUser(_ context.Context, userID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for id, r := range s.records {
		if r.rec.UserID == userID {
			delete(s.tokens, r.token)
			delete(s.records, id)
		}
	}
	return nil
}

func (s *FakeRefreshTokenStore) DeleteByToken(_ context.Context, token string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if id, ok := s.tokens[token]; ok {
		delete(s.records, id)
		delete(s.tokens, token)
	}
	return nil
}

func (s *FakeRefreshTokenStore) Replace(_ context.Context, recordID, oldToken, newToken string, expiresAt time.Time) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.ReplaceCalls++
	r, ok := s.records[recordID]
	if !ok || r.token != oldToken {
		return false, nil
	}
	delete(s.tokens, oldToken)
	r.token = newToken
	r.rec.ExpiresAt = expiresAt
	s.tokens[newToken] = recordID
	return true, nil
}

// CountForUser returns how many records userID holds.
func (s *FakeRefreshTokenStore) CountForUser(userID string) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	n := 0
	for _, r := range s.records {
		if r.rec.UserID == userID {
			n++
		}
	}
	return n
}

// FakeUsers is a map-backed auth.UserLookup.
type FakeUsers struct {
	lock  sync.RWMutex
	users map[string]*models.User
}

func NewFakeUsers(users ...*models.User) *FakeUsers {
	f := &FakeUsers{users: make(map[string]*models.User)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *FakeUsers) FindUser(_ context.Context, userID string) (*models.User, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.users[userID], nil
}

func (f *FakeUsers) Delete(userID string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.users, userID)
}
