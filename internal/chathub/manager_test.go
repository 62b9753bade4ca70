package chathub_test

import (
	"context"
	"errors"
	"testing"

	"teamchat/backend/internal/apperrors"
	"teamchat/backend/internal/auth"
	"teamchat/backend/internal/chathub"
	"teamchat/backend/internal/messaging"
	"teamchat/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) VerifyAccess(token string) (auth.Identity, error) {
	args := m.Called(token)
	return args.Get(0).(auth.Identity), args.Error(1)
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Create(ctx context.Context, actor string, d messaging.Draft) (models.MessageView, error) {
	args := m.Called(ctx, actor, d)
	return args.Get(0).(models.MessageView), args.Error(1)
}

func (m *MockEngine) Reply(ctx context.Context, actor string, parentID uint, d messaging.Draft) (models.MessageView, error) {
	args := m.Called(ctx, actor, parentID, d)
	return args.Get(0).(models.MessageView), args.Error(1)
}

func (m *MockEngine) Edit(ctx context.Context, actor string, messageID uint, d messaging.Draft) (models.MessageView, error) {
	args := m.Called(ctx, actor, messageID, d)
	return args.Get(0).(models.MessageView), args.Error(1)
}

func (m *MockEngine) Delete(ctx context.Context, actor string, messageID uint) (messaging.DeleteResult, error) {
	args := m.Called(ctx, actor, messageID)
	return args.Get(0).(messaging.DeleteResult), args.Error(1)
}

func (m *MockEngine) React(ctx context.Context, actor string, messageID uint, emoji string) (messaging.ReactionResult, error) {
	args := m.Called(ctx, actor, messageID, emoji)
	return args.Get(0).(messaging.ReactionResult), args.Error(1)
}

func (m *MockEngine) MarkRead(ctx context.Context, actor string, messageID uint) (messaging.ReadResult, error) {
	args := m.Called(ctx, actor, messageID)
	return args.Get(0).(messaging.ReadResult), args.Error(1)
}

func (m *MockEngine) FetchPage(ctx context.Context, actor, roomID string, cursor models.Cursor, limit int) (models.Page, error) {
	args := m.Called(ctx, actor, roomID, cursor, limit)
	return args.Get(0).(models.Page), args.Error(1)
}

func (m *MockEngine) Search(ctx context.Context, actor, roomID, query, senderID string, cursor models.Cursor, limit int) (models.Page, error) {
	args := m.Called(ctx, actor, roomID, query, senderID, cursor, limit)
	return args.Get(0).(models.Page), args.Error(1)
}

// fakeRooms treats members as room id -> user ids.
type fakeRooms map[string][]string

func (f fakeRooms) FindRoom(_ context.Context, id string) (*models.Room, error) {
	if _, ok := f[id]; !ok {
		return nil, nil
	}
	return &models.Room{ID: id}, nil
}

func (f fakeRooms) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	for _, u := range f[roomID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func newTestHub(t *testing.T) (*chathub.ManagerService, *MockVerifier, *MockEngine) {
	t.Helper()
	verifier := new(MockVerifier)
	verifier.On("VerifyAccess", "token-alice").Return(auth.Identity{UserID: "alice"}, nil)
	verifier.On("VerifyAccess", "token-bob").Return(auth.Identity{UserID: "bob"}, nil)
	verifier.On("VerifyAccess", mock.Anything).Return(auth.Identity{}, apperrors.Auth(apperrors.AuthExpired, nil))

	engine := new(MockEngine)
	rooms := fakeRooms{"r1": {"alice", "bob"}, "r2": {"bob"}}
	hub := chathub.NewManagerService(chathub.NewRegistry(4), verifier, engine, rooms)
	return hub, verifier, engine
}

func TestManager_ConnectWithToken(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := newMockClient("c1")

	conn := hub.Connect(client, "token-alice")

	env := client.expect(t, models.EventAuthenticated)
	payload := env.Payload.(models.AuthenticatedPayload)
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, "c1", payload.ConnectionID)
	assert.Equal(t, "alice", conn.UserID())
}

func TestManager_ConnectWithBadTokenStaysPreAuth(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := newMockClient("c1")

	conn := hub.Connect(client, "stale")
	env := client.expect(t, models.EventError)
	assert.Equal(t, "auth_expired", env.Payload.(models.ErrorPayload).Code)
	assert.Empty(t, conn.UserID())

	hub.Receive("c1", models.Frame{Op: models.OpJoinRoom, RequestID: "1", RoomID: "r1"})
	env = client.expect(t, models.EventError)
	assert.Equal(t, "1", env.Payload.(models.ErrorPayload).RequestID)
	assert.Equal(t, "auth_invalid", env.Payload.(models.ErrorPayload).Code)

	hub.Receive("c1", models.Frame{Op: models.OpAuthenticate, RequestID: "2", Token: "token-alice"})
	env = client.expect(t, models.EventAuthenticated)
	assert.Equal(t, "2", env.Payload.(models.AuthenticatedPayload).RequestID)
}

func TestManager_JoinLeaveNotifiesRoom(t *testing.T) {
	hub, _, _ := newTestHub(t)
	alice := newMockClient("a")
	bob := newMockClient("b")
	hub.Connect(alice, "token-alice")
	hub.Connect(bob, "token-bob")
	alice.drain()
	bob.drain()

	hub.Receive("b", models.Frame{Op: models.OpJoinRoom, RequestID: "j", RoomID: "r1"})
	bob.expect(t, models.EventUserJoined)
	ack := bob.expect(t, models.EventAck).Payload.(models.AckPayload)
	state := ack.Data.(models.RoomStatePayload)
	assert.True(t, state.Changed)
	assert.Equal(t, "r1", state.ActiveRoom)

	hub.Receive("a", models.Frame{Op: models.OpJoinRoom, RoomID: "r1"})
	joined := bob.expect(t, models.EventUserJoined).Payload.(models.MembershipPayload)
	assert.Equal(t, models.MembershipPayload{RoomID: "r1", UserID: "alice", ConnectionID: "a"}, joined)
	alice.drain()

	hub.Receive("a", models.Frame{Op: models.OpJoinRoom, RoomID: "r1"})
	assert.Equal(t, []string{models.EventAck}, alice.events(), "rejoining is silent")
	assert.Empty(t, bob.events())

	hub.Receive("a", models.Frame{Op: models.OpLeaveRoom, RoomID: "r1"})
	left := bob.expect(t, models.EventUserLeft).Payload.(models.MembershipPayload)
	assert.Equal(t, "alice", left.UserID)
}

func TestManager_JoinRequiresMembership(t *testing.T) {
	hub, _, _ := newTestHub(t)
	alice := newMockClient("a")
	hub.Connect(alice, "token-alice")
	alice.drain()

	hub.Receive("a", models.Frame{Op: models.OpJoinRoom, RoomID: "r2"})
	assert.Equal(t, "permission", alice.expect(t, models.EventError).Payload.(models.ErrorPayload).Code)

	hub.Receive("a", models.Frame{Op: models.OpJoinRoom, RoomID: "missing"})
	assert.Equal(t, "not_found", alice.expect(t, models.EventError).Payload.(models.ErrorPayload).Code)
}

func TestManager_DispatchesToEngine(t *testing.T) {
	hub, _, engine := newTestHub(t)
	alice := newMockClient("a")
	hub.Connect(alice, "token-alice")
	alice.drain()

	content := "hello"
	view := models.MessageView{ID: 7, RoomID: "r1", SenderID: "alice", Content: &content}
	engine.On("Create", mock.Anything, "alice", messaging.Draft{RoomID: "r1", Content: &content}).Return(view, nil)
	engine.On("Delete", mock.Anything, "alice", uint(7)).
		Return(messaging.DeleteResult{}, apperrors.Permission("delete", "nope"))
	engine.On("MarkRead", mock.Anything, "alice", uint(8)).
		Return(messaging.ReadResult{}, errors.New("db down"))

	hub.Receive("a", models.Frame{Op: models.OpCreateMessage, RequestID: "c", RoomID: "r1", Content: &content})
	ack := alice.expect(t, models.EventAck).Payload.(models.AckPayload)
	assert.Equal(t, "c", ack.RequestID)
	assert.Equal(t, view, ack.Data)

	hub.Receive("a", models.Frame{Op: models.OpDeleteMessage, RequestID: "d", MessageID: 7})
	fail := alice.expect(t, models.EventError).Payload.(models.ErrorPayload)
	assert.Equal(t, "permission", fail.Code)
	assert.Equal(t, "d", fail.RequestID)

	hub.Receive("a", models.Frame{Op: models.OpMarkRead, MessageID: 8})
	fail = alice.expect(t, models.EventError).Payload.(models.ErrorPayload)
	assert.Equal(t, "internal", fail.Code)
	assert.Equal(t, "internal error", fail.Message, "internal details are not leaked")

	hub.Receive("a", models.Frame{Op: "dance"})
	assert.Equal(t, "validation", alice.expect(t, models.EventError).Payload.(models.ErrorPayload).Code)

	engine.AssertExpectations(t)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	hub, _, _ := newTestHub(t)
	alice := newMockClient("a")
	bob := newMockClient("b")
	hub.Connect(alice, "token-alice")
	hub.Connect(bob, "token-bob")
	hub.Receive("a", models.Frame{Op: models.OpJoinRoom, RoomID: "r1"})
	hub.Receive("b", models.Frame{Op: models.OpJoinRoom, RoomID: "r1"})
	bob.drain()

	hub.Disconnect("a")
	hub.Disconnect("a")

	assert.True(t, alice.IsClosed())
	assert.Equal(t, []string{models.EventUserLeft}, bob.events())
	assert.Nil(t, hub.Registry.Get("a"))

	// Frames racing a disconnect are ignored.
	hub.Receive("a", models.Frame{Op: models.OpJoinRoom, RoomID: "r1"})
	assert.Empty(t, bob.events())
}

func TestManager_Shutdown(t *testing.T) {
	hub, _, _ := newTestHub(t)
	clients := []*MockClient{newMockClient("a"), newMockClient("b")}
	for _, c := range clients {
		hub.Connect(c, "")
	}

	hub.Shutdown()

	require.Zero(t, hub.Registry.Len())
	for _, c := range clients {
		assert.True(t, c.IsClosed())
	}
}
