package chathub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"teamchat/backend/internal/auth"
	"teamchat/backend/internal/auth/authfake"
	"teamchat/backend/internal/chathub"
	"teamchat/backend/internal/messaging"
	"teamchat/backend/internal/models"
	"teamchat/backend/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type wireEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (p *wsPeer) send(f models.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(f))
}

// await reads until an envelope named event arrives and decodes its
// payload into out. Other events are skipped.
func (p *wsPeer) await(event string, out any) {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		var env wireEnvelope
		require.NoError(p.t, p.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if out != nil {
			require.NoError(p.t, json.Unmarshal(env.Payload, out))
		}
		return
	}
}

// awaitAck reads until the ack answering requestID arrives.
func (p *wsPeer) awaitAck(requestID string, data any) {
	p.t.Helper()
	for {
		var ack struct {
			RequestID string          `json:"requestId"`
			Data      json.RawMessage `json:"data"`
		}
		p.await(models.EventAck, &ack)
		if ack.RequestID != requestID {
			continue
		}
		if data != nil {
			require.NoError(p.t, json.Unmarshal(ack.Data, data))
		}
		return
	}
}

type e2eEnv struct {
	server *httptest.Server
	hub    *chathub.ManagerService
	tokens *auth.TokenService
	store  *storage.Service
}

func newE2E(t *testing.T) *e2eEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, storage.Migrate(db))
	store := storage.NewStorageService(db, nil)

	tokens := auth.NewTokenService(auth.TokenConfig{
		Secret:     []byte("e2e-secret"),
		Issuer:     "teamchat-test",
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	}, authfake.NewFakeRefreshTokenStore(), store)

	reg := chathub.NewRegistry(4)
	engine := messaging.NewEngine(store, store, store, chathub.NewBroadcaster(reg), messaging.Options{})
	hub := chathub.NewManagerService(reg, tokens, engine, store)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := chathub.NewWebSocketClient(ws, hub, 64)
		hub.Connect(client, r.URL.Query().Get("access_token"))
		client.Run()
	}))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	return &e2eEnv{server: srv, hub: hub, tokens: tokens, store: store}
}

func (e *e2eEnv) dial(t *testing.T, token string) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if token != "" {
		url += "?access_token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func TestEndToEnd_TwoMembersShareARoom(t *testing.T) {
	e := newE2E(t)
	ctx := context.Background()

	alice := &models.User{Email: "alice@example.com", PasswordHash: "x"}
	bob := &models.User{Email: "bob@example.com", PasswordHash: "x"}
	require.NoError(t, e.store.CreateUser(ctx, alice))
	require.NoError(t, e.store.CreateUser(ctx, bob))
	room := &models.Room{Name: "general", CreatedBy: alice.ID}
	require.NoError(t, e.store.CreateRoom(ctx, room, []string{bob.ID}))

	alicePair, err := e.tokens.Mint(alice.ID)
	require.NoError(t, err)
	bobPair, err := e.tokens.Mint(bob.ID)
	require.NoError(t, err)

	// A authenticates during the handshake, B afterwards.
	a := e.dial(t, alicePair.AccessToken)
	var authed models.AuthenticatedPayload
	a.await(models.EventAuthenticated, &authed)
	assert.Equal(t, alice.ID, authed.UserID)

	b := e.dial(t, "")
	b.send(models.Frame{Op: models.OpJoinRoom, RequestID: "early", RoomID: room.ID})
	var refused models.ErrorPayload
	b.await(models.EventError, &refused)
	assert.Equal(t, "auth_invalid", refused.Code)

	b.send(models.Frame{Op: models.OpAuthenticate, Token: bobPair.AccessToken})
	b.await(models.EventAuthenticated, &authed)
	assert.Equal(t, bob.ID, authed.UserID)

	a.send(models.Frame{Op: models.OpJoinRoom, RequestID: "ja", RoomID: room.ID})
	a.awaitAck("ja", nil)
	b.send(models.Frame{Op: models.OpJoinRoom, RequestID: "jb", RoomID: room.ID})
	var joined models.MembershipPayload
	a.await(models.EventUserJoined, &joined)
	assert.Equal(t, bob.ID, joined.UserID)

	content := "hello bob"
	a.send(models.Frame{Op: models.OpCreateMessage, RequestID: "m1", RoomID: room.ID, Content: &content, Mentions: []string{bob.ID}})
	var created models.MessageView
	b.await(models.EventNewMessage, &created)
	assert.Equal(t, "hello bob", *created.Content)
	var mention models.MentionPayload
	b.await(models.EventMentioned, &mention)
	assert.Equal(t, created.ID, mention.Message.ID)

	b.send(models.Frame{Op: models.OpReactMessage, MessageID: created.ID, Emoji: "👍"})
	var reaction models.ReactionPayload
	a.await(models.EventNewReaction, &reaction)
	assert.Equal(t, bob.ID, reaction.UserID)

	b.send(models.Frame{Op: models.OpMarkRead, MessageID: created.ID})
	var read models.ReadPayload
	a.await(models.EventMessageRead, &read)
	assert.Equal(t, models.ReadPayload{MessageID: created.ID, RoomID: room.ID, UserID: bob.ID}, read)

	a.send(models.Frame{Op: models.OpDeleteMessage, MessageID: created.ID})
	var deleted models.MessageDeletedPayload
	b.await(models.EventMessageDeleted, &deleted)
	assert.Equal(t, models.MessageDeletedPayload{MessageID: created.ID, RoomID: room.ID}, deleted)

	b.send(models.Frame{Op: models.OpFetchPage, RequestID: "page", RoomID: room.ID})
	var page models.Page
	b.awaitAck("page", &page)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].IsDeleted)
	assert.Nil(t, page.Messages[0].Content)

	require.NoError(t, b.conn.Close())
	var left models.MembershipPayload
	a.await(models.EventUserLeft, &left)
	assert.Equal(t, bob.ID, left.UserID)
}
