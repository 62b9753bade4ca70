package chathub

import (
	"context"
	"errors"

	"teamchat/backend/internal/apperrors"
	"teamchat/backend/internal/auth"
	"teamchat/backend/internal/config"
	"teamchat/backend/internal/messaging"
	"teamchat/backend/internal/models"

	"github.com/rs/zerolog/log"
)

// TokenVerifier checks access tokens presented by connections.
type TokenVerifier interface {
	VerifyAccess(token string) (auth.Identity, error)
}

// MessageEngine is the message lifecycle as seen by the hub.
type MessageEngine interface {
	Create(ctx context.Context, actor string, d messaging.Draft) (models.MessageView, error)
	Reply(ctx context.Context, actor string, parentID uint, d messaging.Draft) (models.MessageView, error)
	Edit(ctx context.Context, actor string, messageID uint, d messaging.Draft) (models.MessageView, error)
	Delete(ctx context.Context, actor string, messageID uint) (messaging.DeleteResult, error)
	React(ctx context.Context, actor string, messageID uint, emoji string) (messaging.ReactionResult, error)
	MarkRead(ctx context.Context, actor string, messageID uint) (messaging.ReadResult, error)
	FetchPage(ctx context.Context, actor, roomID string, cursor models.Cursor, limit int) (models.Page, error)
	Search(ctx context.Context, actor, roomID, query, senderID string, cursor models.Cursor, limit int) (models.Page, error)
}

// ManagerService is the realtime hub. It owns the connection lifecycle and
// turns inbound frames into registry changes or engine calls, answering
// each frame with an ack or an error on the originating connection.
type ManagerService struct {
	Registry    *Registry
	Broadcaster *Broadcaster

	tokens TokenVerifier
	engine MessageEngine
	rooms  messaging.Membership

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManagerService wires the hub.
func NewManagerService(reg *Registry, tokens TokenVerifier, engine MessageEngine, rooms messaging.Membership) *ManagerService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ManagerService{
		Registry:    reg,
		Broadcaster: NewBroadcaster(reg),
		tokens:      tokens,
		engine:      engine,
		rooms:       rooms,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect registers client. A non-empty token is verified immediately; on
// failure the client is told so and stays unauthenticated, free to send an
// authenticate frame later.
func (m *ManagerService) Connect(client Client, token string) *Connection {
	conn := m.Registry.Register(client)
	log.Debug().Str("conn_id", conn.ID()).Msg("connection registered")

	if token != "" {
		m.authenticate(conn, models.Frame{Op: models.OpAuthenticate, Token: token})
	}
	return conn
}

// Disconnect removes the connection, tells the rooms it left and closes
// the client. Safe to call more than once.
func (m *ManagerService) Disconnect(connID string) {
	conn := m.Registry.Get(connID)
	if conn == nil {
		return
	}
	userID := conn.UserID()
	left := m.Registry.Remove(conn)
	for _, roomID := range left {
		m.Broadcaster.ToRoom(roomID, models.Envelope{
			Event:   models.EventUserLeft,
			Payload: models.MembershipPayload{RoomID: roomID, UserID: userID, ConnectionID: connID},
		})
	}
	conn.Client().Close()
	log.Debug().Str("conn_id", connID).Str("user_id", userID).Int("rooms_left", len(left)).Msg("connection removed")
}

// Shutdown disconnects every client.
func (m *ManagerService) Shutdown() {
	m.cancel()
	conns := m.Registry.All()
	for _, c := range conns {
		m.Disconnect(c.ID())
	}
	log.Info().Int("connections", len(conns)).Msg("hub shut down")
}

// Receive handles one inbound frame from connID.
func (m *ManagerService) Receive(connID string, f models.Frame) {
	conn := m.Registry.Get(connID)
	if conn == nil {
		return
	}

	if f.Op == models.OpAuthenticate {
		m.authenticate(conn, f)
		return
	}

	userID := conn.UserID()
	if userID == "" {
		m.fail(conn, f.RequestID, ErrNotAdmitted)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, config.OpTimeout)
	defer cancel()

	data, err := m.dispatch(ctx, conn, userID, f)
	if err != nil {
		m.fail(conn, f.RequestID, err)
		return
	}
	m.Broadcaster.ToConnection(conn.ID(), models.Envelope{
		Event:   models.EventAck,
		Payload: models.AckPayload{RequestID: f.RequestID, Data: data},
	})
}

func (m *ManagerService) dispatch(ctx context.Context, conn *Connection, userID string, f models.Frame) (any, error) {
	draft := messaging.Draft{
		RoomID:      f.RoomID,
		Content:     f.Content,
		Attachments: f.Attachments,
		Mentions:    f.Mentions,
	}

	switch f.Op {
	case models.OpJoinRoom:
		return m.joinRoom(ctx, conn, userID, f.RoomID)
	case models.OpLeaveRoom:
		return m.leaveRoom(conn, userID, f.RoomID)
	case models.OpCreateMessage:
		return m.engine.Create(ctx, userID, draft)
	case models.OpReplyMessage:
		return m.engine.Reply(ctx, userID, f.ParentID, draft)
	case models.OpEditMessage:
		return m.engine.Edit(ctx, userID, f.MessageID, draft)
	case models.OpDeleteMessage:
		return m.engine.Delete(ctx, userID, f.MessageID)
	case models.OpReactMessage:
		return m.engine.React(ctx, userID, f.MessageID, f.Emoji)
	case models.OpMarkRead:
		return m.engine.MarkRead(ctx, userID, f.MessageID)
	case models.OpFetchPage:
		return m.engine.FetchPage(ctx, userID, f.RoomID, models.Cursor(f.Cursor), f.Limit)
	case models.OpSearch:
		return m.engine.Search(ctx, userID, f.RoomID, f.Query, f.SenderID, models.Cursor(f.Cursor), f.Limit)
	default:
		return nil, apperrors.Validation("op", "unknown operation "+f.Op)
	}
}

func (m *ManagerService) authenticate(conn *Connection, f models.Frame) {
	id, err := m.tokens.VerifyAccess(f.Token)
	if err != nil {
		m.fail(conn, f.RequestID, err)
		return
	}
	if err := m.Registry.Admit(conn, id.UserID); err != nil {
		m.fail(conn, f.RequestID, err)
		return
	}

	log.Info().Str("conn_id", conn.ID()).Str("user_id", id.UserID).Msg("connection authenticated")
	m.Broadcaster.ToConnection(conn.ID(), models.Envelope{
		Event: models.EventAuthenticated,
		Payload: models.AuthenticatedPayload{
			RequestID:    f.RequestID,
			UserID:       id.UserID,
			ConnectionID: conn.ID(),
			ActiveRoom:   conn.ActiveRoom(),
		},
	})
}

func (m *ManagerService) joinRoom(ctx context.Context, conn *Connection, userID, roomID string) (models.RoomStatePayload, error) {
	if roomID == "" {
		return models.RoomStatePayload{}, apperrors.Validation("room_id", "required")
	}
	room, err := m.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return models.RoomStatePayload{}, err
	}
	if room == nil {
		return models.RoomStatePayload{}, apperrors.NotFound("room", roomID)
	}
	member, err := m.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return models.RoomStatePayload{}, err
	}
	if !member {
		return models.RoomStatePayload{}, apperrors.Permission("join room", "not a member")
	}

	changed, err := m.Registry.Join(conn, roomID)
	if err != nil {
		return models.RoomStatePayload{}, err
	}
	if changed {
		m.Broadcaster.ToRoom(roomID, models.Envelope{
			Event:   models.EventUserJoined,
			Payload: models.MembershipPayload{RoomID: roomID, UserID: userID, ConnectionID: conn.ID()},
		})
	}
	return m.roomState(conn, roomID, changed), nil
}

func (m *ManagerService) leaveRoom(conn *Connection, userID, roomID string) (models.RoomStatePayload, error) {
	if roomID == "" {
		return models.RoomStatePayload{}, apperrors.Validation("room_id", "required")
	}
	changed := m.Registry.Leave(conn, roomID)
	if changed {
		m.Broadcaster.ToRoom(roomID, models.Envelope{
			Event:   models.EventUserLeft,
			Payload: models.MembershipPayload{RoomID: roomID, UserID: userID, ConnectionID: conn.ID()},
		})
	}
	return m.roomState(conn, roomID, changed), nil
}

func (m *ManagerService) roomState(conn *Connection, roomID string, changed bool) models.RoomStatePayload {
	return models.RoomStatePayload{
		RoomID:     roomID,
		Changed:    changed,
		ActiveRoom: conn.ActiveRoom(),
		Rooms:      conn.Rooms(),
	}
}

// fail answers the originating connection with an error frame. Internal
// errors are logged and reported without detail.
func (m *ManagerService) fail(conn *Connection, requestID string, err error) {
	code := apperrors.Code(err)
	msg := err.Error()
	if code == "internal" {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("conn_id", conn.ID()).Str("request_id", requestID).Msg("frame handling failed")
		}
		msg = "internal error"
	}
	m.Broadcaster.ToConnection(conn.ID(), models.Envelope{
		Event:   models.EventError,
		Payload: models.ErrorPayload{RequestID: requestID, Code: code, Message: msg},
	})
}
