// Package messaging implements the message lifecycle: who may create, edit,
// delete, reply to, react to and read a message, what state it moves to,
// and which event each accepted mutation produces.
//
// Every operation validates first and mutates second. A failed operation
// returns a typed error from apperrors and produces neither a store write
// nor an event.
package messaging

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"teamchat/backend/internal/apperrors"
	"teamchat/backend/internal/config"
	"teamchat/backend/internal/models"

	"github.com/rs/zerolog/log"
)

// Draft is the user-supplied body of a new message or an edit. In an edit a
// nil field is left as it is, a non-nil one replaces the stored value: an
// empty slice clears attachments or mentions and blank content clears the
// text.
type Draft struct {
	RoomID      string
	Content     *string
	Attachments []models.AttachmentInput
	Mentions    []string
}

// DeleteResult reports the outcome of a delete. AlreadyDeleted is true when
// the message had been deleted before and no event was sent.
type DeleteResult struct {
	Message        models.MessageView `json:"message"`
	AlreadyDeleted bool               `json:"alreadyDeleted"`
}

// ReactionKind names what a react call did.
type ReactionKind string

const (
	ReactionAdded   ReactionKind = "added"
	ReactionUpdated ReactionKind = "updated"
	ReactionRemoved ReactionKind = "removed"
)

// ReactionResult reports the outcome of a react call.
type ReactionResult struct {
	Kind    ReactionKind           `json:"kind"`
	Payload models.ReactionPayload `json:"reaction"`
}

// ReadResult reports the outcome of markRead.
type ReadResult struct {
	Created bool `json:"created"`
}

// Options tunes pagination.
type Options struct {
	PageDefaultLimit int
	PageMaxLimit     int
}

// Engine applies message operations on behalf of an authenticated actor.
type Engine struct {
	store MessageStore
	rooms Membership
	users Users
	bus   Broadcaster
	opts  Options
}

// NewEngine creates an Engine.
func NewEngine(store MessageStore, rooms Membership, users Users, bus Broadcaster, opts Options) *Engine {
	if opts.PageMaxLimit <= 0 {
		opts.PageMaxLimit = 200
	}
	if opts.PageDefaultLimit <= 0 || opts.PageDefaultLimit > opts.PageMaxLimit {
		opts.PageDefaultLimit = min(50, opts.PageMaxLimit)
	}
	return &Engine{store: store, rooms: rooms, users: users, bus: bus, opts: opts}
}

// Create posts a new message to a room the actor belongs to.
func (e *Engine) Create(ctx context.Context, actor string, d Draft) (models.MessageView, error) {
	if d.RoomID == "" {
		return models.MessageView{}, apperrors.Validation("room_id", "required")
	}
	msg, err := e.newMessage(ctx, actor, d)
	if err != nil {
		return models.MessageView{}, err
	}

	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return models.MessageView{}, fmt.Errorf("insert message: %w", err)
	}

	view := msg.View()
	e.bus.ToRoom(msg.RoomID, models.Envelope{Event: models.EventNewMessage, Payload: view})
	e.notifyMentions(actor, view, nil)

	log.Debug().Str("room_id", msg.RoomID).Uint("message_id", msg.ID).Str("user_id", actor).Msg("message created")
	return view, nil
}

// Reply posts a message threaded under parentID. The parent must live in
// the same room and must not be deleted. An empty Draft.RoomID defaults to
// the parent's room. Membership is checked before anything about the
// parent is disclosed.
func (e *Engine) Reply(ctx context.Context, actor string, parentID uint, d Draft) (models.MessageView, error) {
	if parentID == 0 {
		return models.MessageView{}, apperrors.Validation("parent_id", "required")
	}
	if d.RoomID != "" {
		if err := e.requireMember(ctx, d.RoomID, actor); err != nil {
			return models.MessageView{}, err
		}
	}
	parent, err := e.findMessage(ctx, parentID)
	if err != nil {
		return models.MessageView{}, err
	}
	if err := e.requireMember(ctx, parent.RoomID, actor); err != nil {
		return models.MessageView{}, err
	}
	if d.RoomID == "" {
		d.RoomID = parent.RoomID
	}
	if parent.RoomID != d.RoomID {
		return models.MessageView{}, apperrors.Validation("parent_id", "parent belongs to another room")
	}
	if parent.State.IsDeleted() {
		return models.MessageView{}, apperrors.Conflict("parent message is deleted")
	}

	msg, err := e.newMessage(ctx, actor, d)
	if err != nil {
		return models.MessageView{}, err
	}
	msg.ParentID = &parent.ID

	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return models.MessageView{}, fmt.Errorf("insert reply: %w", err)
	}

	view := msg.View()
	e.bus.ToRoom(msg.RoomID, models.Envelope{Event: models.EventNewReply, Payload: view})
	e.notifyMentions(actor, view, nil)
	return view, nil
}

// PostSystem records a system message in roomID on behalf of actor, who
// is not required to be a member. Used for membership notices.
func (e *Engine) PostSystem(ctx context.Context, actor, roomID, text string) (models.MessageView, error) {
	if roomID == "" || text == "" {
		return models.MessageView{}, apperrors.Validation("content", "required")
	}
	msg := &models.Message{
		RoomID:   roomID,
		SenderID: actor,
		Content:  &text,
		Type:     models.MessageSystem,
		State:    models.StateActive,
	}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return models.MessageView{}, fmt.Errorf("insert system message: %w", err)
	}
	view := msg.View()
	e.bus.ToRoom(roomID, models.Envelope{Event: models.EventNewMessage, Payload: view})
	return view, nil
}

// Edit replaces the provided fields of the actor's own message and leaves
// the rest untouched. Only the sender, while still a member, may edit;
// editing a deleted message is a ConflictError.
func (e *Engine) Edit(ctx context.Context, actor string, messageID uint, d Draft) (models.MessageView, error) {
	msg, err := e.findMessage(ctx, messageID)
	if err != nil {
		return models.MessageView{}, err
	}
	if msg.SenderID != actor {
		return models.MessageView{}, apperrors.Permission("edit", "only the sender may edit")
	}
	if err := e.requireMember(ctx, msg.RoomID, actor); err != nil {
		return models.MessageView{}, err
	}
	if msg.Type == models.MessageSystem {
		return models.MessageView{}, apperrors.Permission("edit", "system messages are immutable")
	}
	if _, err := msg.State.Next(models.TransitionEdit); err != nil {
		return models.MessageView{}, err
	}

	edit, err := e.editOf(ctx, msg, d)
	if err != nil {
		return models.MessageView{}, err
	}

	previous := map[string]bool{}
	for _, m := range msg.Mentions {
		previous[m.UserID] = true
	}

	updated, err := e.store.UpdateMessage(ctx, messageID, edit)
	if err != nil {
		return models.MessageView{}, err
	}

	view := updated.View()
	e.bus.ToRoom(updated.RoomID, models.Envelope{Event: models.EventMessageUpdated, Payload: view})
	e.notifyMentions(actor, view, previous)
	return view, nil
}

// editOf validates d against msg as it will look after the edit and
// returns the fields to store.
func (e *Engine) editOf(ctx context.Context, msg *models.Message, d Draft) (MessageEdit, error) {
	if d.Content == nil && d.Attachments == nil && d.Mentions == nil {
		return MessageEdit{}, apperrors.Validation("edit", "nothing to change")
	}

	var edit MessageEdit
	after := Draft{Content: msg.Content, Attachments: inputsOf(msg.Attachments)}
	if d.Content != nil {
		edit.SetContent = true
		edit.Content = normalizeContent(d.Content)
		after.Content = edit.Content
	}
	if d.Attachments != nil {
		after.Attachments = d.Attachments
	}
	after.Mentions = d.Mentions
	if err := validateBody(after); err != nil {
		return MessageEdit{}, err
	}

	if d.Attachments != nil {
		atts := toAttachments(d.Attachments)
		if atts == nil {
			atts = []models.Attachment{}
		}
		edit.Attachments = &atts
	}
	if d.Mentions != nil {
		mentions, err := e.memberMentions(ctx, msg.RoomID, d.Mentions)
		if err != nil {
			return MessageEdit{}, err
		}
		edit.Mentions = &mentions
	}
	return edit, nil
}

// Delete soft-deletes a message. The sender and admins may delete.
// Deleting twice succeeds, reports AlreadyDeleted and sends no second
// event.
func (e *Engine) Delete(ctx context.Context, actor string, messageID uint) (DeleteResult, error) {
	msg, err := e.findMessage(ctx, messageID)
	if err != nil {
		return DeleteResult{}, err
	}
	allowed, err := e.mayDelete(ctx, actor, msg)
	if err != nil {
		return DeleteResult{}, err
	}
	if !allowed {
		return DeleteResult{}, apperrors.Permission("delete", "only the sender or an admin may delete")
	}
	if msg.State.IsDeleted() {
		return DeleteResult{Message: msg.View(), AlreadyDeleted: true}, nil
	}

	deleted, already, err := e.store.MarkDeleted(ctx, messageID)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("mark deleted: %w", err)
	}
	if !already {
		e.bus.ToRoom(deleted.RoomID, models.Envelope{
			Event:   models.EventMessageDeleted,
			Payload: models.MessageDeletedPayload{MessageID: deleted.ID, RoomID: deleted.RoomID},
		})
		log.Info().Uint("message_id", deleted.ID).Str("room_id", deleted.RoomID).Str("user_id", actor).Msg("message deleted")
	}
	return DeleteResult{Message: deleted.View(), AlreadyDeleted: already}, nil
}

// React toggles the actor's reaction: no reaction adds emoji, the same
// emoji removes it, a different emoji replaces it. Every outcome is
// broadcast.
func (e *Engine) React(ctx context.Context, actor string, messageID uint, emoji string) (ReactionResult, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ReactionResult{}, apperrors.Validation("emoji", "required")
	}
	if utf8.RuneCountInString(emoji) > config.MaxEmojiLength {
		return ReactionResult{}, apperrors.Validation("emoji", "too long")
	}

	msg, err := e.annotatable(ctx, actor, messageID)
	if err != nil {
		return ReactionResult{}, err
	}

	existing, err := e.store.FindReaction(ctx, messageID, actor)
	if err != nil {
		return ReactionResult{}, fmt.Errorf("find reaction: %w", err)
	}

	res := ReactionResult{Payload: models.ReactionPayload{MessageID: msg.ID, RoomID: msg.RoomID, UserID: actor}}
	var event string
	switch {
	case existing == nil:
		err = e.store.UpsertReaction(ctx, messageID, actor, &emoji)
		res.Kind, res.Payload.Emoji, event = ReactionAdded, emoji, models.EventNewReaction
	case existing.Emoji == emoji:
		err = e.store.UpsertReaction(ctx, messageID, actor, nil)
		res.Kind, event = ReactionRemoved, models.EventReactionRemoved
	default:
		err = e.store.UpsertReaction(ctx, messageID, actor, &emoji)
		res.Kind, res.Payload.Emoji, event = ReactionUpdated, emoji, models.EventReactionUpdated
	}
	if err != nil {
		return ReactionResult{}, fmt.Errorf("upsert reaction: %w", err)
	}

	e.bus.ToRoom(msg.RoomID, models.Envelope{Event: event, Payload: res.Payload})
	return res, nil
}

// MarkRead records that the actor has read a message. Only the first mark
// is announced.
func (e *Engine) MarkRead(ctx context.Context, actor string, messageID uint) (ReadResult, error) {
	msg, err := e.annotatable(ctx, actor, messageID)
	if err != nil {
		return ReadResult{}, err
	}

	_, created, err := e.store.UpsertReadMarker(ctx, messageID, actor)
	if err != nil {
		return ReadResult{}, fmt.Errorf("upsert read marker: %w", err)
	}
	if created {
		e.bus.ToRoom(msg.RoomID, models.Envelope{
			Event:   models.EventMessageRead,
			Payload: models.ReadPayload{MessageID: msg.ID, RoomID: msg.RoomID, UserID: actor},
		})
	}
	return ReadResult{Created: created}, nil
}

// FetchPage returns one page of a room's history, newest first. Deleted
// messages appear in their redacted form.
func (e *Engine) FetchPage(ctx context.Context, actor, roomID string, cursor models.Cursor, limit int) (models.Page, error) {
	before, limit, err := e.pageArgs(ctx, actor, roomID, cursor, limit)
	if err != nil {
		return models.Page{}, err
	}

	msgs, err := e.store.FindPage(ctx, roomID, before, limit+1)
	if err != nil {
		return models.Page{}, fmt.Errorf("find page: %w", err)
	}
	return pageOf(msgs, limit), nil
}

// Search finds non-deleted messages of a room containing query,
// case-insensitively, optionally restricted to one sender.
func (e *Engine) Search(ctx context.Context, actor, roomID, query, senderID string, cursor models.Cursor, limit int) (models.Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.Page{}, apperrors.Validation("query", "required")
	}
	if utf8.RuneCountInString(query) > config.MaxSearchQueryLen {
		return models.Page{}, apperrors.Validation("query", "too long")
	}

	before, limit, err := e.pageArgs(ctx, actor, roomID, cursor, limit)
	if err != nil {
		return models.Page{}, err
	}

	msgs, err := e.store.Search(ctx, SearchQuery{
		RoomID:   roomID,
		Text:     query,
		SenderID: senderID,
		Before:   before,
		Limit:    limit + 1,
	})
	if err != nil {
		return models.Page{}, fmt.Errorf("search: %w", err)
	}
	return pageOf(msgs, limit), nil
}

func (e *Engine) newMessage(ctx context.Context, actor string, d Draft) (*models.Message, error) {
	if err := validateBody(d); err != nil {
		return nil, err
	}
	if err := e.requireMember(ctx, d.RoomID, actor); err != nil {
		return nil, err
	}
	mentions, err := e.memberMentions(ctx, d.RoomID, d.Mentions)
	if err != nil {
		return nil, err
	}

	content := normalizeContent(d.Content)
	msg := &models.Message{
		RoomID:      d.RoomID,
		SenderID:    actor,
		Content:     content,
		Type:        models.TypeFor(content),
		State:       models.StateActive,
		Attachments: toAttachments(d.Attachments),
	}
	for _, uid := range mentions {
		msg.Mentions = append(msg.Mentions, models.Mention{UserID: uid})
	}
	return msg, nil
}

func (e *Engine) findMessage(ctx context.Context, id uint) (*models.Message, error) {
	if id == 0 {
		return nil, apperrors.Validation("message_id", "required")
	}
	msg, err := e.store.FindMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	if msg == nil {
		return nil, apperrors.NotFound("message", idString(id))
	}
	return msg, nil
}

// annotatable loads a message the actor may react to or mark read.
func (e *Engine) annotatable(ctx context.Context, actor string, id uint) (*models.Message, error) {
	msg, err := e.findMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.requireMember(ctx, msg.RoomID, actor); err != nil {
		return nil, err
	}
	if _, err := msg.State.Next(models.TransitionAnnotate); err != nil {
		return nil, err
	}
	return msg, nil
}

func (e *Engine) requireMember(ctx context.Context, roomID, userID string) error {
	room, err := e.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("find room: %w", err)
	}
	if room == nil {
		return apperrors.NotFound("room", roomID)
	}
	ok, err := e.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return apperrors.Permission("access room", "not a member")
	}
	return nil
}

// memberMentions deduplicates ids and keeps only members of roomID.
func (e *Engine) memberMentions(ctx context.Context, roomID string, ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ok, err := e.rooms.IsMember(ctx, roomID, id)
		if err != nil {
			return nil, fmt.Errorf("check mention membership: %w", err)
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// notifyMentions sends the mentioned event to every mentioned user other
// than the actor and those in skip.
func (e *Engine) notifyMentions(actor string, view models.MessageView, skip map[string]bool) {
	for _, uid := range view.Mentions {
		if uid == actor || skip[uid] {
			continue
		}
		e.bus.ToUser(uid, models.Envelope{
			Event:   models.EventMentioned,
			Payload: models.MentionPayload{RoomID: view.RoomID, Message: view},
		})
	}
}

// mayDelete allows admins anywhere and senders in rooms they still belong
// to.
func (e *Engine) mayDelete(ctx context.Context, actor string, msg *models.Message) (bool, error) {
	admin, err := e.isAdmin(ctx, actor)
	if err != nil || admin {
		return admin, err
	}
	if msg.SenderID != actor {
		return false, nil
	}
	ok, err := e.rooms.IsMember(ctx, msg.RoomID, actor)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

func (e *Engine) isAdmin(ctx context.Context, userID string) (bool, error) {
	u, err := e.users.FindUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("find user: %w", err)
	}
	return u != nil && u.IsAdmin, nil
}

func (e *Engine) pageArgs(ctx context.Context, actor, roomID string, cursor models.Cursor, limit int) (uint, int, error) {
	if roomID == "" {
		return 0, 0, apperrors.Validation("room_id", "required")
	}
	before, err := cursor.MessageID()
	if err != nil {
		return 0, 0, err
	}
	if err := e.requireMember(ctx, roomID, actor); err != nil {
		return 0, 0, err
	}
	switch {
	case limit <= 0:
		limit = e.opts.PageDefaultLimit
	case limit > e.opts.PageMaxLimit:
		limit = e.opts.PageMaxLimit
	}
	return before, limit, nil
}

func pageOf(msgs []models.Message, limit int) models.Page {
	var next string
	if len(msgs) > limit {
		msgs = msgs[:limit]
		next = string(models.CursorFor(msgs[len(msgs)-1].ID))
	}
	return models.Page{Messages: models.Views(msgs), NextCursor: next}
}

func validateBody(d Draft) error {
	content := normalizeContent(d.Content)
	if content == nil && len(d.Attachments) == 0 {
		return apperrors.Validation("content", "content or attachment required")
	}
	if content != nil && utf8.RuneCountInString(*content) > config.MaxContentLength {
		return apperrors.Validation("content", "too long")
	}
	if len(d.Attachments) > config.MaxAttachments {
		return apperrors.Validation("attachments", "too many")
	}
	for _, a := range d.Attachments {
		if a.FileID == "" {
			return apperrors.Validation("attachments", "file id required")
		}
	}
	if len(d.Mentions) > config.MaxMentions {
		return apperrors.Validation("mentions", "too many")
	}
	return nil
}

// normalizeContent maps blank content to nil.
func normalizeContent(c *string) *string {
	if c == nil || strings.TrimSpace(*c) == "" {
		return nil
	}
	return c
}

func toAttachments(in []models.AttachmentInput) []models.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		out[i] = models.Attachment{FileID: a.FileID, Name: a.Name, MimeType: a.MimeType, Size: a.Size, Position: i}
	}
	return out
}

func inputsOf(atts []models.Attachment) []models.AttachmentInput {
	out := make([]models.AttachmentInput, len(atts))
	for i, a := range atts {
		out[i] = models.AttachmentInput{FileID: a.FileID, Name: a.Name, MimeType: a.MimeType, Size: a.Size}
	}
	return out
}

func idString(id uint) string { return fmt.Sprint(id) }

