package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"teamchat/backend/internal/apperrors"
	"teamchat/backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type createRoomRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type addMemberRequest struct {
	UserID string `json:"userId"`
}

// CreateRoom creates a room owned by the caller. Each initial member is
// told through its personal channel.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("body", err.Error()))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(c, apperrors.Validation("name", "required"))
		return
	}
	ctx := c.Request.Context()
	actor := currentUser(c)

	for _, id := range req.Members {
		user, err := h.Store.FindUser(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if user == nil {
			respondError(c, apperrors.NotFound("user", id))
			return
		}
	}

	room := &models.Room{Name: req.Name, CreatedBy: actor}
	if err := h.Store.CreateRoom(ctx, room, req.Members); err != nil {
		respondError(c, err)
		return
	}

	members, err := h.Store.MemberIDs(ctx, room.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, id := range members {
		h.Hub.Broadcaster.ToUser(id, models.Envelope{Event: models.EventRoomAdded, Payload: room})
	}
	log.Info().Str("room_id", room.ID).Str("user_id", actor).Int("members", len(members)).Msg("room created")
	c.JSON(http.StatusCreated, room)
}

// ListRooms returns the rooms the caller belongs to.
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.Store.RoomsForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	c.JSON(http.StatusOK, rooms)
}

// AddMember adds a user to a room. Only members and admins may add.
// A new member receives roomAdded and the room gets a system notice.
func (h *Handler) AddMember(c *gin.Context) {
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		respondError(c, apperrors.Validation("userId", "required"))
		return
	}
	ctx := c.Request.Context()
	actor := currentUser(c)
	roomID := c.Param("roomID")

	room, err := h.Store.FindRoom(ctx, roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	if room == nil {
		respondError(c, apperrors.NotFound("room", roomID))
		return
	}
	if err := h.requireMemberOrAdmin(c, roomID, actor); err != nil {
		respondError(c, err)
		return
	}

	added, err := h.Store.AddMember(ctx, roomID, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	if added {
		h.Hub.Broadcaster.ToUser(req.UserID, models.Envelope{Event: models.EventRoomAdded, Payload: room})
		notice := fmt.Sprintf("%s was added by %s", req.UserID, actor)
		if _, err := h.Engine.PostSystem(ctx, actor, roomID, notice); err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("failed to post membership notice")
		}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "userId": req.UserID, "added": added})
}

// ListMessages returns one page of history for reconnect reconciliation.
func (h *Handler) ListMessages(c *gin.Context) {
	limit, err := limitParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	page, err := h.Engine.FetchPage(c.Request.Context(), currentUser(c), c.Param("roomID"),
		models.Cursor(c.Query("cursor")), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// SearchMessages searches a room's live messages.
func (h *Handler) SearchMessages(c *gin.Context) {
	limit, err := limitParam(c)
	if err != nil {
		respondError(c, err)
		return
	}
	page, err := h.Engine.Search(c.Request.Context(), currentUser(c), c.Param("roomID"),
		c.Query("q"), c.Query("sender"), models.Cursor(c.Query("cursor")), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) requireMemberOrAdmin(c *gin.Context, roomID, userID string) error {
	ctx := c.Request.Context()
	ok, err := h.Store.IsMember(ctx, roomID, userID)
	if err != nil || ok {
		return err
	}
	user, err := h.Store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil && user.IsAdmin {
		return nil
	}
	return apperrors.Permission("add member", "not a member of the room")
}

func limitParam(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Validation("limit", "must be a non-negative integer")
	}
	return n, nil
}
