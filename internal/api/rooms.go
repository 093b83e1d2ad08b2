package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/directory"
	"github.com/whisper/relay/internal/store"
)

type roomsHandler struct {
	repo   store.Repository
	dir    *directory.Service
	logger *slog.Logger
}

func (h roomsHandler) List(c *gin.Context) {
	rooms, err := h.dir.RoomsOf(c.Request.Context(), currentIdentity(c).UserID)
	if err != nil {
		h.internal(c, "list rooms", err)
		return
	}
	if rooms == nil {
		rooms = []chat.Room{}
	}
	c.JSON(http.StatusOK, gin.H{"items": rooms})
}

type createRoomRequest struct {
	UserID string `json:"user_id"`
}

// Create opens a room between the caller and user_id.
func (h roomsHandler) Create(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	room, err := h.dir.CreateRoom(c.Request.Context(), currentIdentity(c).UserID, strings.TrimSpace(req.UserID))
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, room)
	case errors.Is(err, directory.ErrDuplicateRoom):
		c.JSON(http.StatusConflict, gin.H{"error": "room already exists"})
	case errors.Is(err, directory.ErrSelfRoom):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	default:
		h.internal(c, "create room", err)
	}
}

func (h roomsHandler) Get(c *gin.Context) {
	room, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

// Messages returns the room's full message list, oldest first. It is the
// HTTP form of the backstop poll.
func (h roomsHandler) Messages(c *gin.Context) {
	room, ok := h.load(c)
	if !ok {
		return
	}
	msgs, err := h.repo.ListMessages(c.Request.Context(), room.ID)
	if err != nil {
		h.internal(c, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"items": msgs})
}

// EditMessage replaces the payload of one of the caller's own messages. The
// change reaches open rooms as an UPDATE event.
func (h roomsHandler) EditMessage(c *gin.Context) {
	msg, ok := h.ownMessage(c)
	if !ok {
		return
	}
	var p chat.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := chat.ValidatePayload(p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.repo.UpdateMessage(c.Request.Context(), msg.ID, p)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		h.internal(c, "edit message", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// DeleteMessage removes one of the caller's own messages.
func (h roomsHandler) DeleteMessage(c *gin.Context) {
	msg, ok := h.ownMessage(c)
	if !ok {
		return
	}
	_, err := h.repo.DeleteMessage(c.Request.Context(), msg.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.internal(c, "delete message", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ownMessage finds :mid in the :id room and checks the caller sent it.
func (h roomsHandler) ownMessage(c *gin.Context) (chat.Message, bool) {
	room, ok := h.load(c)
	if !ok {
		return chat.Message{}, false
	}
	msgs, err := h.repo.ListMessages(c.Request.Context(), room.ID)
	if err != nil {
		h.internal(c, "list messages", err)
		return chat.Message{}, false
	}
	for _, m := range msgs {
		if m.ID != c.Param("mid") {
			continue
		}
		if m.SenderID != currentIdentity(c).UserID {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your message"})
			return chat.Message{}, false
		}
		return m, true
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	return chat.Message{}, false
}

// load fetches the :id room, answering 404 for rooms the caller is not in.
func (h roomsHandler) load(c *gin.Context) (chat.Room, bool) {
	room, err := h.dir.Room(c.Request.Context(), currentIdentity(c).UserID, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return chat.Room{}, false
	}
	if err != nil {
		h.internal(c, "load room", err)
		return chat.Room{}, false
	}
	return room, true
}

func (h roomsHandler) internal(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", "error", err, "user_id", currentIdentity(c).UserID, "room_id", c.Param("id"))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
