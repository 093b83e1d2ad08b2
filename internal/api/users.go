package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/directory"
	"github.com/whisper/relay/internal/store"
)

type usersHandler struct {
	repo   store.Repository
	dir    *directory.Service
	logger *slog.Logger
}

// List returns every user except the caller.
func (h usersHandler) List(c *gin.Context) {
	me := currentIdentity(c)
	users, err := h.repo.ListProfiles(c.Request.Context(), me.UserID)
	if err != nil {
		h.internal(c, "list users", err)
		return
	}
	if users == nil {
		users = []chat.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"items": users})
}

func (h usersHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "me" {
		id = currentIdentity(c).UserID
	}
	p, err := h.repo.GetProfile(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		h.internal(c, "get user", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type registerRequest struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Register creates or refreshes the caller's profile.
func (h usersHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	me := currentIdentity(c)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = me.Name
	}
	p, err := h.dir.Register(c.Request.Context(), chat.Participant{
		ID:        me.UserID,
		Name:      name,
		Email:     me.Email,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		h.internal(c, "register user", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type updateRequest struct {
	Name      *string `json:"name"`
	AvatarURL *string `json:"avatar_url"`
}

// Update patches the caller's name or avatar. Online state is owned by the
// gateway and cannot be set here.
func (h usersHandler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty"})
			return
		}
		req.Name = &trimmed
	}
	u := store.ProfileUpdate{Name: req.Name, AvatarURL: req.AvatarURL}
	if u.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	p, err := h.repo.UpdateProfile(c.Request.Context(), currentIdentity(c).UserID, u)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not registered"})
		return
	}
	if err != nil {
		h.internal(c, "update user", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h usersHandler) RegenerateAvatar(c *gin.Context) {
	p, err := h.dir.RegenerateAvatar(c.Request.Context(), currentIdentity(c).UserID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not registered"})
		return
	}
	if err != nil {
		h.internal(c, "regenerate avatar", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h usersHandler) internal(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", "error", err, "user_id", currentIdentity(c).UserID)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
