package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/directory"
)

// loginHandler issues tokens without credentials. It is only mounted in
// development, where no external identity provider is wired.
type loginHandler struct {
	issuer TokenIssuer
	dir    *directory.Service
	ttl    time.Duration
	logger *slog.Logger
}

type tokenRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

func (h loginHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	id := auth.Identity{UserID: strings.TrimSpace(req.UserID), Name: req.Name, Email: req.Email}
	if id.Name == "" {
		id.Name = id.UserID
	}

	if h.dir != nil {
		if _, err := h.dir.Register(c.Request.Context(), chat.Participant{ID: id.UserID, Name: id.Name, Email: id.Email}); err != nil {
			h.logger.Error("register on login failed", "user_id", id.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}

	ttl := h.ttl
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := h.issuer.Issue(id, ttl)
	if err != nil {
		h.logger.Error("issue token failed", "user_id", id.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(ttl.Seconds())})
}
