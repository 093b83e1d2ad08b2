// Package api is chatd's REST surface: profiles, rooms, the message poll
// endpoint and attachment uploads.
package api

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/blob"
	"github.com/whisper/relay/internal/directory"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/store"
)

// Authenticator turns a bearer token into an identity.
type Authenticator interface {
	Verify(raw string) (auth.Identity, error)
}

// TokenIssuer signs tokens for the development login endpoint.
type TokenIssuer interface {
	Issue(id auth.Identity, ttl time.Duration) (string, error)
}

// Uploader stores attachments.
type Uploader interface {
	Put(ctx context.Context, r io.Reader, filename, mimeHint string) (blob.Object, error)
}

// Limiter throttles clients.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Deps are the services behind the routes. Uploads, Limiter and Issuer are
// optional.
type Deps struct {
	Repo      store.Repository
	Directory *directory.Service
	Uploads   Uploader
	Limiter   Limiter
	Authn     Authenticator
	Issuer    TokenIssuer
	TokenTTL  time.Duration
	Logger    *slog.Logger
}

// NewRouter builds the gin engine serving /api.
func NewRouter(env string, d Deps) *gin.Engine {
	configureGinMode(env)
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	logger := d.Logger.With("component", "api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(accessLog(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Type", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}))

	users := usersHandler{repo: d.Repo, dir: d.Directory, logger: logger}
	rooms := roomsHandler{repo: d.Repo, dir: d.Directory, logger: logger}
	uploads := uploadsHandler{store: d.Uploads, limiter: d.Limiter, logger: logger}

	api := router.Group("/api")
	if d.Issuer != nil {
		login := loginHandler{issuer: d.Issuer, dir: d.Directory, ttl: d.TokenTTL, logger: logger}
		api.POST("/auth/token", login.Token)
	}

	authed := api.Group("", authMiddleware(d.Authn, logger))
	authed.GET("/users", users.List)
	authed.GET("/users/:id", users.Get)
	authed.PUT("/users/me", users.Register)
	authed.PATCH("/users/me", users.Update)
	authed.POST("/users/me/avatar", users.RegenerateAvatar)

	authed.GET("/rooms", rooms.List)
	authed.POST("/rooms", rooms.Create)
	authed.GET("/rooms/:id", rooms.Get)
	authed.GET("/rooms/:id/messages", rooms.Messages)
	authed.PATCH("/rooms/:id/messages/:mid", rooms.EditMessage)
	authed.DELETE("/rooms/:id/messages/:mid", rooms.DeleteMessage)

	authed.POST("/uploads", uploads.Create)

	return router
}

func configureGinMode(env string) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "debug":
		gin.SetMode(gin.DebugMode)
	case "test", "testing":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
}
