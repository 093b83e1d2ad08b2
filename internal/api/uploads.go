package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/whisper/relay/internal/blob"
	"github.com/whisper/relay/internal/ratelimit"
)

// maxUploadBody leaves room for multipart framing around the largest file.
const maxUploadBody = blob.MaxVideoBytes + 1<<20

type uploadsHandler struct {
	store   Uploader
	limiter Limiter
	logger  *slog.Logger
}

// Create stores the multipart "file" field and returns where it lives. The
// client then sends a message carrying the returned URL.
func (h uploadsHandler) Create(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "uploads unavailable"})
		return
	}
	me := currentIdentity(c)

	if h.limiter != nil {
		d, err := h.limiter.Allow(c.Request.Context(), me.UserID, ratelimit.RuleUpload)
		if err == nil && !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(ratelimit.RetrySeconds(d.RetryAfter)))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many uploads"})
			return
		}
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBody)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	obj, err := h.store.Put(c.Request.Context(), f, fh.Filename, fh.Header.Get("Content-Type"))
	switch {
	case err == nil:
		h.logger.Info("upload stored", "user_id", me.UserID, "bucket", obj.Bucket, "key", obj.Key, "size", obj.Size)
		c.JSON(http.StatusCreated, obj)
	case errors.Is(err, blob.ErrSizeExceeded):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, blob.ErrStoreUnavailable):
		h.logger.Error("upload failed", "user_id", me.UserID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		h.logger.Error("upload failed", "user_id", me.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
