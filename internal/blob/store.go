// Package blob stores uploaded attachments and returns the URL a message
// embeds. Uploads go to a primary bucket and fall back to a secondary one
// when the primary is unavailable.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/metrics"
)

// Size limits per content class.
const (
	MaxVideoBytes = 50 << 20
	MaxFileBytes  = 10 << 20
)

var (
	// ErrSizeExceeded is returned when the content is larger than its class allows.
	ErrSizeExceeded = errors.New("blob: size limit exceeded")

	// ErrStoreUnavailable is returned when neither bucket accepted the object.
	ErrStoreUnavailable = errors.New("blob: store unavailable")
)

// Bucket is a single object container.
type Bucket interface {
	Name() string
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (url string, err error)
}

// Object describes a stored upload.
type Object struct {
	URL         string `json:"url"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Store applies the size policy and the primary/fallback bucket order.
type Store struct {
	primary  Bucket
	fallback Bucket
	logger   *slog.Logger
	newKey   func(ext string) string
}

// NewStore creates a Store. fallback may be nil; a nil primary makes every
// Put fail with ErrStoreUnavailable.
func NewStore(primary, fallback Bucket, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "blob"),
		newKey: func(ext string) string {
			return time.Now().UTC().Format("2006/01/") + uuid.NewString() + ext
		},
	}
}

// LimitFor returns the maximum size accepted for contentType.
func LimitFor(contentType string) int64 {
	if strings.HasPrefix(contentType, "video/") {
		return MaxVideoBytes
	}
	return MaxFileBytes
}

// Put stores the content read from r. filename only contributes the object
// key extension; mimeHint is sniffed from the content when empty.
func (s *Store) Put(ctx context.Context, r io.Reader, filename, mimeHint string) (Object, error) {
	contentType := normalizeType(mimeHint)

	// Read up to the largest limit, so one pass both sizes and buffers the
	// content for a possible second attempt on the fallback bucket.
	data, err := io.ReadAll(io.LimitReader(r, MaxVideoBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("blob: read upload: %w", err)
	}
	if contentType == "" {
		contentType = normalizeType(http.DetectContentType(data))
	}
	if int64(len(data)) > LimitFor(contentType) {
		metrics.UploadsTotal.WithLabelValues("too_large").Inc()
		return Object{}, fmt.Errorf("%w: %s is limited to %d bytes", ErrSizeExceeded, contentType, LimitFor(contentType))
	}

	obj := Object{
		Key:         s.newKey(extension(filename, contentType)),
		ContentType: contentType,
		Size:        int64(len(data)),
	}

	var errs []error
	for i, b := range []Bucket{s.primary, s.fallback} {
		if b == nil {
			continue
		}
		u, err := b.Put(ctx, obj.Key, bytes.NewReader(data), obj.Size, contentType)
		if err != nil {
			s.logger.Warn("bucket put failed", "bucket", b.Name(), "key", obj.Key, "error", err)
			errs = append(errs, err)
			continue
		}
		obj.URL, obj.Bucket = u, b.Name()
		if i == 0 {
			metrics.UploadsTotal.WithLabelValues("primary").Inc()
		} else {
			metrics.UploadsTotal.WithLabelValues("fallback").Inc()
		}
		return obj, nil
	}

	metrics.UploadsTotal.WithLabelValues("unavailable").Inc()
	if len(errs) == 0 {
		return Object{}, ErrStoreUnavailable
	}
	return Object{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, errors.Join(errs...))
}

func normalizeType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return strings.ToLower(ct)
}

func extension(filename, contentType string) string {
	if ext := strings.ToLower(path.Ext(filename)); ext != "" && len(ext) <= 8 {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
