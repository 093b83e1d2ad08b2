package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the connection settings of an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint      string
	UseSSL        bool
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// MinioBucket stores objects in one bucket of an S3-compatible service.
// The bucket is created on first use and made publicly readable so that
// returned URLs can be embedded in messages directly.
type MinioBucket struct {
	bucket        string
	publicBaseURL string
	client        *minio.Client
	logger        *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewMinioClient creates the client shared by every bucket on an endpoint.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("blob: endpoint is required")
	}
	client, err := minio.New(parseEndpoint(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: create client: %w", err)
	}
	return client, nil
}

// NewMinioBucket binds bucket on client. publicBaseURL defaults to the
// endpoint.
func NewMinioBucket(client *minio.Client, cfg MinioConfig, bucket string, logger *slog.Logger) (*MinioBucket, error) {
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}
	base := strings.TrimSpace(cfg.PublicBaseURL)
	if base == "" {
		scheme := "http://"
		if cfg.UseSSL {
			scheme = "https://"
		}
		base = cfg.Endpoint
		if !strings.Contains(base, "://") {
			base = scheme + base
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioBucket{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(base, "/"),
		client:        client,
		logger:        logger.With("component", "blob", "bucket", bucket),
	}, nil
}

// Name returns the bucket name.
func (b *MinioBucket) Name() string {
	return b.bucket
}

// Put stores the object under key and returns its public URL.
func (b *MinioBucket) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("blob: object key is required")
	}
	if err := b.ensureBucket(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := b.client.PutObject(ctx, b.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("blob: put object: %w", err)
	}

	publicURL := b.objectURL(key)
	b.logger.Info("upload completed", "key", key, "size", size, "url", publicURL)
	return publicURL, nil
}

// ensureBucket creates the bucket once. Unlike a sync.Once, a failed attempt
// is retried by the next Put.
func (b *MinioBucket) ensureBucket(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}

	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("blob: check bucket: %w", err)
	}
	if !exists {
		if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("blob: create bucket: %w", err)
		}
		if err := b.allowPublicRead(ctx); err != nil {
			return err
		}
	}
	b.ready = true
	return nil
}

func (b *MinioBucket) allowPublicRead(ctx context.Context) error {
	policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, b.bucket)
	if err := b.client.SetBucketPolicy(ctx, b.bucket, policy); err != nil {
		return fmt.Errorf("blob: set bucket policy: %w", err)
	}
	return nil
}

func (b *MinioBucket) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", b.publicBaseURL, b.bucket, strings.TrimLeft(key, "/"))
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ Bucket = (*MinioBucket)(nil)
