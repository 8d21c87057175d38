// Package storage provides object storage for map base images.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"worldloom/api/internal/util"
)

// MaxImageSize caps map uploads at 10 MiB.
const MaxImageSize = 10 << 20

var allowedContentTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Client struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (*Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Client{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// ValidateImage rejects uploads before any bytes are stored.
func ValidateImage(contentType string, size int64) error {
	if _, ok := allowedContentTypes[contentType]; !ok {
		return fmt.Errorf("unsupported content type %q", contentType)
	}
	if size <= 0 || size > MaxImageSize {
		return fmt.Errorf("image size %d exceeds %d bytes", size, MaxImageSize)
	}
	return nil
}

// UploadMapImage stores a map base image and returns its object path.
func (c *Client) UploadMapImage(ctx context.Context, worldID, contentType string, size int64, reader io.Reader) (string, error) {
	if err := ValidateImage(contentType, size); err != nil {
		return "", err
	}
	objectPath := MapImagePath(worldID, allowedContentTypes[contentType])
	_, err := c.client.PutObject(ctx, c.bucket, objectPath, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return objectPath, nil
}

// RemoveObject deletes a stored object; used when a map is deleted.
func (c *Client) RemoveObject(ctx context.Context, objectPath string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Ping verifies the storage backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.client.BucketExists(ctx, c.bucket); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}
	return nil
}

// MapImagePath builds the deterministic object path for a new map image.
func MapImagePath(worldID, ext string) string {
	return path.Join("worlds", worldID, "maps", util.NewID()+ext)
}
