// Package images stores uploaded diagram images for image-backed matches
// in an S3-compatible bucket.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrImageNotFound = errors.New("image not found")

type Service struct {
	client *minio.Client
	bucket string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// PutImage stores a match's diagram image under its original extension.
func (s *Service) PutImage(ctx context.Context, matchID, filename string, body io.Reader, size int64) error {
	name := objectName(matchID, filename)
	_, err := s.client.PutObject(ctx, s.bucket, name, body, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(filename),
	})
	if err != nil {
		return fmt.Errorf("store image: %w", err)
	}
	return nil
}

// GetImage returns the image stream, its content type and size. The caller
// must close the reader.
func (s *Service) GetImage(ctx context.Context, matchID, filename string) (io.ReadCloser, string, int64, error) {
	name := objectName(matchID, filename)
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", 0, fmt.Errorf("open image: %w", err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", 0, ErrImageNotFound
		}
		return nil, "", 0, fmt.Errorf("stat image: %w", err)
	}

	contentType := stat.ContentType
	if contentType == "" {
		contentType = contentTypeFor(filename)
	}
	return obj, contentType, stat.Size, nil
}

func objectName(matchID, filename string) string {
	ext := path.Ext(filename)
	return matchID + "/model" + ext
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
