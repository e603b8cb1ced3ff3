// Package minio implements the blob store port on S3-compatible object
// storage via minio-go.
package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/port/blobstore"
)

// Store uploads rendered media into one bucket.
type Store struct {
	client    *miniogo.Client
	bucket    string
	publicURL string
}

// New connects to the storage endpoint.
func New(cfg config.Storage) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio: endpoint is required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, publicURL: strings.TrimRight(cfg.PublicURL, "/")}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Stat implements blobstore.Store.
func (s *Store) Stat(ctx context.Context, key string) (blobstore.Object, bool, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, miniogo.StatObjectOptions{})
	if err != nil {
		resp := miniogo.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return blobstore.Object{}, false, nil
		}
		return blobstore.Object{}, false, fmt.Errorf("stat %s: %w", key, err)
	}
	return s.object(key, info.Size, info.ETag), true, nil
}

// UploadFile implements blobstore.Store.
func (s *Store) UploadFile(ctx context.Context, key, localPath, contentType string) (blobstore.Object, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, miniogo.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return blobstore.Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return s.object(key, info.Size, info.ETag), nil
}

func (s *Store) object(key string, size int64, etag string) blobstore.Object {
	obj := blobstore.Object{Bucket: s.bucket, Key: key, Size: size, ETag: etag}
	if s.publicURL != "" {
		obj.URL = s.publicURL + "/" + s.bucket + "/" + key
	}
	return obj
}
