// Package blobstore defines the object storage port used for rendered media.
package blobstore

import "context"

// Object describes a stored object.
type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Store uploads and inspects objects.
type Store interface {
	// Stat returns the object, or found == false when it does not exist.
	Stat(ctx context.Context, key string) (obj Object, found bool, err error)

	// UploadFile stores the local file at key.
	UploadFile(ctx context.Context, key, localPath, contentType string) (Object, error)
}
