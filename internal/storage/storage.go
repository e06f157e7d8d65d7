// Package storage uploads emitted compilation artifacts (image-input files
// and trampoline blobs) to object storage.
package storage

import (
	"context"
	"io"
	"path"

	"github.com/dex-aot/pkg/config"
	"github.com/dex-aot/pkg/errors"
)

// Storage is the object-storage boundary for emitted artifacts.
type Storage interface {
	// Upload writes the reader's content at the given key.
	Upload(ctx context.Context, key string, reader io.Reader) error

	// UploadFile uploads a local file at the given key.
	UploadFile(ctx context.Context, key string, localPath string) error

	// Download opens the object at the given key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at the given key. Deleting a missing
	// object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns the externally visible location of the key.
	GetURL(key string) string
}

// ArtifactKey builds the storage key for an artifact of one run.
func ArtifactKey(runUUID, filename string) string {
	return path.Join("runs", runUUID, filename)
}

// New creates a Storage per configuration. An empty type selects local
// storage.
func New(cfg *config.StorageConfig) (Storage, error) {
	if cfg == nil {
		return nil, errors.New(errors.CodeConfigError, "storage config is nil")
	}
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.LocalPath)
	case "cos":
		return NewCOSStorage(&COSConfig{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
			Domain:    cfg.Domain,
			Scheme:    cfg.Scheme,
		})
	default:
		return nil, errors.Newf(errors.CodeConfigError, "unsupported storage type: %s", cfg.Type)
	}
}
