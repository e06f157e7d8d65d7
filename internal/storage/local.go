package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/dex-aot/pkg/errors"
)

// LocalStorage implements Storage on the local filesystem, rooted at a base
// directory.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a LocalStorage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		basePath = "./artifacts"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(errors.CodeStorageError, "failed to create storage directory", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload implements Storage.
func (s *LocalStorage) Upload(ctx context.Context, key string, reader io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := s.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return errors.Wrap(errors.CodeStorageError, "failed to create directory", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return errors.Wrap(errors.CodeStorageError, "failed to create file", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		return errors.Wrap(errors.CodeStorageError, "failed to write file", err)
	}
	return nil
}

// UploadFile implements Storage.
func (s *LocalStorage) UploadFile(ctx context.Context, key string, localPath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(errors.CodeStorageError, "failed to open source file", err)
	}
	defer src.Close()
	return s.Upload(ctx, key, src)
}

// Download implements Storage.
func (s *LocalStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(s.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.CodeNotFound, "artifact not found: %s", key)
		}
		return nil, errors.Wrap(errors.CodeStorageError, "failed to open file", err)
	}
	return file, nil
}

// Delete implements Storage.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.fullPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.CodeStorageError, "failed to delete file", err)
	}
	return nil
}

// Exists implements Storage.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(errors.CodeStorageError, "failed to stat file", err)
	}
	return true, nil
}

// GetURL implements Storage; for local storage it is the filesystem path.
func (s *LocalStorage) GetURL(key string) string {
	return s.fullPath(key)
}

// BasePath returns the storage root.
func (s *LocalStorage) BasePath() string { return s.basePath }

func (s *LocalStorage) fullPath(key string) string {
	return filepath.Join(s.basePath, key)
}
