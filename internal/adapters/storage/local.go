// Package storage provides the granule source adapters.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// LocalStorage serves granules from a local directory, typically a mounted
// share that is mirrored into the mosaic root.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage adapter.
func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// List returns the granules and sidecars below the base directory. Hidden
// files and partial downloads are ignored.
func (s *LocalStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !IsGranuleKey(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.basePath, p)
		if err != nil {
			return err
		}

		objects = append(objects, output.StorageObject{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, &domain.StorageError{Operation: "list", Key: s.basePath, Err: err}
	}

	return objects, nil
}

// Download copies a granule into dest. Copying a file onto itself is a no-op.
func (s *LocalStorage) Download(_ context.Context, key string, dest string) error {
	srcPath := s.FullPath(key)
	if srcPath == dest {
		return nil
	}

	src, err := os.Open(srcPath) //#nosec G304 -- key listed from basePath
	if err != nil {
		return &domain.StorageError{Operation: "download", Key: key, Err: notFound(err)}
	}
	defer func() { _ = src.Close() }()

	if err := writeAtomic(dest, src); err != nil {
		return &domain.StorageError{Operation: "download", Key: key, Err: err}
	}
	return nil
}

// GetReader returns a reader for the given object.
func (s *LocalStorage) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.FullPath(key)) //#nosec G304 -- key listed from basePath
	if err != nil {
		return nil, &domain.StorageError{Operation: "read", Key: key, Err: notFound(err)}
	}
	return f, nil
}

// Exists checks if a file exists.
func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.FullPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// FullPath returns the full path for a key.
func (s *LocalStorage) FullPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// notFound maps a missing file to domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Join(err, domain.ErrNotFound)
	}
	return err
}
