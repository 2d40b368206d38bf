package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"msgboard/core"

	"github.com/sirupsen/logrus"
)

// BlobStore keeps one file per blob under a base directory.
type BlobStore struct {
	basePath string

	mu    sync.Mutex
	ready bool
}

// NewBlobStore returns a blob store rooted at basePath. The directory is
// created lazily on first use.
func NewBlobStore(basePath string) *BlobStore {
	return &BlobStore{basePath: basePath}
}

// Init creates the base directory, including parents. Repeated calls are cheap.
func (s *BlobStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}
	s.ready = true
	return nil
}

func (s *BlobStore) path(id string) (string, error) {
	if err := core.ValidateBlobID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, id), nil
}

func (s *BlobStore) Save(ctx context.Context, r io.Reader) (core.BlobInfo, error) {
	if err := s.Init(); err != nil {
		return core.BlobInfo{}, err
	}
	id := core.NewBlobID()
	filePath := filepath.Join(s.basePath, id)
	log := logrus.WithFields(logrus.Fields{
		"blob_id":   id,
		"file_path": filePath,
	})

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		log.WithError(err).Error("Failed to create blob file")
		return core.BlobInfo{}, fmt.Errorf("create blob: %w", err)
	}

	size, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rmErr := removeIfExists(filePath); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove partial blob")
		}
		log.WithError(err).Warn("Blob write aborted")
		return core.BlobInfo{}, fmt.Errorf("write blob: %w", err)
	}

	log.WithField("size", size).Debug("Blob saved")
	return core.BlobInfo{ID: id, Size: size}, nil
}

func (s *BlobStore) Exists(ctx context.Context, id string) bool {
	filePath, err := s.path(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(filePath)
	return err == nil && info.Mode().IsRegular()
}

func (s *BlobStore) Stat(ctx context.Context, id string) (core.BlobInfo, error) {
	filePath, err := s.path(id)
	if err != nil {
		return core.BlobInfo{}, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.BlobInfo{}, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
		}
		return core.BlobInfo{}, err
	}
	return core.BlobInfo{ID: id, Size: info.Size()}, nil
}

func (s *BlobStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	filePath, err := s.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

func (s *BlobStore) Delete(ctx context.Context, id string) error {
	filePath, err := s.path(id)
	if err != nil {
		return err
	}
	if err := removeIfExists(filePath); err != nil {
		logrus.WithError(err).WithField("blob_id", id).Error("Failed to delete blob")
		return err
	}
	logrus.WithField("blob_id", id).Debug("Blob deleted")
	return nil
}

func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if core.ValidateBlobID(entry.Name()) != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}

func removeIfExists(filePath string) error {
	err := os.Remove(filePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
