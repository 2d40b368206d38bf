// Package memory keeps state and blobs in process memory. Nothing survives a
// restart; it exists for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"msgboard/core"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// StateStore holds the encoded state document.
type StateStore struct {
	mu  sync.RWMutex
	doc []byte
}

func NewStateStore() *StateStore {
	return &StateStore{}
}

func (s *StateStore) Load(ctx context.Context) (*core.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc == nil {
		return nil, core.ErrNoState
	}
	return core.DecodeState(s.doc)
}

func (s *StateStore) Save(ctx context.Context, state *core.State) error {
	data, err := core.EncodeState(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	s.mu.Lock()
	s.doc = data
	s.mu.Unlock()
	return nil
}

// BlobStore keeps blobs in a map.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

func (s *BlobStore) Save(ctx context.Context, r io.Reader) (core.BlobInfo, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return core.BlobInfo{}, fmt.Errorf("write blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return core.BlobInfo{}, err
	}

	id := core.NewBlobID()
	s.mu.Lock()
	s.blobs[id] = buf.Bytes()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"blob_id": id,
		"size":    buf.Len(),
	}).Debug("Blob saved")
	return core.BlobInfo{ID: id, Size: int64(buf.Len())}, nil
}

func (s *BlobStore) Exists(ctx context.Context, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[id]
	return ok
}

func (s *BlobStore) Stat(ctx context.Context, id string) (core.BlobInfo, error) {
	if err := core.ValidateBlobID(id); err != nil {
		return core.BlobInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[id]
	if !ok {
		return core.BlobInfo{}, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
	}
	return core.BlobInfo{ID: id, Size: int64(len(data))}, nil
}

func (s *BlobStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := core.ValidateBlobID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *BlobStore) Delete(ctx context.Context, id string) error {
	if err := core.ValidateBlobID(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
	return nil
}

func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := lo.Keys(s.blobs)
	slices.Sort(ids)
	return ids, nil
}
