package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"msgboard/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateFileMissing(t *testing.T) {
	s := NewStateFile(filepath.Join(t.TempDir(), "store-data.json"))
	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, core.ErrNoState)
}

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store-data.json")
	s := NewStateFile(path)
	ctx := context.Background()

	want := &core.State{
		IDNext: 3,
		Messages: []core.Message{
			{ID: 1, Client: "A", CreateAt: 100, Content: "hi"},
			{ID: 2, Client: "B", CreateAt: 101, Content: "a.txt", AttachmentID: core.NewBlobID(), MimeType: "text/plain", Size: 5},
		},
	}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.IDNext, got.IDNext)
	assert.Equal(t, want.Messages, got.Messages)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestStateFileSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStateFile(filepath.Join(dir, "store-data.json"))
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Save(ctx, &core.State{IDNext: i}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "store-data.json", entries[0].Name())

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.IDNext)
}

func TestStateFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store-data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"idNext": 4, "messages": [{"id": 1`), 0644))

	_, err := NewStateFile(path).Load(context.Background())
	assert.ErrorIs(t, err, core.ErrCorruptState)
}

func TestStateFileSaveHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store-data.json")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewStateFile(path).Save(ctx, &core.State{IDNext: 1})
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}
