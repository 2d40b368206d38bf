package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"msgboard/core"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store keeps the message log document and attachment blobs in one SQLite
// database. It serves as both a core.StateStore and a core.BlobStore.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dataSourceName.
func NewStore(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	// The whole log is one row, mirroring the single-file layout.
	stateTableStmt := `
	CREATE TABLE IF NOT EXISTS board_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err = db.Exec(stateTableStmt); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create board_state table: %w", err)
	}

	blobTableStmt := `
	CREATE TABLE IF NOT EXISTS blobs (
		id TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		data BLOB NOT NULL
	);`
	if _, err = db.Exec(blobTableStmt); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create blobs table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StateStore implementation
func (s *Store) Load(ctx context.Context) (*core.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM board_state WHERE id = 1").Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logrus.Debug("No stored state row")
			return nil, core.ErrNoState
		}
		logrus.WithError(err).Error("Failed to read state row")
		return nil, err
	}
	return core.DecodeState(data)
}

func (s *Store) Save(ctx context.Context, state *core.State) error {
	data, err := core.EncodeState(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // Rollback on any error

	_, err = tx.ExecContext(ctx,
		"INSERT INTO board_state (id, data, updated_at) VALUES (1, ?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at",
		data, time.Now().UnixMilli())
	if err != nil {
		logrus.WithError(err).Error("Failed to write state row")
		return err
	}
	return tx.Commit()
}

// Blob storage. Blobs are buffered in memory before insertion, so callers
// bound their size.
func (s *Store) SaveBlob(ctx context.Context, r io.Reader) (core.BlobInfo, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return core.BlobInfo{}, fmt.Errorf("write blob: %w", err)
	}

	id := core.NewBlobID()
	log := logrus.WithFields(logrus.Fields{
		"blob_id":     id,
		"data_length": buf.Len(),
	})
	data := buf.Bytes()
	if data == nil {
		// A nil slice would be stored as NULL.
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO blobs (id, size, data) VALUES (?, ?, ?)", id, buf.Len(), data)
	if err != nil {
		log.WithError(err).Error("Failed to create blob")
		return core.BlobInfo{}, err
	}
	log.Debug("Blob created successfully")
	return core.BlobInfo{ID: id, Size: int64(buf.Len())}, nil
}

func (s *Store) BlobExists(ctx context.Context, id string) bool {
	_, err := s.StatBlob(ctx, id)
	return err == nil
}

func (s *Store) StatBlob(ctx context.Context, id string) (core.BlobInfo, error) {
	if err := core.ValidateBlobID(id); err != nil {
		return core.BlobInfo{}, err
	}
	var size int64
	err := s.db.QueryRowContext(ctx, "SELECT size FROM blobs WHERE id = ?", id).Scan(&size)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.BlobInfo{}, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
		}
		return core.BlobInfo{}, err
	}
	return core.BlobInfo{ID: id, Size: size}, nil
}

func (s *Store) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := core.ValidateBlobID(id); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM blobs WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logrus.WithField("blob_id", id).Warn("Blob with specified ID not found")
			return nil, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) DeleteBlob(ctx context.Context, id string) error {
	if err := core.ValidateBlobID(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE id = ?", id)
	return err
}

func (s *Store) ListBlobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM blobs ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Blobs exposes the blob half of the store as a core.BlobStore.
func (s *Store) Blobs() core.BlobStore {
	return blobStore{s}
}

type blobStore struct{ s *Store }

func (b blobStore) Save(ctx context.Context, r io.Reader) (core.BlobInfo, error) {
	return b.s.SaveBlob(ctx, r)
}

func (b blobStore) Exists(ctx context.Context, id string) bool { return b.s.BlobExists(ctx, id) }

func (b blobStore) Stat(ctx context.Context, id string) (core.BlobInfo, error) {
	return b.s.StatBlob(ctx, id)
}

func (b blobStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	return b.s.OpenBlob(ctx, id)
}

func (b blobStore) Delete(ctx context.Context, id string) error { return b.s.DeleteBlob(ctx, id) }

func (b blobStore) List(ctx context.Context) ([]string, error) { return b.s.ListBlobs(ctx) }
