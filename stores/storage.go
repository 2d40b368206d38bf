package stores

import (
	"context"
	"fmt"
	"io"

	"msgboard/config"
	"msgboard/core"
	"msgboard/stores/aws"
	"msgboard/stores/filesystem"
	"msgboard/stores/memory"
	"msgboard/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// Backends holds the storage selected by configuration.
type Backends struct {
	State core.StateStore
	Blobs core.BlobStore

	closers []io.Closer
}

// Close releases any database handles.
func (b *Backends) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Open builds the state and blob backends named by cfg. When both use
// sqlite they share one database.
func Open(ctx context.Context, cfg config.Config) (*Backends, error) {
	b := &Backends{}
	var db *sqlite.Store
	openSQLite := func() (*sqlite.Store, error) {
		if db != nil {
			return db, nil
		}
		store, err := sqlite.NewStore(cfg.DataSourceName)
		if err != nil {
			return nil, err
		}
		db = store
		b.closers = append(b.closers, store)
		return db, nil
	}

	stateField := logrus.Fields{"storageType": cfg.StorageType}
	switch cfg.StorageType {
	case "filesystem", "":
		stateField["storeFile"] = cfg.StoreFile
		b.State = filesystem.NewStateFile(cfg.StoreFile)
	case "sqlite":
		stateField["dataSourceName"] = cfg.DataSourceName
		store, err := openSQLite()
		if err != nil {
			return nil, err
		}
		b.State = store
	case "memory":
		b.State = memory.NewStateStore()
		stateField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown STORAGE_TYPE %q", cfg.StorageType)
	}
	logrus.WithFields(stateField).Info("Use message storage")

	blobField := logrus.Fields{"blobStorage": cfg.BlobStorage}
	switch cfg.BlobStorage {
	case "filesystem", "":
		blobField["basePath"] = cfg.BlobsDir
		b.Blobs = filesystem.NewBlobStore(cfg.BlobsDir)
	case "sqlite":
		blobField["dataSourceName"] = cfg.DataSourceName
		store, err := openSQLite()
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Blobs = store.Blobs()
	case "s3":
		blobField["bucketName"] = cfg.S3Bucket
		blobField["prefix"] = cfg.S3Prefix
		store, err := aws.NewBlobStore(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Blobs = store
	case "memory":
		b.Blobs = memory.NewBlobStore()
		blobField["blobStorage"] = "in-memory"
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown BLOB_STORAGE %q", cfg.BlobStorage)
	}
	logrus.WithFields(blobField).Info("Use attachment storage")

	return b, nil
}
