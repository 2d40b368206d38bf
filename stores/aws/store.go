package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"msgboard/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// API is the subset of the S3 client the blob store uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// BlobStore keeps one object per blob in an S3 bucket.
type BlobStore struct {
	client API
	bucket string
	prefix string
}

// NewBlobStore creates an S3 blob store using the default AWS credential chain.
func NewBlobStore(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewBlobStoreWithClient(s3.NewFromConfig(cfg), bucketName, prefix), nil
}

// NewBlobStoreWithClient creates an S3 blob store around an existing client.
func NewBlobStoreWithClient(client API, bucketName, prefix string) *BlobStore {
	prefix = strings.Trim(prefix, "/")
	return &BlobStore{
		client: client,
		bucket: bucketName,
		prefix: prefix,
	}
}

func (s *BlobStore) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

// Save spools r to a temporary file first: PutObject needs a known length
// and a seekable body for request signing.
func (s *BlobStore) Save(ctx context.Context, r io.Reader) (core.BlobInfo, error) {
	spool, err := os.CreateTemp("", "blob-*")
	if err != nil {
		return core.BlobInfo{}, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, r)
	if err != nil {
		return core.BlobInfo{}, fmt.Errorf("write blob: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return core.BlobInfo{}, fmt.Errorf("rewind spool file: %w", err)
	}

	id := core.NewBlobID()
	log := logrus.WithFields(logrus.Fields{
		"blob_id": id,
		"bucket":  s.bucket,
		"size":    size,
	})
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id)),
		Body:          spool,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		log.WithError(err).Error("Failed to upload blob")
		return core.BlobInfo{}, fmt.Errorf("failed to upload blob: %w", err)
	}
	log.Debug("Blob uploaded")
	return core.BlobInfo{ID: id, Size: size}, nil
}

func (s *BlobStore) Exists(ctx context.Context, id string) bool {
	_, err := s.Stat(ctx, id)
	return err == nil
}

func (s *BlobStore) Stat(ctx context.Context, id string) (core.BlobInfo, error) {
	if err := core.ValidateBlobID(id); err != nil {
		return core.BlobInfo{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return core.BlobInfo{}, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
		}
		return core.BlobInfo{}, fmt.Errorf("failed to stat blob %s: %w", id, err)
	}
	return core.BlobInfo{ID: id, Size: aws.ToInt64(out.ContentLength)}, nil
}

func (s *BlobStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := core.ValidateBlobID(id); err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("blob %s: %w", id, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get blob %s: %w", id, err)
	}
	return resp.Body, nil
}

// Delete removes the object. S3 reports success for missing keys.
func (s *BlobStore) Delete(ctx context.Context, id string) error {
	if err := core.ValidateBlobID(id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	return nil
}

func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})

	ids := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, object := range page.Contents {
			id := strings.TrimPrefix(aws.ToString(object.Key), listPrefix)
			if core.ValidateBlobID(id) != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}
