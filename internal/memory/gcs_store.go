package memory

import (
	"context"
	"errors"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// GCSStore implements Backend with one Cloud Storage object per key
type GCSStore struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewGCSStore creates a new Cloud Storage client
func NewGCSStore(ctx context.Context, bucketName, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &GCSStore{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(path.Join(s.prefix, key+".json"))
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, goerr.Wrap(ErrKeyNotFound, "gcs get", goerr.V("key", key))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("key", key))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read object body", goerr.V("key", key))
	}
	return data, nil
}

func (s *GCSStore) Set(ctx context.Context, key string, value []byte) error {
	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := writer.Write(value); err != nil {
		_ = writer.Close()
		return goerr.Wrap(err, "failed to write to storage", goerr.V("key", key))
	}
	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to finalize object", goerr.V("key", key))
	}
	return nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(err, "failed to delete from storage", goerr.V("key", key))
	}
	return nil
}

// Close closes the storage client
func (s *GCSStore) Close() error {
	return s.client.Close()
}
