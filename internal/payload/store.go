package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

// Store holds raw message payloads. A models.PayloadRef is the only handle
// the pipeline passes around; nothing outside this package touches blob
// contents.
type Store interface {
	Get(ctx context.Context, ref models.PayloadRef) ([]byte, error)
	Put(ctx context.Context, ref models.PayloadRef, data []byte, contentType string) error
	Delete(ctx context.Context, ref models.PayloadRef) error
}

type ObjectStore struct {
	client *minio.Client
}

func NewObjectStore(client *minio.Client) *ObjectStore {
	return &ObjectStore{client: client}
}

func (s *ObjectStore) Get(ctx context.Context, ref models.PayloadRef) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, ref.Bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open payload %s: %w", ref, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, pkgerrors.ErrNotFound.WithCause(err).WithDetail("payload_ref", ref.String())
		}
		return nil, fmt.Errorf("failed to read payload %s: %w", ref, err)
	}
	return data, nil
}

func (s *ObjectStore) Put(ctx context.Context, ref models.PayloadRef, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, ref.Bucket, ref.Key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to store payload %s: %w", ref, err)
	}
	return nil
}

func (s *ObjectStore) Delete(ctx context.Context, ref models.PayloadRef) error {
	if err := s.client.RemoveObject(ctx, ref.Bucket, ref.Key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete payload %s: %w", ref, err)
	}
	return nil
}
