package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
)

// ObjectStore keeps records in an S3-compatible bucket, one JSON object
// per record under <prefix>/<key>.json.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// Ensure ObjectStore implements Store.
var _ Store = (*ObjectStore)(nil)

// NewObjectStore binds a store to a bucket and key prefix. The bucket
// must already exist (the registry ensures it when building adapters).
func NewObjectStore(client *minio.Client, bucket, prefix string) *ObjectStore {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &ObjectStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *ObjectStore) objectName(key string) string {
	return s.prefix + key + ".json"
}

func (s *ObjectStore) List(ctx context.Context) ([]any, error) {
	var out []any
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", s.bucket, s.prefix, info.Err)
		}
		record, err := s.fetch(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) (any, error) {
	record, err := s.fetch(ctx, s.objectName(key))
	if isNoSuchKey(err) {
		return nil, ErrRecordNotFound
	}
	return record, err
}

func (s *ObjectStore) Set(ctx context.Context, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.objectName(key),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) Update(ctx context.Context, key string, record any) error {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectName(key), minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("stat record %s: %w", key, err)
	}
	return s.Set(ctx, key, record)
}

func (s *ObjectStore) Len(ctx context.Context) (int, error) {
	n := 0
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return 0, fmt.Errorf("list %s/%s: %w", s.bucket, s.prefix, info.Err)
		}
		n++
	}
	return n, nil
}

func (s *ObjectStore) fetch(ctx context.Context, name string) (any, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read object %s: %w", name, err)
	}
	var record any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode object %s: %w", name, err)
	}
	return record, nil
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
