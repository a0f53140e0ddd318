package testutil

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
)

type StoredObject struct {
	Content     []byte
	ContentType string
}

type putFailure struct {
	prefix    string
	err       error
	remaining int
}

// MemoryObjects is an in-memory stand-in for the S3 client.
type MemoryObjects struct {
	mu        sync.Mutex
	objects   map[string]StoredObject
	buckets   map[string]bool
	failures  []*putFailure
	PutDelay  time.Duration
	RemoveErr error
	PutCalls  int
}

func NewMemoryObjects(buckets ...string) *MemoryObjects {
	m := &MemoryObjects{
		objects: make(map[string]StoredObject),
		buckets: make(map[string]bool),
	}
	for _, b := range buckets {
		m.buckets[b] = true
	}
	return m
}

// FailPuts makes uploads of keys starting with prefix fail with err. A
// negative times fails forever.
func (m *MemoryObjects) FailPuts(prefix string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, &putFailure{prefix: prefix, err: err, remaining: times})
}

func (m *MemoryObjects) PutObject(ctx context.Context, bucket, key string, r io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if m.PutDelay > 0 {
		select {
		case <-time.After(m.PutDelay):
		case <-ctx.Done():
			return minio.UploadInfo{}, ctx.Err()
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	for _, f := range m.failures {
		if f.remaining != 0 && strings.HasPrefix(key, f.prefix) {
			if f.remaining > 0 {
				f.remaining--
			}
			return minio.UploadInfo{}, f.err
		}
	}
	if !m.buckets[bucket] {
		return minio.UploadInfo{}, minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404, BucketName: bucket}
	}
	m.objects[bucket+"/"+key] = StoredObject{Content: data, ContentType: opts.ContentType}
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, nil
}

func (m *MemoryObjects) RemoveObject(_ context.Context, bucket, key string, _ minio.RemoveObjectOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *MemoryObjects) PresignedGetObject(_ context.Context, bucket, key string, expiry time.Duration, _ url.Values) (*url.URL, error) {
	return url.Parse(fmt.Sprintf("https://signed.example.test/%s/%s?X-Amz-Expires=%d", bucket, key, int(expiry.Seconds())))
}

func (m *MemoryObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets[bucket], nil
}

func (m *MemoryObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket] = true
	return nil
}

// Seed stores content under key without going through PutObject.
func (m *MemoryObjects) Seed(bucket, key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = StoredObject{Content: content}
}

func (m *MemoryObjects) Object(bucket, key string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	return obj, ok
}

// Keys lists stored object keys in bucket, sorted.
func (m *MemoryObjects) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if rest, ok := strings.CutPrefix(k, bucket+"/"); ok {
			keys = append(keys, rest)
		}
	}
	sort.Strings(keys)
	return keys
}
