package state

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

// fakeObjectStore is an in-memory stand-in for an S3 client, sufficient to
// exercise Store's load/save round trip without network access.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjectStore) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newFakeObjectStore()

	s1, err := NewStore(ctx, Options{Client: backend, Bucket: "b", Key: "state.json"})
	require.NoError(t, err)
	require.Empty(t, s1.All())

	key := NewStepKey("net", "111111111111", "us-east-1")
	rec := CurrentRecord{
		Variables:       map[string]Value{"cidr": "10.0.0.0/16"},
		ModuleHash:      "abc123",
		Outputs:         map[string]Value{"vpcId": "vpc-1"},
		LastChangedTime: "2026-01-01T00:00:00Z",
	}
	s1.Put(key, rec)
	require.NoError(t, s1.Save(ctx))
	s1.Stop()

	s2, err := NewStore(ctx, Options{Client: backend, Bucket: "b", Key: "state.json"})
	require.NoError(t, err)
	defer s2.Stop()

	got, ok := s2.Get(key)
	require.True(t, ok)
	require.Equal(t, rec, got)
	require.Len(t, s2.All(), 1)
}

func TestStoreDeleteRemovesKey(t *testing.T) {
	ctx := context.Background()
	backend := newFakeObjectStore()
	s, err := NewStore(ctx, Options{Client: backend, Bucket: "b", Key: "state.json"})
	require.NoError(t, err)
	defer s.Stop()

	key := NewStepKey("net", "1", "us-east-1")
	s.Put(key, CurrentRecord{})
	_, ok := s.Get(key)
	require.True(t, ok)

	s.Delete(key)
	_, ok = s.Get(key)
	require.False(t, ok)
}

func TestStoreMissingObjectIsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := newFakeObjectStore()
	s, err := NewStore(ctx, Options{Client: backend, Bucket: "does-not-exist", Key: "state.json"})
	require.NoError(t, err)
	defer s.Stop()
	require.Empty(t, s.All())
}
