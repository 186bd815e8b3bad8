package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage/storagetest"
	engineerrors "github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
)

type object struct {
	body     []byte
	metadata map[string]string
}

// fakeS3 is an in-memory bucket
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]object
	puts    int
	listed  []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]object)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.body)),
		Metadata: obj.metadata,
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[aws.ToString(in.Key)] = object{body: body, metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	f.listed = append(f.listed, prefix)

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func newTestStore(t *testing.T, api API, opts ...Option) *Store {
	s, err := New(api, config.S3StoreConfig{Bucket: "cache", Prefix: "engine/"}, opts...)
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) types.KVStore {
		return newTestStore(t, newFakeS3())
	})
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(newFakeS3(), config.S3StoreConfig{})
	assert.Equal(t, engineerrors.ErrCodeInvalidConfig, engineerrors.CodeOf(err))
}

func TestStore_KeysArePrefixed(t *testing.T) {
	api := newFakeS3()
	s := newTestStore(t, api)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user_1", []byte("v"), 0))
	_, ok := api.objects["engine/user_1"]
	assert.True(t, ok)

	_, err := s.DeleteMatching(ctx, "user_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"engine/user_"}, api.listed)
}

func TestStore_LargeValuesUseUploader(t *testing.T) {
	api := newFakeS3()
	var uploaded []string
	upload := func(ctx context.Context, key string, body []byte, metadata map[string]string) error {
		uploaded = append(uploaded, key)
		api.mu.Lock()
		api.objects[key] = object{body: body, metadata: metadata}
		api.mu.Unlock()
		return nil
	}
	s := newTestStore(t, api, WithUploader(upload, 1024))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "small", []byte("x"), 0))
	require.NoError(t, s.Set(ctx, "large", bytes.Repeat([]byte("x"), 2048), 0))

	assert.Equal(t, []string{"engine/large"}, uploaded)
	assert.Equal(t, 1, api.puts)

	e, ok, err := s.Get(ctx, "large")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, e.Value, 2048)
}

func TestStore_UploaderFailureFallsBack(t *testing.T) {
	api := newFakeS3()
	failing := func(context.Context, string, []byte, map[string]string) error {
		return errors.New("throughput check failed")
	}
	s := newTestStore(t, api, WithUploader(failing, 1))

	require.NoError(t, s.Set(context.Background(), "k", []byte("value"), 0))
	assert.Equal(t, 1, api.puts)
}

func TestParseExpiry(t *testing.T) {
	assert.True(t, parseExpiry(nil).IsZero())
	assert.True(t, parseExpiry(map[string]string{MetaExpiresAt: "junk"}).IsZero())
	assert.Equal(t, int64(42), parseExpiry(map[string]string{"Expires-At": "42"}).UnixNano())
}
