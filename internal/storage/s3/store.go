// Package s3 is an L2 store on an S3 bucket. Each entry is one object under the
// configured key prefix; its expiry travels in object metadata. Expired objects are
// reported as absent and removed lazily on read; a bucket lifecycle rule is expected
// to reclaim the rest.
package s3

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

// MetaExpiresAt is the object metadata key holding the expiry in unix nanoseconds
const MetaExpiresAt = "expires-at"

const deleteBatchSize = 1000

// Store implements types.KVStore on S3
type Store struct {
	api       API
	upload    UploadFunc
	threshold int64
	bucket    string
	prefix    string
	logger    types.Logger
	now       func() time.Time
}

var _ types.KVStore = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithUploader routes values of at least threshold bytes through upload
func WithUploader(upload UploadFunc, threshold int64) Option {
	return func(s *Store) {
		s.upload = upload
		s.threshold = threshold
	}
}

// WithLogger sets the store logger
func WithLogger(logger types.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a store over api
func New(api API, cfg config.S3StoreConfig, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "s3 store requires a bucket")
	}
	s := &Store{
		api:    api,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: utils.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open builds the AWS client from cfg, enabling CargoShip uploads when configured
func Open(ctx context.Context, cfg config.S3StoreConfig, logger types.Logger) (*Store, error) {
	if logger == nil {
		logger = utils.NopLogger()
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to create s3 client").WithCause(err)
	}

	opts := []Option{WithLogger(logger)}
	if cfg.UseCargoShip {
		opts = append(opts, WithUploader(NewCargoShipUploader(client, cfg.Bucket, logger), cfg.CargoShipThreshold))
		logger.Info("CargoShip uploads enabled", map[string]interface{}{"threshold": cfg.CargoShipThreshold})
	}
	return New(client, cfg, opts...)
}

func (s *Store) objectKey(key string) string {
	return s.prefix + key
}

func (s *Store) Get(ctx context.Context, key string) (types.Entry, bool, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return types.Entry{}, false, nil
		}
		return types.Entry{}, false, errors.Newf(errors.ErrCodeStoreRead, "failed to get %q", key).WithCause(err)
	}
	defer out.Body.Close()

	e := types.Entry{ExpiresAt: parseExpiry(out.Metadata)}
	if e.Expired(s.now()) {
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Debug("Failed to remove expired object", map[string]interface{}{"key": key, "error": err.Error()})
		}
		return types.Entry{}, false, nil
	}

	if e.Value, err = io.ReadAll(out.Body); err != nil {
		return types.Entry{}, false, errors.Newf(errors.ErrCodeStoreRead, "failed to read body of %q", key).WithCause(err)
	}
	return e, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	metadata := map[string]string{}
	if at := types.ExpiryFor(s.now(), ttl); !at.IsZero() {
		metadata[MetaExpiresAt] = strconv.FormatInt(at.UnixNano(), 10)
	}
	objectKey := s.objectKey(key)

	if s.upload != nil && int64(len(value)) >= s.threshold {
		err := s.upload(ctx, objectKey, value, metadata)
		if err == nil {
			return nil
		}
		s.logger.Warn("CargoShip upload failed, falling back to PutObject", map[string]interface{}{"key": key, "error": err.Error()})
	}

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		Metadata:      metadata,
	})
	if err != nil {
		return errors.Newf(errors.ErrCodeStoreWrite, "failed to put %q", key).WithCause(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isErrorType[*s3types.NoSuchKey](err) {
		return errors.Newf(errors.ErrCodeStoreDelete, "failed to delete %q", key).WithCause(err)
	}
	return nil
}

// DeleteMatching lists objects under the pattern's literal prefix and deletes the
// matches in batches. Listing carries no metadata, so expired matches are counted.
func (s *Store) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	g, err := storage.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	var matched []string
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(storage.LiteralPrefix(pattern))),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, errors.Newf(errors.ErrCodeStoreDelete, "failed to list keys for %q", pattern).WithCause(err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if g.Match(key) {
				matched = append(matched, aws.ToString(obj.Key))
			}
		}
	}

	deleted := 0
	for start := 0; start < len(matched); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(matched))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range matched[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, errors.Newf(errors.ErrCodeStoreDelete, "failed to delete keys matching %q", pattern).WithCause(err)
		}
		deleted += len(ids) - len(out.Errors)
		if len(out.Errors) > 0 {
			return deleted, errors.Newf(errors.ErrCodeStoreDelete, "%d deletes failed for %q: %s",
				len(out.Errors), pattern, aws.ToString(out.Errors[0].Message))
		}
	}
	return deleted, nil
}

// Close is a no-op; the AWS client holds no resources that need releasing
func (s *Store) Close() error {
	return nil
}

func parseExpiry(metadata map[string]string) time.Time {
	for k, v := range metadata {
		if !strings.EqualFold(k, MetaExpiresAt) {
			continue
		}
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ns == 0 {
			return time.Time{}
		}
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
