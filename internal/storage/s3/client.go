package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	cargoconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/types"
)

// API is the subset of the S3 client the store uses. *s3.Client satisfies it.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// UploadFunc uploads one object. It is used for values at or above the CargoShip threshold.
type UploadFunc func(ctx context.Context, key string, body []byte, metadata map[string]string) error

const cargoShipConcurrency = 4

// NewClient builds an S3 client from the store configuration. Static credentials are
// used when both keys are set; otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg config.S3StoreConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// NewCargoShipUploader wraps a CargoShip transporter for large values
func NewCargoShipUploader(client *s3.Client, bucket string, logger types.Logger) UploadFunc {
	transporter := cargoships3.NewTransporter(client, cargoconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       cargoconfig.StorageClassStandard,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        cargoShipConcurrency,
	})

	return func(ctx context.Context, key string, body []byte, metadata map[string]string) error {
		result, err := transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(body),
			Size:         int64(len(body)),
			StorageClass: cargoconfig.StorageClassStandard,
			Metadata:     metadata,
		})
		if err != nil {
			return err
		}
		logger.Debug("CargoShip upload completed", map[string]interface{}{
			"key":        key,
			"size":       len(body),
			"throughput": result.Throughput,
			"duration":   result.Duration.String(),
		})
		return nil
	}
}
