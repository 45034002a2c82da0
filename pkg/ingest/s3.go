package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// S3Source locates a CSV object in a bucket. Without an access key the
// default AWS credential chain is used.
type S3Source struct {
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// Validate checks the required fields.
func (s S3Source) Validate() error {
	if strings.TrimSpace(s.Bucket) == "" {
		return apperrors.FieldValidation("bucket", "bucket is required")
	}
	if strings.TrimSpace(s.Key) == "" {
		return apperrors.FieldValidation("key", "object key is required")
	}
	if (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
		return apperrors.FieldValidation("secret_access_key", "access key and secret must be given together")
	}
	return nil
}

// ObjectGetter is the part of the S3 client used to read objects.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ClientFunc builds a client for a source.
type S3ClientFunc func(ctx context.Context, region string, src S3Source) (ObjectGetter, error)

// S3Fetcher reads CSV objects from S3.
type S3Fetcher struct {
	defaultRegion string
	maxSize       int64
	newClient     S3ClientFunc
	logger        *zap.Logger
}

// NewS3Fetcher creates a fetcher that uses the AWS SDK.
func NewS3Fetcher(defaultRegion string, maxSize int64, logger *zap.Logger) *S3Fetcher {
	return NewS3FetcherWithClient(defaultRegion, maxSize, newAWSClient, logger)
}

// NewS3FetcherWithClient creates a fetcher with a custom client constructor.
func NewS3FetcherWithClient(defaultRegion string, maxSize int64, newClient S3ClientFunc, logger *zap.Logger) *S3Fetcher {
	return &S3Fetcher{
		defaultRegion: defaultRegion,
		maxSize:       maxSize,
		newClient:     newClient,
		logger:        logger.Named("s3-fetcher"),
	}
}

func newAWSClient(ctx context.Context, region string, src S3Source) (ObjectGetter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if src.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(src.AccessKeyID, src.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Fetch downloads the object and reads it as CSV.
func (f *S3Fetcher) Fetch(ctx context.Context, src S3Source, opts CSVOptions) (*models.Frame, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	region := src.Region
	if region == "" {
		region = f.defaultRegion
	}

	client, err := f.newClient(ctx, region, src)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(src.Bucket),
		Key:    aws.String(strings.TrimPrefix(src.Key, "/")),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, apperrors.FieldValidation("key", "s3://%s/%s does not exist", src.Bucket, src.Key)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", src.Bucket, src.Key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", src.Bucket, src.Key, err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, apperrors.FieldValidation("key", "the object exceeds %d bytes", f.maxSize)
	}

	f.logger.Debug("Downloaded object",
		zap.String("bucket", src.Bucket),
		zap.String("key", src.Key),
		zap.String("region", region),
		zap.Int("bytes", len(body)))

	return ReadCSV(bytes.NewReader(body), opts)
}
