package retention

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/reimonlp/greenhouse/internal/infrastructure/config"
)

const (
	defaultRegion = "us-east-1"
	jsonLinesType = "application/x-ndjson"
)

// Archiver stores a batch of expired rows before they are deleted.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte) error
}

// S3Archiver writes archives to an S3-compatible bucket (AWS S3 or MinIO).
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds an archiver from config. Static keys are used when
// set; otherwise the default AWS credential chain applies.
func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig, optFns ...func(*s3.Options)) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO and older gateways reject the default trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		for _, fn := range optFns {
			fn(o)
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads body as a JSON-lines object, replacing any object at key.
func (a *S3Archiver) Put(ctx context.Context, key string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(jsonLinesType),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// archiveKey returns {prefix}/{table}/{day}.jsonl, dropping an empty prefix.
func archiveKey(prefix, table, day string) string {
	if prefix == "" {
		return fmt.Sprintf("%s/%s.jsonl", table, day)
	}
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, table, day)
}
