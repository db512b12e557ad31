package report

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	appconfig "bulk-reconciliation-backend/internal/config"
	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of *s3.Client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds a client from the default AWS chain, with static
// credentials and a custom endpoint when configured.
func NewS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Sink uploads each report as one object.
type S3Sink struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	encoder Encoder
	timeout time.Duration
	now     func() time.Time
	log     *logger.Entry
}

func NewS3Sink(client ObjectPutter, bucket, prefix string, enc Encoder) *S3Sink {
	return &S3Sink{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		encoder: enc,
		timeout: 2 * time.Minute,
		now:     time.Now,
		log:     logger.GetLogger().WithComponent("report_sink"),
	}
}

func (s *S3Sink) key(batchID string) string {
	return path.Join(s.prefix, "batch="+safeName(batchID), FileName(batchID, s.encoder.Extension(), s.now()))
}

func (s *S3Sink) Write(ctx context.Context, batchID string, records []models.DiscrepancyRecord) (string, error) {
	var buf bytes.Buffer
	if err := s.encoder.Encode(&buf, records); err != nil {
		return "", fmt.Errorf("encode %s report for %s: %w", s.encoder.Extension(), batchID, err)
	}

	key := s.key(batchID)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(s.encoder.ContentType()),
		Metadata: map[string]string{
			"batch-id":      batchID,
			"discrepancies": fmt.Sprintf("%d", len(records)),
		},
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload report %s: %w", key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.log.WithFields(logger.Fields{
		"batch_id":      batchID,
		"location":      location,
		"discrepancies": len(records),
	}).Info("discrepancy report uploaded")
	return location, nil
}
