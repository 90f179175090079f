package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// S3TemplateStore serves bootstrap templates from an S3 bucket, one object
// per workload under a fixed key prefix.
type S3TemplateStore struct {
	client      *s3.S3
	bucket      string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3TemplateStore creates an S3 template store. Without credentials the
// store still works against publicly readable buckets.
func NewS3TemplateStore(bucket, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3TemplateStore, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucket, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3TemplateStore{
		client:      s3.New(sess),
		bucket:      bucket,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Load fetches the template object for a workload. Returns
// ErrTemplateNotFound when the key does not exist.
func (s *S3TemplateStore) Load(ctx context.Context, workload string) ([]byte, error) {
	start := time.Now()
	key := s.objectKey(workload)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			s.log.Debug("Template not found in S3",
				slog.String("bucket", s.bucket),
				slog.String("key", key))
			return nil, interfaces.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read template body: %w", err)
	}

	s.log.Debug("Loaded template from S3",
		slog.String("bucket", s.bucket),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// LocationURI returns the URI that identifies this template store.
func (s *S3TemplateStore) LocationURI() string {
	return s.locationURI
}

func (s *S3TemplateStore) objectKey(workload string) string {
	name := workload + templateExtension
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}
