// Package archive exports terminal runs to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// ErrNotTerminal is returned when archiving a run that is still active.
var ErrNotTerminal = errors.New("run is not terminal")

// Config holds S3/MinIO connection configuration.
type Config struct {
	// Endpoint for MinIO (e.g., "minio.automations.svc:9000").
	// Leave empty for AWS S3.
	Endpoint string

	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for a custom endpoint.
	UseSSL bool

	// PathPrefix is prepended to every object key.
	PathPrefix string
}

// Putter is the subset of the S3 client used for uploads.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes runs as JSON objects at runs/<project>/<run_id>.json.
type S3Archiver struct {
	client     Putter
	presigner  *s3.PresignClient
	bucket     string
	pathPrefix string
}

// New creates an archiver backed by S3 or MinIO.
func New(ctx context.Context, cfg *Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // MinIO ignores it
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Archiver{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

// NewWithClient creates an archiver around an existing uploader. Presigning
// is unavailable.
func NewWithClient(client Putter, bucket, pathPrefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, pathPrefix: pathPrefix}
}

// Key returns the object key of a run.
func (a *S3Archiver) Key(projectID, runID string) string {
	if projectID == "" {
		projectID = "_"
	}
	key := fmt.Sprintf("runs/%s/%s.json", projectID, runID)
	if a.pathPrefix == "" {
		return key
	}
	return a.pathPrefix + "/" + key
}

// ArchiveRun uploads a terminal run with its step trail.
func (a *S3Archiver) ArchiveRun(ctx context.Context, run *types.Run) error {
	if !run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, run.RunID, run.Status)
	}

	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(run.ProjectID, run.RunID)),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"run-status": string(run.Status),
			"agent-id":   run.AgentID,
		},
	})
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		return fmt.Errorf("put object: %w", err)
	}
	metrics.ArchiveUploads.WithLabelValues("success").Inc()
	return nil
}

// PresignRun returns a time-limited download URL for an archived run.
func (a *S3Archiver) PresignRun(ctx context.Context, projectID, runID string, expiry time.Duration) (string, error) {
	if a.presigner == nil {
		return "", errors.New("presigning not configured")
	}
	result, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.Key(projectID, runID)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return result.URL, nil
}
