// Package blobstore persists full event payloads to S3-compatible object
// storage. The blob store is the authoritative record: the analytical store
// keeps only indexable columns plus a reference key back into this store.
//
// Keys are deterministic functions of the payload identity, so reprocessing
// a redelivered message writes the same key and the store stays idempotent.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sievetrace-io/sievetrace/internal/config"
	"github.com/sievetrace-io/sievetrace/internal/event"
)

// Blob store errors.
var (
	// ErrMissingBucket indicates no bucket was configured.
	ErrMissingBucket = errors.New("blob store bucket is required")

	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("blob not found")
)

type (
	// Config holds object storage settings, loaded from BLOB_* environment
	// variables. Endpoint and path-style addressing support S3-compatible
	// providers such as MinIO.
	Config struct {
		Bucket       string
		Prefix       string
		Region       string
		Endpoint     string
		UsePathStyle bool

		// AccessKey and SecretKey override the default AWS credential chain
		// when both are set. MinIO deployments typically need these.
		AccessKey string
		SecretKey string
	}

	// Client wraps the S3 client with the payload key scheme and idempotent
	// writes.
	Client struct {
		s3     *s3.Client
		bucket string
		prefix string
		logger *slog.Logger
	}
)

// LoadConfig loads blob store settings from the environment.
func LoadConfig() *Config {
	return &Config{
		Bucket:       config.GetEnvStr("BLOB_BUCKET", "sievetrace-events"),
		Prefix:       config.GetEnvStr("BLOB_PREFIX", ""),
		Region:       config.GetEnvStr("BLOB_REGION", "us-east-1"),
		Endpoint:     config.GetEnvStr("BLOB_ENDPOINT", ""),
		UsePathStyle: config.GetEnvBool("BLOB_PATH_STYLE", false),
		AccessKey:    config.GetEnvStr("BLOB_ACCESS_KEY", ""),
		SecretKey:    config.GetEnvStr("BLOB_SECRET_KEY", ""),
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return ErrMissingBucket
	}

	return nil
}

// New creates a blob store client from the given configuration, using the
// AWS default credential chain unless static keys are configured.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Client{
		s3:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// EnsureBucket creates the configured bucket if it does not exist. Already
// existing or already owned buckets are not errors.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.bucket})
	if err == nil {
		return nil
	}

	_, err = c.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &c.bucket})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou

		var exists *types.BucketAlreadyExists

		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}

		return fmt.Errorf("create bucket %q: %w", c.bucket, err)
	}

	c.logger.Info("created blob bucket", slog.String("bucket", c.bucket))

	return nil
}

// PutDecisionEvent stores the full decision event payload and returns its
// key. Decision events are immutable, so an already stored key is left
// untouched and a redelivered message is a no-op.
func (c *Client) PutDecisionEvent(ctx context.Context, e *event.DecisionEvent) (string, error) {
	key := c.withPrefix(DecisionKey(e))

	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err == nil {
		c.logger.Debug("blob already stored", slog.String("key", key))

		return key, nil
	}

	return key, c.put(ctx, key, e, map[string]string{
		"event-id": e.EventID,
		"run-id":   e.RunID,
		"step-id":  e.StepID,
	})
}

// PutRun stores the full run payload and returns its key. Run snapshots
// share one key, so the terminal snapshot overwrites the initial one.
func (c *Client) PutRun(ctx context.Context, r *event.Run) (string, error) {
	key := c.withPrefix(RunKey(r))

	return key, c.put(ctx, key, r, map[string]string{
		"run-id":      r.RunID,
		"pipeline-id": r.PipelineID,
	})
}

// PutStep stores the full step payload and returns its key. As with runs,
// the completion snapshot overwrites the entry snapshot at the same key.
func (c *Client) PutStep(ctx context.Context, s *event.Step) (string, error) {
	key := c.withPrefix(StepKey(s))

	return key, c.put(ctx, key, s, map[string]string{
		"step-id": s.StepID,
		"run-id":  s.RunID,
	})
}

// put writes one payload. Deterministic keys make the write idempotent at
// the storage level: rewriting the same content is harmless.
func (c *Client) put(ctx context.Context, key string, payload any, metadata map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal blob %q: %w", key, err)
	}

	contentType := "application/json"

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("put blob %q: %w", key, err)
	}

	return nil
}

// Get fetches a stored payload by key. A missing key returns ErrNotFound so
// callers can degrade gracefully instead of failing the request.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("get blob %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("read blob %q: %w", key, err)
	}

	return buf.Bytes(), nil
}

// DecisionKey returns the date-partitioned key for a decision event,
// derived from its capture timestamp.
func DecisionKey(e *event.DecisionEvent) string {
	return datedKey("decisions", e.Timestamp, e.EventID)
}

// RunKey returns the date-partitioned key for a run, derived from its start
// time so both snapshots of the same run share one key.
func RunKey(r *event.Run) string {
	return datedKey("runs", r.StartedAt, r.RunID)
}

// StepKey returns the date-partitioned key for a step.
func StepKey(s *event.Step) string {
	return datedKey("steps", s.StartedAt, s.StepID)
}

// RunKeyFor reconstructs a run's stored key (prefix included) from the fields
// the analytical store indexes, for read-side hydration.
func (c *Client) RunKeyFor(startedAt time.Time, runID string) string {
	return c.withPrefix(datedKey("runs", event.At(startedAt), runID))
}

// StepKeyFor reconstructs a step's stored key (prefix included).
func (c *Client) StepKeyFor(startedAt time.Time, stepID string) string {
	return c.withPrefix(datedKey("steps", event.At(startedAt), stepID))
}

func datedKey(kind string, ts event.Timestamp, id string) string {
	return fmt.Sprintf("%s/%s/%s.json", kind, ts.UTC().Format("2006/01/02"), id)
}

func (c *Client) withPrefix(key string) string {
	if c.prefix == "" {
		return key
	}

	return c.prefix + "/" + key
}
