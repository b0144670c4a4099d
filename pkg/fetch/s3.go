package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/higlass/simple-httpfs/internal/metrics"
	"github.com/higlass/simple-httpfs/pkg/fserr"
	"github.com/higlass/simple-httpfs/pkg/resolver"
	"github.com/higlass/simple-httpfs/pkg/retry"
)

// S3Config holds S3 fetcher configuration.
type S3Config struct {
	Region       string
	Profile      string
	Endpoint     string // custom endpoint for S3-compatible stores
	UsePathStyle bool
	Anonymous    bool // skip credential resolution for public buckets
	Retry        retry.Config
}

// S3 fetches objects with the target host as bucket and the target
// path as object key. Safe for concurrent use.
type S3 struct {
	client      *s3.Client
	retryConfig retry.Config
}

// NewS3 creates an S3 fetch client from the ambient AWS configuration,
// overridden by cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &S3{client: client, retryConfig: cfg.Retry}, nil
}

// Probe establishes existence and size of the object via HeadObject.
func (c *S3) Probe(ctx context.Context, target resolver.Target) (Attributes, error) {
	start := time.Now()
	attrs, err := retry.DoWithResult(ctx, c.retryConfig, func() (Attributes, error) {
		return c.probeOnce(ctx, target)
	})
	metrics.RecordProbe(probeOutcome(err), time.Since(start))
	return attrs, err
}

func (c *S3) probeOnce(ctx context.Context, target resolver.Target) (Attributes, error) {
	bucket, key, err := splitObject(target)
	if err != nil {
		return Attributes{}, err
	}

	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Attributes{}, classifyS3Error(err, target.URL())
	}

	attrs := Attributes{Validated: time.Now()}
	if out.ContentLength != nil {
		attrs.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		attrs.ContentType = *out.ContentType
	}
	return attrs, nil
}

// FetchRange issues a ranged GetObject. S3 always honors ranges, so
// the result is Partial.
func (c *S3) FetchRange(ctx context.Context, target resolver.Target, offset, length int64) (*RangeResult, error) {
	start := time.Now()
	result, err := retry.DoWithResult(ctx, c.retryConfig, func() (*RangeResult, error) {
		return c.fetchOnce(ctx, target, offset, length)
	})

	var served int64
	if result != nil {
		served = int64(len(result.Data))
	}
	metrics.RecordRangeRead(served, time.Since(start), err == nil)
	return result, err
}

func (c *S3) fetchOnce(ctx context.Context, target resolver.Target, offset, length int64) (*RangeResult, error) {
	bucket, key, err := splitObject(target)
	if err != nil {
		return nil, err
	}

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		// InvalidRange means the offset starts at or past the end of
		// the object: zero bytes, not an error.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return &RangeResult{Kind: Partial, TotalSize: -1}, nil
		}
		return nil, classifyS3Error(err, target.URL())
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fserr.New(fserr.Network, target.URL(), err)
	}

	total := int64(-1)
	if out.ContentRange != nil {
		if t, ok := parseTotalSize(*out.ContentRange); ok {
			total = t
		}
	}
	return &RangeResult{Kind: Partial, Data: data, TotalSize: total}, nil
}

// splitObject maps a target onto bucket and key.
func splitObject(target resolver.Target) (bucket, key string, err error) {
	bucket = target.Host
	key = strings.TrimPrefix(target.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fserr.Newf(fserr.NotFound, target.URL(), "object URL needs bucket and key")
	}
	return bucket, key, nil
}

func classifyS3Error(err error, url string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fserr.New(fserr.NotFound, url, err)
		case "AccessDenied":
			return fserr.New(fserr.Protocol, url, err)
		case "InternalError", "SlowDown", "ServiceUnavailable", "RequestTimeout":
			return fserr.New(fserr.Network, url, err)
		default:
			return fserr.New(fserr.Protocol, url, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// No service response at all: transport-level failure.
	return fserr.New(fserr.Network, url, err)
}
