package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3 destination.
type S3Options struct {
	Bucket string
	// Key is the object key. "{time}" is replaced by the UTC export time
	// (20060102T150405Z), which keeps one object per pass instead of
	// overwriting a single one.
	Key    string
	Region string
	// Endpoint selects an S3-compatible service such as MinIO; it also
	// turns on path-style addressing.
	Endpoint string
}

// objectPutter is the part of *s3.Client the destination uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination uploads each export as an object.
type S3Destination struct {
	client objectPutter
	opts   S3Options
	now    func() time.Time
}

// NewS3Destination loads credentials the standard AWS way (environment,
// shared config, instance role) and builds the client.
func NewS3Destination(ctx context.Context, opts S3Options) (*S3Destination, error) {
	if opts.Bucket == "" || opts.Key == "" {
		return nil, fmt.Errorf("s3 archive needs a bucket and a key")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Destination{client: client, opts: opts, now: time.Now}, nil
}

func (d *S3Destination) Name() string { return "s3" }

// ObjectKey returns the key the next Write uses.
func (d *S3Destination) ObjectKey() string {
	return strings.ReplaceAll(d.opts.Key, "{time}", d.now().UTC().Format("20060102T150405Z"))
}

func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	key := d.ObjectKey()
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", d.opts.Bucket, key, err)
	}
	return nil
}
