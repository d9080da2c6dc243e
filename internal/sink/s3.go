package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// S3API is the subset of the S3 client used by the sink.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 uses the default AWS credential chain.
func NewS3(ctx context.Context, cfg model.S3Mirror) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewS3WithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

func NewS3WithClient(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) Put(ctx context.Context, b Batch) error {
	raw, meta, err := Encode(b)
	if err != nil {
		return err
	}
	key := path.Join(s.prefix, Key(b))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"run-id":      meta.RunID,
			"target":      meta.Target,
			"fingerprint": meta.Fingerprint,
			"records":     strconv.Itoa(meta.Records),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put s3://%s/%s: %w", s.bucket, key, err)
	}
	slog.DebugContext(ctx, "raw records mirrored", "bucket", s.bucket, "key", key)
	return nil
}
