package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// S3Config selects the bucket received files are uploaded to. Endpoint is
// set for S3-compatible stores such as MinIO; static keys are optional and
// fall back to the default credential chain.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Persister uploads each completed file as one object.
type S3Persister struct {
	client putObjectAPI
	bucket string
	prefix string
}

func NewS3Persister(ctx context.Context, cfg S3Config) (*S3Persister, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Persister{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *S3Persister) Persist(ctx context.Context, name string, r io.Reader, size int64) error {
	name, err := ValidateName(name)
	if err != nil {
		return err
	}
	key := name
	if p.prefix != "" {
		key = path.Join(p.prefix, name)
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	logger.Sugar.Infof("[Storage] uploaded s3://%s/%s (%d bytes)", p.bucket, key, size)
	return nil
}
