package backup

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ratticdb/rattic/internal/config"
)

// objectPutter is the part of the S3 client the uploader uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader puts backups into a bucket under a key prefix.
type S3Uploader struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Uploader builds an S3 client from the backup settings. Static keys
// are used when set; otherwise the default AWS credential chain applies.
// A custom endpoint (MinIO and friends) switches to path-style addressing.
func NewS3Uploader(ctx context.Context, cfg config.BackupConfig) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Uploader{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

// Upload implements Uploader and returns the s3:// location.
func (u *S3Uploader) Upload(ctx context.Context, name string, body []byte) (string, error) {
	key := path.Join(u.prefix, name)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", u.bucket, key, err)
	}
	return "s3://" + u.bucket + "/" + key, nil
}
