package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"crossforge/internal/config"
	"crossforge/internal/msg"
)

// Mirror is an object store holding copies of upstream source files, keyed
// by cache name.
type Mirror interface {
	Get(ctx context.Context, key, destPath string) error
	Put(ctx context.Context, key, srcPath string) error
}

// S3Mirror stores sources in an S3-compatible bucket (AWS, R2, MinIO).
type S3Mirror struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3Mirror builds a client from the CROSSFORGE_MIRROR_* settings.
func NewS3Mirror(ctx context.Context, m config.Mirror) (*S3Mirror, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("no mirror bucket configured (CROSSFORGE_MIRROR_BUCKET)")
	}

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(m.Region),
	}
	if m.AccessKey != "" && m.SecretKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(m.AccessKey, m.SecretKey, "")))
	}
	if msg.Debugging() {
		options = append(options, awsconfig.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if m.Endpoint != "" {
			o.BaseEndpoint = aws.String(m.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Mirror{Client: client, Bucket: m.Bucket, Prefix: m.Prefix}, nil
}

func (m *S3Mirror) key(name string) string {
	if m.Prefix == "" {
		return name
	}
	return path.Join(m.Prefix, name)
}

// Get downloads key into destPath.
func (m *S3Mirror) Get(ctx context.Context, key, destPath string) error {
	out, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.key(key)),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Put uploads srcPath under key.
func (m *S3Mirror) Put(ctx context.Context, key, srcPath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.Bucket),
		Key:           aws.String(m.key(key)),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	return err
}
