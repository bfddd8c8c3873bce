// Package storage writes rendered report artifacts to the local filesystem
// and, when a bucket is configured, mirrors them to S3. Returned paths are
// always relative keys.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// Uploader stores body under key and returns the stored key.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Config selects the backends.
type Config struct {
	Dir         string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// New builds the local uploader and, if S3Bucket is set, an S3 mirror.
func New(ctx context.Context, cfg Config, log *logrus.Entry) (Uploader, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "./storage"
	}
	local := &Local{BaseDir: dir}
	if cfg.S3Bucket == "" {
		return local, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Mirror{Primary: local, Secondary: &S3{client: client, bucket: cfg.S3Bucket}, Log: log}, nil
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// CleanKey normalizes key into a relative slash path and rejects escapes.
func CleanKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return key, nil
}

// Local writes under BaseDir.
type Local struct {
	BaseDir string
}

func (l *Local) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return key, nil
}

// S3 puts objects into one bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func (s *S3) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// Mirror writes to Primary and copies to Secondary. A Secondary failure is
// logged; only Primary decides the outcome.
type Mirror struct {
	Primary   Uploader
	Secondary Uploader
	Log       *logrus.Entry
}

func (m *Mirror) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if m.Primary == nil {
		return "", errors.New("no primary uploader configured")
	}
	stored, err := m.Primary.Upload(ctx, key, body, contentType)
	if err != nil {
		return "", err
	}
	if m.Secondary != nil {
		if _, err := m.Secondary.Upload(ctx, stored, body, contentType); err != nil && m.Log != nil {
			m.Log.WithError(err).WithField("key", stored).Warn("mirror upload failed")
		}
	}
	return stored, nil
}
