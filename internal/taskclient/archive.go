package taskclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"snapbridge/internal/config"
	"snapbridge/internal/manifest"
)

// ManifestSource opens a snapshot's manifest files.
type ManifestSource interface {
	Open(snapshotID, name string) (io.ReadCloser, error)
}

// Archiver copies snapshot manifests to an S3 bucket so they outlive the
// bridge's local disk.
type Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	source   ManifestSource
}

func NewArchiver(client manager.UploadAPIClient, bucket, prefix string, source ManifestSource) *Archiver {
	return &Archiver{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		source:   source,
	}
}

// NewArchiverFromConfig builds an Archiver for the configured bucket.
func NewArchiverFromConfig(ctx context.Context, cfg config.ArchiveConfig, source ManifestSource) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewArchiver(client, cfg.Bucket, cfg.Prefix, source), nil
}

// Key is the object key a manifest of snapshotID is stored under.
func (a *Archiver) Key(snapshotID, name string) string {
	return path.Join(a.prefix, snapshotID, name)
}

// Export uploads the snapshot's manifests and returns the keys written. The
// SHA-256 manifest must exist; the legacy MD5 manifest is skipped when absent.
func (a *Archiver) Export(ctx context.Context, snapshotID string) ([]string, error) {
	var keys []string
	for _, name := range []string{manifest.SHA256FileName, manifest.MD5FileName} {
		key, err := a.upload(ctx, snapshotID, name)
		if err != nil {
			if name == manifest.MD5FileName && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (a *Archiver) upload(ctx context.Context, snapshotID, name string) (string, error) {
	r, err := a.source.Open(snapshotID, name)
	if err != nil {
		return "", err
	}
	defer r.Close()

	key := a.Key(snapshotID, name)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s to %s: %w", key, a.bucket, err)
	}
	return key, nil
}
