// Package storage fetches firmware images from an S3 bucket. Public
// firmware release buckets are supported through anonymous credentials.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/picoflash/picoflash/pkg/errors"
)

// Client provides firmware image retrieval from S3.
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates an S3 client against the given firmware bucket.
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("firmware_store_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// FetchResult contains download metadata for a firmware image.
type FetchResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Fetch downloads a firmware image by key, computing its SHA-256 while
// the bytes stream to disk.
func (c *Client) Fetch(ctx context.Context, key, localPath string) (*FetchResult, error) {
	slog.Info("firmware_fetch_start", "bucket", c.bucket, "key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("firmware_fetch_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get firmware image from S3")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("firmware_local_file_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if err != nil {
		slog.Error("firmware_download_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download firmware image")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("firmware_fetch_complete",
		"key", key,
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &FetchResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// ListImages lists firmware image keys under a prefix.
func (c *Client) ListImages(ctx context.Context, prefix string) ([]string, error) {
	slog.Info("firmware_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("firmware_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list firmware images")
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("firmware_list_complete", "prefix", prefix, "image_count", len(keys))
	return keys, nil
}

// Exists checks whether a firmware image key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err.Error() == "NotFound" {
			slog.Info("firmware_image_not_found", "key", key)
			return false, nil
		}
		slog.Error("firmware_head_failed", "key", key, "error", err)
		return false, errors.Wrap(err, "failed to check firmware image existence")
	}
	return true, nil
}
