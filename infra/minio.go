package infra

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/formanova/studio-core/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient stores built delivery archives in an S3-compatible bucket.
type MinioClient struct {
	Client   *minio.Client
	Bucket   string
	Endpoint string
}

func InitMinioClient(cfg *config.EnvConfig) *MinioClient {
	endpoint := cfg.Minio.Endpoint
	if endpoint == "" {
		panic("MinIO endpoint is not configured")
	}
	if cfg.Minio.AccessKey == "" || cfg.Minio.SecretKey == "" {
		panic("MinIO credentials are not configured")
	}

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
		Secure: cfg.Minio.UseSSL,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize MinIO client: %v", err))
	}

	client := &MinioClient{
		Client:   minioClient,
		Bucket:   cfg.Minio.ArchiveBucket,
		Endpoint: endpoint,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.EnsureBucket(ctx); err != nil {
		panic(fmt.Sprintf("Failed to prepare archive bucket: %v", err))
	}

	return client
}

func (m *MinioClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.Client.BucketExists(ctx, m.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.Client.MakeBucket(ctx, m.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.Bucket, err)
	}
	return nil
}

func (m *MinioClient) PutArchive(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := m.Client.PutObject(ctx, m.Bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	return nil
}

func (m *MinioClient) ArchiveExists(ctx context.Context, key string) (bool, error) {
	_, err := m.Client.StatObject(ctx, m.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat archive: %w", err)
	}
	return true, nil
}

// PresignArchive returns a download URL that names the file filename.
func (m *MinioClient) PresignArchive(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))

	u, err := m.Client.PresignedGetObject(ctx, m.Bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("failed to presign archive: %w", err)
	}
	return u.String(), nil
}

func (m *MinioClient) DeleteArchive(ctx context.Context, key string) error {
	if err := m.Client.RemoveObject(ctx, m.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}
