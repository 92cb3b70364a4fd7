package covers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Signer turns an object key into a time-limited URL.
type Signer interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// MinioSigner presigns cover objects stored in MinIO/S3 compatible storage.
type MinioSigner struct {
	client *minio.Client
	bucket string
}

// MinioConfig configures a MinioSigner.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// NewMinioSigner connects to MinIO and checks the cover bucket exists.
func NewMinioSigner(cfg MinioConfig) (*MinioSigner, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("cover endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("cover bucket %q does not exist", cfg.Bucket)
	}
	return &MinioSigner{client: client, bucket: cfg.Bucket}, nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioSigner) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}
