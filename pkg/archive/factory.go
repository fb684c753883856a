package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the payload archive backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a payload archive based on environment variables.
//
// Environment variables:
//   - ANCHOR_ARCHIVE_TYPE: "fs" (default), "s3", or "gcs"
//   - ANCHOR_DATA_DIR: base directory for the filesystem archive (default: "data")
//
// For S3:
//   - ANCHOR_ARCHIVE_S3_BUCKET (required)
//   - ANCHOR_ARCHIVE_S3_REGION or AWS_REGION
//   - ANCHOR_ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ANCHOR_ARCHIVE_S3_PREFIX (optional)
//
// For GCS:
//   - ANCHOR_ARCHIVE_GCS_BUCKET (required)
//   - ANCHOR_ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("ANCHOR_ARCHIVE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("ANCHOR_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "payloads"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ANCHOR_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ANCHOR_ARCHIVE_S3_BUCKET is required for S3 archival")
	}

	region := os.Getenv("ANCHOR_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ANCHOR_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ANCHOR_ARCHIVE_S3_PREFIX"),
	})
}
