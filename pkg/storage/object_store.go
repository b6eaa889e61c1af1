package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Size         int64
	ContentType  string
	LastModified time.Time
}

// PresignOptions shape how a browser treats the signed download.
type PresignOptions struct {
	FileName    string
	ContentType string
}

// ObjectStore is read access to the bucket holding uploaded attachments.
// Uploads happen elsewhere.
type ObjectStore interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration, opts PresignOptions) (string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioStore serves attachments from MinIO or any S3 compatible store.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects and checks the bucket. The bucket is never created
// here; attachments are written by the upload path that owns it.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if strings.TrimSpace(cfg.Endpoint) == "" || bucket == "" {
		return nil, errors.New("minio endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", bucket)
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration, opts PresignOptions) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, presignParams(opts))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (m *MinioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return ObjectInfo{Size: info.Size, ContentType: info.ContentType, LastModified: info.LastModified}, nil
}

// presignParams sets the response overrides S3 honours on signed GETs.
// Images render inline; everything else downloads under its file name.
func presignParams(opts PresignOptions) url.Values {
	params := url.Values{}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		params.Set("response-content-type", ct)
	}
	if name := strings.TrimSpace(opts.FileName); name != "" {
		disposition := "attachment"
		if strings.HasPrefix(strings.ToLower(opts.ContentType), "image/") {
			disposition = "inline"
		}
		params.Set("response-content-disposition", mime.FormatMediaType(disposition, map[string]string{"filename": name}))
	}
	if len(params) == 0 {
		return nil
	}
	return params
}
