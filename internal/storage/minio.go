package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioGateway implements Gateway against a MinIO (or any S3-compatible)
// endpoint. All scopes live in one bucket; the scope is a key prefix.
type MinioGateway struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// MinioConfig holds connection settings for the object store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Logger    *slog.Logger
}

// NewMinioGateway connects to the object store and ensures the bucket
// exists, creating it when absent.
func NewMinioGateway(ctx context.Context, cfg MinioConfig) (*MinioGateway, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create storage client: %w", err)
	}

	g := &MinioGateway{client: client, bucket: cfg.Bucket, logger: cfg.Logger}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot check bucket %s: %v", ErrUnavailable, cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%w: cannot create bucket %s: %v", ErrUnavailable, cfg.Bucket, err)
		}
		cfg.Logger.Info("created storage bucket", "bucket", cfg.Bucket)
	}

	cfg.Logger.Info("storage gateway initialised",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
	)
	return g, nil
}

func (g *MinioGateway) Download(ctx context.Context, ref ObjectRef, destPath string) error {
	start := time.Now()
	err := g.client.FGetObject(ctx, g.bucket, ref.Key(), destPath, minio.GetObjectOptions{})
	if err != nil {
		return g.classify(err, ref)
	}

	g.logger.Debug("downloaded object",
		"key", ref.Key(),
		"dest", destPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (g *MinioGateway) Upload(ctx context.Context, localPath string, ref ObjectRef, contentType string) error {
	start := time.Now()
	info, err := g.client.FPutObject(ctx, g.bucket, ref.Key(), localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return g.classify(err, ref)
	}

	g.logger.Info("uploaded object",
		"key", ref.Key(),
		"bytes", info.Size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (g *MinioGateway) UploadBytes(ctx context.Context, data []byte, ref ObjectRef, contentType string) error {
	_, err := g.client.PutObject(ctx, g.bucket, ref.Key(), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return g.classify(err, ref)
	}

	g.logger.Debug("uploaded object from bytes", "key", ref.Key(), "bytes", len(data))
	return nil
}

func (g *MinioGateway) Exists(ctx context.Context, ref ObjectRef) (bool, error) {
	_, err := g.client.StatObject(ctx, g.bucket, ref.Key(), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", ErrUnavailable, ref.Key(), err)
}

func (g *MinioGateway) Delete(ctx context.Context, ref ObjectRef) error {
	// RemoveObject succeeds silently on missing keys; stat first so
	// callers get the NotFound the contract promises.
	if _, err := g.client.StatObject(ctx, g.bucket, ref.Key(), minio.StatObjectOptions{}); err != nil {
		return g.classify(err, ref)
	}

	if err := g.client.RemoveObject(ctx, g.bucket, ref.Key(), minio.RemoveObjectOptions{}); err != nil {
		return g.classify(err, ref)
	}

	g.logger.Info("deleted object", "key", ref.Key())
	return nil
}

func (g *MinioGateway) List(ctx context.Context, scope Scope) ([]ObjectRef, error) {
	prefix := string(scope) + "/"
	var refs []ObjectRef

	for obj := range g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, prefix, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" {
			// Directory marker.
			continue
		}
		refs = append(refs, ObjectRef{Scope: scope, Name: name})
	}

	return refs, nil
}

func (g *MinioGateway) Stat(ctx context.Context, ref ObjectRef) (*ObjectInfo, error) {
	info, err := g.client.StatObject(ctx, g.bucket, ref.Key(), minio.StatObjectOptions{})
	if err != nil {
		return nil, g.classify(err, ref)
	}

	return &ObjectInfo{
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
	}, nil
}

func (g *MinioGateway) PresignedURL(ctx context.Context, ref ObjectRef, ttl time.Duration) (string, error) {
	u, err := g.client.PresignedGetObject(ctx, g.bucket, ref.Key(), ttl, url.Values{})
	if err != nil {
		return "", g.classify(err, ref)
	}
	return u.String(), nil
}

func (g *MinioGateway) Ping(ctx context.Context) error {
	if _, err := g.client.BucketExists(ctx, g.bucket); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// classify maps backend errors to the gateway's sentinel errors.
func (g *MinioGateway) classify(err error, ref ObjectRef) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, ref.Key(), err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
