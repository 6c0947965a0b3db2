package publisher

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
)

// ErrTransfer marks every publish failure.
var ErrTransfer = errors.New("artifact transfer failed")

// Published describes an artifact that can be fetched remotely.
type Published struct {
	URL        string
	Key        string
	Size       int64
	Compressed bool
}

// Publisher moves a local artifact to a location clients can fetch.
type Publisher interface {
	Publish(ctx context.Context, taskID, localPath string) (*Published, error)
	// Delete removes everything published for the task. Best-effort.
	Delete(ctx context.Context, taskID string) error
}

// objectAPI is the part of *minio.Client the publisher needs.
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// MinioPublisher uploads artifacts into a MinIO bucket, optionally gzip-compressed.
type MinioPublisher struct {
	client objectAPI
	bucket string
	cfg    config.PublisherConfig
	logger *logger.Logger

	mu          sync.Mutex
	bucketReady bool
}

// NewMinioPublisher creates a publisher on top of an existing MinIO client.
func NewMinioPublisher(client *minio.Client, bucket string, cfg config.PublisherConfig, logger *logger.Logger) *MinioPublisher {
	return newMinioPublisher(client, bucket, cfg, logger)
}

func newMinioPublisher(client objectAPI, bucket string, cfg config.PublisherConfig, logger *logger.Logger) *MinioPublisher {
	return &MinioPublisher{
		client: client,
		bucket: bucket,
		cfg:    cfg,
		logger: logger.WithComponent("publisher"),
	}
}

func (p *MinioPublisher) ensureBucket(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bucketReady {
		return nil
	}
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
		p.logger.WithPayload(map[string]interface{}{"bucket": p.bucket}).Info("Created bucket")
	}
	p.bucketReady = true
	return nil
}

func (p *MinioPublisher) taskPrefix(taskID string) string {
	return path.Join(p.cfg.Prefix, taskID) + "/"
}

// Publish implements Publisher.
func (p *MinioPublisher) Publish(ctx context.Context, taskID, localPath string) (*Published, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if err := p.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("%w: bucket %s: %w", ErrTransfer, p.bucket, err)
	}

	upload := localPath
	key := p.taskPrefix(taskID) + filepath.Base(localPath)
	size := info.Size()
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if p.cfg.Compress {
		gz, gzSize, err := compressFile(localPath)
		if err != nil {
			return nil, fmt.Errorf("%w: compress: %w", ErrTransfer, err)
		}
		defer os.Remove(gz)
		upload, size = gz, gzSize
		key += ".gz"
		opts.ContentType = "application/gzip"
	}

	if _, err := p.client.FPutObject(ctx, p.bucket, key, upload, opts); err != nil {
		return nil, fmt.Errorf("%w: upload %s: %w", ErrTransfer, key, err)
	}

	u, err := p.objectURL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: url for %s: %w", ErrTransfer, key, err)
	}
	p.logger.WithTask(taskID).WithPayload(map[string]interface{}{
		"key":        key,
		"size":       size,
		"compressed": p.cfg.Compress,
	}).Info("Published artifact")
	return &Published{URL: u, Key: key, Size: size, Compressed: p.cfg.Compress}, nil
}

func (p *MinioPublisher) objectURL(ctx context.Context, key string) (string, error) {
	if p.cfg.PublicBaseURL != "" {
		return strings.TrimRight(p.cfg.PublicBaseURL, "/") + "/" + p.bucket + "/" + key, nil
	}
	u, err := p.client.PresignedGetObject(ctx, p.bucket, key, p.cfg.PresignExpiry.Duration, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Delete implements Publisher.
func (p *MinioPublisher) Delete(ctx context.Context, taskID string) error {
	var errs []error
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: p.taskPrefix(taskID), Recursive: true}) {
		if obj.Err != nil {
			errs = append(errs, obj.Err)
			continue
		}
		if err := p.client.RemoveObject(ctx, p.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compressFile gzips src into a sibling temp file and returns its path and size.
func compressFile(src string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(src), filepath.Base(src)+".*.gz")
	if err != nil {
		return "", 0, err
	}
	zw, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", 0, err
	}
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(out.Name())
		return "", 0, err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", 0, err
	}
	info, err := out.Stat()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", 0, err
	}
	return out.Name(), info.Size(), nil
}

// Local publishes nothing; the artifact is served by this service's download route.
type Local struct {
	BaseURL string
}

// Publish implements Publisher.
func (l Local) Publish(ctx context.Context, taskID, localPath string) (*Published, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return &Published{
		URL:  strings.TrimRight(l.BaseURL, "/") + "/api/v1/tasks/" + taskID + "/download",
		Key:  localPath,
		Size: info.Size(),
	}, nil
}

// Delete implements Publisher.
func (l Local) Delete(ctx context.Context, taskID string) error { return nil }
