package publisher

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/pkg/logger"
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
)

type fakeObjects struct {
	mu        sync.Mutex
	buckets   map[string]bool
	objects   map[string][]byte
	putErr    error
	madeCount int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{buckets: map[string]bool{}, objects: map[string][]byte{}}
}

func (f *fakeObjects) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeObjects) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	f.madeCount++
	return nil
}

func (f *fakeObjects) FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[object] = data
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func (f *fakeObjects) PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	return url.Parse("http://minio.local/" + bucket + "/" + object + "?X-Amz-Expires=" + expires.String())
}

func (f *fakeObjects) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan minio.ObjectInfo, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, opts.Prefix) {
			ch <- minio.ObjectInfo{Key: k}
		}
	}
	close(ch)
	return ch
}

func (f *fakeObjects) RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, object)
	return nil
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "point_cloud.ply")
	if err := os.WriteFile(p, bytes.Repeat([]byte("ply data "), 100), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestMinioPublisherUploadsAndPresigns(t *testing.T) {
	objs := newFakeObjects()
	cfg := config.Default().Publisher
	p := newMinioPublisher(objs, "models-bucket", cfg, logger.Nop())

	pub, err := p.Publish(context.Background(), "task-1", writeArtifact(t))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if pub.Key != "models/task-1/point_cloud.ply" {
		t.Errorf("Key = %s", pub.Key)
	}
	if !strings.HasPrefix(pub.URL, "http://minio.local/models-bucket/models/task-1/") {
		t.Errorf("URL = %s", pub.URL)
	}
	if objs.madeCount != 1 {
		t.Errorf("bucket created %d times, want 1", objs.madeCount)
	}

	if _, err := p.Publish(context.Background(), "task-1", writeArtifact(t)); err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if objs.madeCount != 1 {
		t.Errorf("bucket recreated")
	}
}

func TestMinioPublisherCompresses(t *testing.T) {
	objs := newFakeObjects()
	cfg := config.Default().Publisher
	cfg.Compress = true
	cfg.PublicBaseURL = "https://cdn.example.com/"
	p := newMinioPublisher(objs, "b", cfg, logger.Nop())

	src := writeArtifact(t)
	pub, err := p.Publish(context.Background(), "task-2", src)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !pub.Compressed || !strings.HasSuffix(pub.Key, ".ply.gz") {
		t.Errorf("published = %+v", pub)
	}
	if pub.URL != "https://cdn.example.com/b/"+pub.Key {
		t.Errorf("URL = %s", pub.URL)
	}

	zr, err := gzip.NewReader(bytes.NewReader(objs.objects[pub.Key]))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	got, _ := io.ReadAll(zr)
	want, _ := os.ReadFile(src)
	if !bytes.Equal(got, want) {
		t.Errorf("decompressed object differs from the source")
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(src), "*.gz"))
	if len(leftovers) != 0 {
		t.Errorf("temporary archives left behind: %v", leftovers)
	}
}

func TestMinioPublisherFailureIsTransferError(t *testing.T) {
	objs := newFakeObjects()
	objs.putErr = errors.New("connection refused")
	p := newMinioPublisher(objs, "b", config.Default().Publisher, logger.Nop())

	_, err := p.Publish(context.Background(), "task-3", writeArtifact(t))
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("Publish() error = %v, want ErrTransfer", err)
	}

	_, err = p.Publish(context.Background(), "task-3", filepath.Join(t.TempDir(), "missing.ply"))
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("Publish(missing) error = %v, want ErrTransfer", err)
	}
}

func TestMinioPublisherDelete(t *testing.T) {
	objs := newFakeObjects()
	p := newMinioPublisher(objs, "b", config.Default().Publisher, logger.Nop())
	p.Publish(context.Background(), "task-4", writeArtifact(t))
	p.Publish(context.Background(), "task-5", writeArtifact(t))

	if err := p.Delete(context.Background(), "task-4"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	for k := range objs.objects {
		if strings.Contains(k, "task-4") {
			t.Errorf("object %s survived Delete", k)
		}
	}
	if len(objs.objects) != 1 {
		t.Errorf("objects left = %d, want 1", len(objs.objects))
	}
}

func TestLocalPublisher(t *testing.T) {
	pub, err := Local{BaseURL: "http://localhost:3080/"}.Publish(context.Background(), "abc", writeArtifact(t))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if pub.URL != "http://localhost:3080/api/v1/tasks/abc/download" {
		t.Errorf("URL = %s", pub.URL)
	}
}
