package service

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/media"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

// Uploads stores multipart uploads under the configured upload directory.
type Uploads struct {
	cfg        config.StorageConfig
	classifier *media.Classifier
	logger     *logger.Logger
}

// NewUploads creates an Uploads rooted at cfg.UploadDir.
func NewUploads(cfg config.StorageConfig, classifier *media.Classifier, logger *logger.Logger) *Uploads {
	return &Uploads{cfg: cfg, classifier: classifier, logger: logger.WithComponent("uploads")}
}

// NewDir creates an empty directory for one submission.
func (u *Uploads) NewDir() (string, error) {
	dir := filepath.Join(u.cfg.UploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	return dir, nil
}

// SaveUpload writes files into dir and returns the stored source paths in name order.
// Zip archives are expanded in place; only their image entries are kept.
// On error dir is removed.
func (u *Uploads) SaveUpload(dir string, files []*multipart.FileHeader) (paths []string, err error) {
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()
	if len(files) == 0 {
		return nil, invalid("files", "no files uploaded")
	}

	for i, fh := range files {
		name := sanitizeName(fh.Filename, i)
		typ := u.classifier.ByExtension(name)
		limit := u.limitFor(typ)
		if limit == 0 {
			return nil, invalid("files", "unsupported file type %q", fh.Filename)
		}
		if fh.Size > limit {
			return nil, invalid("files", "%s exceeds %d bytes", fh.Filename, limit)
		}

		dst := filepath.Join(dir, name)
		if err := saveMultipart(fh, dst, limit); err != nil {
			return nil, err
		}

		if typ == media.Archive {
			extracted, err := u.expandZip(dst, dir)
			os.Remove(dst)
			if err != nil {
				return nil, err
			}
			paths = append(paths, extracted...)
			continue
		}
		got, mime, err := media.Detect(dst)
		if err != nil {
			return nil, err
		}
		if got != typ {
			return nil, invalid("files", "%s: content is %s, expected %s", fh.Filename, mime, typ)
		}
		paths = append(paths, dst)
	}

	if len(paths) == 0 {
		return nil, invalid("files", "archive contains no supported images")
	}
	sort.Strings(paths)
	return paths, nil
}

func (u *Uploads) limitFor(t media.Type) int64 {
	switch t {
	case media.Image:
		return u.cfg.MaxImageSize
	case media.Video, media.Archive:
		return u.cfg.MaxFileSize
	}
	return 0
}

// sanitizeName keeps only the base name so entries cannot escape the upload directory.
func sanitizeName(name string, index int) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == "" {
		base = fmt.Sprintf("file_%d", index)
	}
	return base
}

var errTooLarge = errors.New("file exceeds size limit")

func copyLimited(dst string, src io.Reader, limit int64) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(src, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = errTooLarge
	}
	if err != nil {
		os.Remove(dst)
	}
	return err
}

func saveMultipart(fh *multipart.FileHeader, dst string, limit int64) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer src.Close()
	if err := copyLimited(dst, src, limit); err != nil {
		if errors.Is(err, errTooLarge) {
			return invalid("files", "%s exceeds %d bytes", fh.Filename, limit)
		}
		if errors.Is(err, os.ErrExist) {
			return invalid("files", "duplicate file name %q", fh.Filename)
		}
		return fmt.Errorf("store upload %s: %w", fh.Filename, err)
	}
	return nil
}

func (u *Uploads) expandZip(archive, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, invalid("files", "%s is not a readable zip archive", filepath.Base(archive))
	}
	defer zr.Close()

	var out []string
	for i, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := sanitizeName(f.Name, i)
		if strings.HasPrefix(name, ".") || u.classifier.ByExtension(name) != media.Image {
			continue
		}
		if f.UncompressedSize64 > uint64(u.cfg.MaxImageSize) {
			return nil, invalid("files", "%s exceeds %d bytes", f.Name, u.cfg.MaxImageSize)
		}
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			dst = filepath.Join(dir, fmt.Sprintf("%03d_%s", i, name))
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in archive: %w", f.Name, err)
		}
		err = copyLimited(dst, rc, u.cfg.MaxImageSize)
		rc.Close()
		if errors.Is(err, errTooLarge) {
			return nil, invalid("files", "%s exceeds %d bytes", f.Name, u.cfg.MaxImageSize)
		}
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		out = append(out, dst)
	}
	u.logger.WithPayload(map[string]interface{}{
		"archive": filepath.Base(archive),
		"images":  len(out),
	}).Debug("Expanded archive")
	return out, nil
}

// UploadRequest carries the form fields sent with an upload.
type UploadRequest struct {
	Kind          string
	NotifyAddress string
	Hints         string
}

// SubmitUpload stores files and submits them as one task.
// An empty kind is inferred from what was uploaded. The upload directory is owned by the task.
func (s *TaskService) SubmitUpload(ctx context.Context, req UploadRequest, files []*multipart.FileHeader) (*models.TaskRecord, error) {
	if s.uploads == nil {
		return nil, errors.New("uploads are not enabled")
	}
	dir, err := s.uploads.NewDir()
	if err != nil {
		return nil, err
	}
	sources, err := s.uploads.SaveUpload(dir, files)
	if err != nil {
		return nil, err
	}

	var size int64
	for _, fh := range files {
		size += fh.Size
	}
	kind := req.Kind
	if kind == "" {
		kind = string(s.inferKind(sources))
	}
	sub := SubmitRequest{
		Kind:             kind,
		Sources:          sources,
		NotifyAddress:    req.NotifyAddress,
		Hints:            req.Hints,
		OriginalFilename: files[0].Filename,
		FileSize:         size,
	}
	k, input, err := s.parse(sub)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	rec, err := s.create(k, input, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return rec, nil
}

func (s *TaskService) inferKind(sources []string) models.TaskKind {
	if len(sources) == 1 {
		if s.classifier.ByExtension(sources[0]) == media.Video {
			return models.TaskKindVideo
		}
		return models.TaskKindSingleImage
	}
	return models.TaskKindMultiImage
}
