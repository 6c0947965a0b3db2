package service

import (
	"SceneGen/backend/go/internal/models"
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
)

type part struct {
	name string
	data []byte
}

func multipartFiles(t *testing.T, parts ...part) []*multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, p := range parts {
		fw, err := w.CreateFormFile("files", p.name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(p.data)
	}
	w.Close()

	req := httptest.NewRequest("POST", "/api/v1/uploads", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		t.Fatal(err)
	}
	return req.MultipartForm.File["files"]
}

func zipOf(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		fw, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSubmitUploadInfersKind(t *testing.T) {
	svc, st, _ := newTestService(t)
	rec, err := svc.SubmitUpload(context.Background(), UploadRequest{}, multipartFiles(t,
		part{"front.png", pngHeader},
		part{"side.png", pngHeader},
		part{"back.png", pngHeader},
	))
	if err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	if rec.Kind != models.TaskKindMultiImage || len(rec.Input.Sources) != 3 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Input.OriginalFilename != "front.png" || rec.Input.FileSize != int64(3*len(pngHeader)) {
		t.Errorf("input = %+v", rec.Input)
	}

	dir := filepath.Dir(rec.Input.Sources[0])
	if _, err := st.Delete(rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("upload dir survived task deletion: %v", err)
	}
}

func TestSubmitUploadExpandsZip(t *testing.T) {
	svc, _, _ := newTestService(t)
	archive := zipOf(t, map[string][]byte{
		"set/a.png":        pngHeader,
		"set/b.png":        pngHeader,
		"../../escape.png": pngHeader,
		"readme.txt":       []byte("ignored"),
		".hidden.png":      pngHeader,
	})
	rec, err := svc.SubmitUpload(context.Background(), UploadRequest{Kind: "multi_image", Hints: "[]"},
		multipartFiles(t, part{"images.zip", archive}))
	if err != nil {
		t.Fatalf("SubmitUpload() error = %v", err)
	}
	if len(rec.Input.Sources) != 3 {
		t.Fatalf("sources = %v", rec.Input.Sources)
	}
	dir := filepath.Dir(rec.Input.Sources[0])
	for _, src := range rec.Input.Sources {
		if filepath.Dir(src) != dir {
			t.Errorf("%s escaped the upload dir", src)
		}
		if strings.HasSuffix(src, ".zip") {
			t.Errorf("archive kept as a source: %s", src)
		}
	}
}

func TestSaveUploadRejects(t *testing.T) {
	tests := []struct {
		name  string
		parts []part
	}{
		{"unsupported type", []part{{"notes.txt", []byte("hello")}}},
		{"content mismatch", []part{{"fake.png", []byte("plain text pretending")}}},
		{"empty archive", []part{{"empty.zip", nil}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, _ := newTestService(t)
			_, err := svc.SubmitUpload(context.Background(), UploadRequest{Kind: "single_image"}, multipartFiles(t, tt.parts...))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("SubmitUpload() error = %v, want validation error", err)
			}
			if st.Stats().Total != 0 {
				t.Error("task created")
			}
		})
	}
}

func TestSaveUploadEnforcesImageLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.uploads.cfg.MaxImageSize = 8
	dir, err := svc.uploads.NewDir()
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.uploads.SaveUpload(dir, multipartFiles(t, part{"big.png", pngHeader}))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("SaveUpload() error = %v, want validation error", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("upload dir left behind after rejection")
	}
}
