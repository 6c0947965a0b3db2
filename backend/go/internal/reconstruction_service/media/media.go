package media

import (
	"SceneGen/backend/go/internal/config"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Type is the coarse media category of a source file.
type Type string

const (
	Unknown Type = "unknown"
	Image   Type = "image"
	Video   Type = "video"
	Archive Type = "archive"
)

// Classifier recognises supported sources by extension and by content.
type Classifier struct {
	imageExts map[string]struct{}
	videoExts map[string]struct{}
}

// NewClassifier builds a Classifier from the configured extension lists.
func NewClassifier(cfg config.StorageConfig) *Classifier {
	c := &Classifier{
		imageExts: make(map[string]struct{}),
		videoExts: make(map[string]struct{}),
	}
	for _, e := range cfg.ImageExtensions {
		c.imageExts[normalizeExt(e)] = struct{}{}
	}
	for _, e := range cfg.VideoExtensions {
		c.videoExts[normalizeExt(e)] = struct{}{}
	}
	return c
}

func normalizeExt(e string) string {
	e = strings.ToLower(strings.TrimSpace(e))
	if e != "" && !strings.HasPrefix(e, ".") {
		e = "." + e
	}
	return e
}

// ByExtension classifies a file name by its extension only.
func (c *Classifier) ByExtension(name string) Type {
	ext := normalizeExt(filepath.Ext(name))
	if _, ok := c.imageExts[ext]; ok {
		return Image
	}
	if _, ok := c.videoExts[ext]; ok {
		return Video
	}
	if ext == ".zip" {
		return Archive
	}
	return Unknown
}

// Detect sniffs the file content.
func Detect(path string) (Type, string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return Unknown, "", fmt.Errorf("detect %s: %w", filepath.Base(path), err)
	}
	return fromMIME(mt), mt.String(), nil
}

func fromMIME(mt *mimetype.MIME) Type {
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case m.Is("application/zip"):
			return Archive
		case strings.HasPrefix(m.String(), "image/"):
			return Image
		case strings.HasPrefix(m.String(), "video/"):
			return Video
		}
	}
	return Unknown
}

// Verify checks that path has a supported extension of the wanted type and that its content agrees.
func (c *Classifier) Verify(path string, want Type) error {
	if got := c.ByExtension(path); got != want {
		return fmt.Errorf("%s: unsupported extension for %s", filepath.Base(path), want)
	}
	got, mime, err := Detect(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s: content is %s, expected %s", filepath.Base(path), mime, want)
	}
	return nil
}
