// Package media persists binary attachments to timestamp-addressed file
// paths, recompressing images before storage.
package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// maxImageWidth is the bound above which inbound/cached images are downscaled.
const maxImageWidth = 1280

// Materializer writes uploads and inbound attachments under the data dir
// and hands back web-servable paths.
type Materializer struct {
	uploadsDir   string
	downloadsDir string
	logger       *zap.Logger
}

// New creates a materializer over the given directories.
func New(uploadsDir, downloadsDir string, logger *zap.Logger) *Materializer {
	return &Materializer{uploadsDir: uploadsDir, downloadsDir: downloadsDir, logger: logger}
}

// SaveUpload stores a client-staged file and returns its serve path
// ("/uploads/<name>") plus the absolute path on disk.
func (m *Materializer) SaveUpload(name string, r io.Reader) (servePath, absPath string, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", "", fmt.Errorf("read upload: %w", err)
	}
	filename := stampName(name)
	absPath = filepath.Join(m.uploadsDir, filename)
	if err := os.WriteFile(absPath, data, 0600); err != nil {
		return "", "", fmt.Errorf("write upload: %w", err)
	}
	return "/uploads/" + filename, absPath, nil
}

// SaveVoice decodes a base64 data URL recorded in the browser and stores it
// as an upload. Returns the serve path and the absolute path on disk.
func (m *Materializer) SaveVoice(name, dataURL string) (servePath, absPath string, err error) {
	payload := dataURL
	if idx := strings.Index(payload, ";base64,"); idx >= 0 {
		payload = payload[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", fmt.Errorf("decode voice payload: %w", err)
	}
	if len(data) == 0 {
		return "", "", fmt.Errorf("empty voice payload")
	}
	if name == "" {
		name = "voice.ogg"
	}
	filename := stampName(name)
	absPath = filepath.Join(m.uploadsDir, filename)
	if err := os.WriteFile(absPath, data, 0600); err != nil {
		return "", "", fmt.Errorf("write voice note: %w", err)
	}
	return "/uploads/" + filename, absPath, nil
}

// SaveInbound stores a downloaded attachment and returns its serve path
// ("/downloads/<name>"). Images wider than the bound are recompressed first.
func (m *Materializer) SaveInbound(kind, ext string, data []byte) (string, error) {
	if kind == "image" {
		if compressed, ok := m.Compress(data); ok {
			data = compressed
			ext = ".jpg"
		}
	}
	filename := fmt.Sprintf("%s_%d%s", kind, time.Now().UnixMilli(), ext)
	if err := os.WriteFile(filepath.Join(m.downloadsDir, filename), data, 0600); err != nil {
		return "", fmt.Errorf("write inbound media: %w", err)
	}
	return "/downloads/" + filename, nil
}

// ScheduleCleanup deletes a temporary file after the delay. Fire-and-forget.
func (m *Materializer) ScheduleCleanup(absPath string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("temp file cleanup failed", zap.String("path", absPath), zap.Error(err))
		}
	})
}

// Compress re-encodes an image as JPEG, downscaling when wider than the
// bound. Returns ok=false when the input is not a decodable image, in which
// case the caller keeps the original bytes.
func (m *Materializer) Compress(data []byte) ([]byte, bool) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}

	bounds := src.Bounds()
	if bounds.Dx() > maxImageWidth {
		h := bounds.Dy() * maxImageWidth / bounds.Dx()
		dst := image.NewRGBA(image.Rect(0, 0, maxImageWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 80}); err != nil {
		m.logger.Warn("image re-encode failed", zap.Error(err))
		return nil, false
	}
	return buf.Bytes(), true
}

// stampName prefixes a sanitized file name with the current timestamp so
// stored files never collide.
func stampName(name string) string {
	base := filepath.Base(name)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), base)
}
