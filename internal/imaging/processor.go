// Package imaging stores uploaded frames on disk and produces the normalized
// copy that gets submitted to inference: RGB, JPEG, bounded to a maximum
// dimension so provider limits and upload size stay predictable.
package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // uploaded frames may arrive as PNG
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"github.com/hanchipham/MosquitoBackend/internal/store"
)

const (
	// DefaultMaxDimension bounds the longer edge of preprocessed images.
	DefaultMaxDimension = 1024
	// DefaultJPEGQuality is the re-encode quality for preprocessed images.
	DefaultJPEGQuality = 90
)

// Config holds the configuration for the image processor.
type Config struct {
	// BasePath is the directory images are stored under.
	BasePath string
	// MaxDimension bounds the longer edge after preprocessing.
	MaxDimension int
	// JPEGQuality is the quality used when re-encoding.
	JPEGQuality int
	// Now returns the current time; defaults to time.Now. Filenames embed it.
	Now func() time.Time
}

// Processor persists and normalizes device frames.
type Processor struct {
	basePath string
	maxDim   int
	quality  int
	now      func() time.Time
}

// SavedImage describes one stored file.
type SavedImage struct {
	Path     string
	Checksum string
	Width    int
	Height   int
}

// NewProcessor creates a new image processor.
func NewProcessor(cfg *Config) (*Processor, error) {
	if cfg == nil {
		return nil, errors.New("imaging config cannot be nil")
	}
	if cfg.BasePath == "" {
		return nil, errors.New("base path cannot be empty")
	}

	maxDim := cfg.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Processor{
		basePath: cfg.BasePath,
		maxDim:   maxDim,
		quality:  quality,
		now:      now,
	}, nil
}

// SaveOriginal writes the uploaded bytes unchanged and returns the stored
// path, pixel dimensions and content checksum.
func (p *Processor) SaveOriginal(data []byte, deviceCode string) (*SavedImage, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	path := filepath.Join(p.basePath, string(store.ImageTypeOriginal),
		p.filename(deviceCode, store.ImageTypeOriginal))
	if err := writeFile(path, data); err != nil {
		return nil, err
	}

	return &SavedImage{
		Path:     path,
		Checksum: checksum(data),
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}

// Preprocess normalizes an uploaded frame: decode, flatten to RGB, downscale
// so the longer edge fits the configured maximum, re-encode as JPEG, and
// write the result under the preprocessed directory.
func (p *Processor) Preprocess(data []byte, deviceCode string) (*SavedImage, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	width, height := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), p.maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	path := filepath.Join(p.basePath, string(store.ImageTypePreprocessed),
		p.filename(deviceCode, store.ImageTypePreprocessed))
	encoded := buf.Bytes()
	if err := writeFile(path, encoded); err != nil {
		return nil, err
	}

	return &SavedImage{
		Path:     path,
		Checksum: checksum(encoded),
		Width:    width,
		Height:   height,
	}, nil
}

// filename builds a per-upload unique name, microsecond resolution.
func (p *Processor) filename(deviceCode string, imageType store.ImageType) string {
	t := p.now()
	return fmt.Sprintf("%s_%s_%s_%06d.jpg",
		deviceCode, imageType, t.Format("20060102_150405"), t.Nanosecond()/1000)
}

// fitWithin scales (width, height) down proportionally so neither exceeds
// maxDim. Images already within the bound keep their size.
func fitWithin(width, height, maxDim int) (int, int) {
	if width <= maxDim && height <= maxDim {
		return width, height
	}
	if width >= height {
		scaled := height * maxDim / width
		if scaled < 1 {
			scaled = 1
		}
		return maxDim, scaled
	}
	scaled := width * maxDim / height
	if scaled < 1 {
		scaled = 1
	}
	return scaled, maxDim
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
