// Package persist writes detected face crops to disk.
package persist

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/andresmejia3/firm/internal/config"
	"github.com/andresmejia3/firm/internal/types"
)

// Persister saves crops into <output_directory>/<run start unix time>/.
// Safe for concurrent use: every file gets a unique name.
type Persister struct {
	dir      string
	format   string
	quality  int
	pngLevel png.CompressionLevel
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates the run directory. It returns nil, nil when persistence is
// disabled; a nil *Persister is valid and saves nothing.
func New(cfg config.ImageConfig, startedAt time.Time, log logrus.FieldLogger) (*Persister, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dir := filepath.Join(cfg.OutputDirectory, strconv.FormatInt(startedAt.Unix(), 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image output directory: %w", err)
	}
	return &Persister{
		dir:      dir,
		format:   cfg.Type,
		quality:  cfg.JPG.Quality,
		pngLevel: pngLevel(cfg.PNG.Compression),
		log:      log,
		now:      time.Now,
	}, nil
}

// pngLevel maps the 0-9 compression scale onto the levels image/png offers.
func pngLevel(c int) png.CompressionLevel {
	switch {
	case c <= 0:
		return png.NoCompression
	case c <= 3:
		return png.BestSpeed
	case c <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

func (p *Persister) Dir() string {
	if p == nil {
		return ""
	}
	return p.dir
}

// Save writes the crop and returns the file name. An empty crop is skipped
// and yields "".
func (p *Persister) Save(face types.DetectedFace) (string, error) {
	if p == nil || len(face.Crop) == 0 {
		return "", nil
	}

	img, _, err := image.Decode(bytes.NewReader(face.Crop))
	if err != nil {
		return "", fmt.Errorf("failed to decode face crop: %w", err)
	}

	var buf bytes.Buffer
	switch p.format {
	case "jpg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality})
	case "png":
		err = (&png.Encoder{CompressionLevel: p.pngLevel}).Encode(&buf, img)
	case "bmp":
		err = bmp.Encode(&buf, img)
	case "tiff":
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = fmt.Errorf("unsupported image type %q", p.format)
	}
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%d-%s.%s", p.now().UnixMilli(), uuid.NewString()[:8], p.format)
	path := filepath.Join(p.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}

	p.log.WithFields(logrus.Fields{
		"image":   name,
		"size_kb": float64(buf.Len()) / 1000,
	}).Debug("Locally saved face")
	return name, nil
}
