package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultQuality = 60
	DefaultMaxSize = 400

	MIMEJPEG = "image/jpeg"
)

type Config struct {
	Enabled bool
	Quality int
	MaxSize int
}

func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Quality: DefaultQuality,
		MaxSize: DefaultMaxSize,
	}
}

// Compressor shrinks provider imagery before it is handed to the agent.
type Compressor struct {
	cfg    Config
	logger *slog.Logger
}

func NewCompressor(cfg Config, logger *slog.Logger) *Compressor {
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{cfg: cfg, logger: logger}
}

// Compress returns a JPEG no larger than MaxSize on its longest side. When
// compression is disabled or fails the input is returned with its original
// content type.
func (c *Compressor) Compress(ctx context.Context, data []byte, contentType string) ([]byte, string) {
	if !c.cfg.Enabled {
		return data, contentType
	}

	out, err := Compress(data, c.cfg.Quality, c.cfg.MaxSize)
	if err != nil {
		c.logger.WarnContext(ctx, "image compression failed, using original",
			"error", err,
			"bytes", len(data),
		)
		return data, contentType
	}
	return out, MIMEJPEG
}

// Compress decodes data, downscales it so neither side exceeds maxSize and
// re-encodes it as JPEG at the given quality.
func Compress(data []byte, quality, maxSize int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img := Fit(src, maxSize)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Fit scales src down, keeping its aspect ratio, so that its longest side is
// maxSize. Smaller images are returned unchanged.
func Fit(src image.Image, maxSize int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= maxSize || maxSize < 1 {
		return src
	}

	ratio := float64(maxSize) / float64(longest)
	nw := max(1, int(float64(w)*ratio))
	nh := max(1, int(float64(h)*ratio))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
