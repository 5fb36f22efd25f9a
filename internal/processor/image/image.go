// Package image is the processor for the image category. Pass 1 produces a
// quick cover-crop of every variation; pass 2 redoes it with a higher quality
// filter and tighter compression.
package image

import (
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"

	"golang.org/x/image/draw"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
	"github.com/cuongbtq/asset-pipeline/internal/processor"
)

// Name is the registry name
const Name = "image"

// Metadata keys
const (
	KeyWidth  = "width"
	KeyHeight = "height"
	KeyFormat = "format"
)

var variations = map[string][]domain.VariationSpec{
	"playfield-fs": {
		{Name: "medium", Width: 393, Height: 233},
		{Name: "medium-2x", Width: 786, Height: 466},
		{Name: "square", Width: 120, Height: 120},
	},
	"playfield-ws": {
		{Name: "medium", Width: 393, Height: 233},
		{Name: "medium-2x", Width: 786, Height: 466},
		{Name: "square", Width: 120, Height: 120},
	},
	"backglass": {
		{Name: "medium", Width: 364, Height: 291},
		{Name: "small", Width: 253, Height: 202},
	},
	"logo": {
		{Name: "medium", Width: 300, Height: 110},
	},
}

var defaultVariations = []domain.VariationSpec{
	{Name: "thumb", Width: 150, Height: 150},
}

// Processor implements processor.Processor, processor.Pass1er,
// processor.Pass2er and processor.Sanitizer for images.
type Processor struct {
	logger *slog.Logger
}

// New creates the image processor
func New(logger *slog.Logger) *Processor {
	return &Processor{logger: logger.With(slog.String("processor", Name))}
}

var (
	_ processor.Processor = (*Processor)(nil)
	_ processor.Pass1er   = (*Processor)(nil)
	_ processor.Pass2er   = (*Processor)(nil)
	_ processor.Sanitizer = (*Processor)(nil)
)

func (p *Processor) Name() string { return Name }

func (p *Processor) Category() domain.Category { return domain.CategoryImage }

// Variations returns the variation table for fileType
func (p *Processor) Variations(fileType string) []domain.VariationSpec {
	specs, ok := variations[fileType]
	if !ok {
		specs = defaultVariations
	}
	out := make([]domain.VariationSpec, len(specs))
	copy(out, specs)
	return out
}

// Metadata reads dimensions and format without decoding the pixels
func (p *Processor) Metadata(ctx context.Context, asset *domain.Asset, variation *domain.VariationSpec, path string) (domain.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	return domain.Metadata{
		KeyWidth:  cfg.Width,
		KeyHeight: cfg.Height,
		KeyFormat: format,
	}, nil
}

// VariationData keeps only the dimensions
func (p *Processor) VariationData(meta domain.Metadata) domain.Metadata {
	return processor.Pick(meta, KeyWidth, KeyHeight)
}

// Sanitize drops anything but the known keys
func (p *Processor) Sanitize(meta domain.Metadata) domain.Metadata {
	return processor.Pick(meta, KeyWidth, KeyHeight, KeyFormat)
}

// Pass1 writes a fast cover-crop of src to dest. Originals and variations
// without a box are left alone.
func (p *Processor) Pass1(ctx context.Context, src, dest string, asset *domain.Asset, variation *domain.VariationSpec) (bool, error) {
	if variation == nil || variation.Width <= 0 || variation.Height <= 0 {
		return false, nil
	}
	img, err := decode(ctx, src)
	if err != nil {
		return false, err
	}

	out := cover(img, variation.Width, variation.Height, draw.ApproxBiLinear)
	if err := encode(dest, out, mimeType(asset, variation), false); err != nil {
		return false, err
	}

	p.logger.Debug("Pass 1 written",
		slog.String("asset_id", asset.ID),
		slog.String("variation", variation.Name),
		slog.String("dest", dest),
	)
	return true, nil
}

// Pass2 re-renders src into dest with the slower filter and best
// compression. A JPEG original is not re-encoded, so dest is not written.
func (p *Processor) Pass2(ctx context.Context, src, dest string, asset *domain.Asset, variation *domain.VariationSpec) error {
	mime := mimeType(asset, variation)
	if variation == nil && mime == "image/jpeg" {
		return nil
	}

	img, err := decode(ctx, src)
	if err != nil {
		return err
	}

	if variation != nil && variation.Width > 0 && variation.Height > 0 {
		b := img.Bounds()
		if b.Dx() != variation.Width || b.Dy() != variation.Height {
			img = cover(img, variation.Width, variation.Height, draw.CatmullRom)
		}
	}

	return encode(dest, img, mime, true)
}

func mimeType(asset *domain.Asset, variation *domain.VariationSpec) string {
	if variation != nil && variation.MimeType != "" {
		return variation.MimeType
	}
	return asset.MimeType
}

func decode(ctx context.Context, path string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// cover scales img to fill w x h, cropping the overflow around the center.
func cover(img image.Image, w, h int, scaler draw.Scaler) image.Image {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()

	var crop image.Rectangle
	if sw*h > sh*w {
		cw := sh * w / h
		x0 := b.Min.X + (sw-cw)/2
		crop = image.Rect(x0, b.Min.Y, x0+cw, b.Max.Y)
	} else {
		ch := sw * h / w
		y0 := b.Min.Y + (sh-ch)/2
		crop = image.Rect(b.Min.X, y0, b.Max.X, y0+ch)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	return dst
}

func encode(dest string, img image.Image, mime string, best bool) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	switch mime {
	case "image/jpeg":
		quality := 90
		if best {
			quality = 85
		}
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	case "image/gif":
		err = gif.Encode(f, img, nil)
	default:
		level := png.BestSpeed
		if best {
			level = png.BestCompression
		}
		enc := png.Encoder{CompressionLevel: level}
		err = enc.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", dest, err)
	}
	return nil
}
