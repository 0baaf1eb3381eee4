package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"upscaler/internal/core/domain"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
)

// Quality used for the lossy output formats.
const Quality = 95

// Encode writes img to w in the requested format. JPG output drops the alpha channel, WebP output is
// lossy and PNG output uses the best compression level.
func Encode(w io.Writer, img image.Image, format domain.Format) error {
	switch format {
	case domain.FormatJPG:
		return imaging.Encode(w, dropAlpha(img), imaging.JPEG, imaging.JPEGQuality(Quality))
	case domain.FormatWebP:
		return webp.Encode(w, img, &webp.Options{Lossless: false, Quality: Quality})
	default:
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	}
}

// EncodeBytes is Encode into a buffer.
func EncodeBytes(img image.Image, format domain.Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Save encodes img into a new file at path.
func Save(path string, img image.Image, format domain.Format) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating image file %w", err)
	}

	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if err := Encode(f, img, format); err != nil {
		return fmt.Errorf("error encoding %s image %w", format, err)
	}

	log.Debug().Str("path", path).Str("format", string(format)).Msg("saved image")

	return nil
}

// Decode reads any registered image format from r.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("invalid image format: %w", err)
	}

	return img, nil
}

// Load decodes the image file at path.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("invalid image file: %w", err)
	}

	return img, nil
}

// dropAlpha discards the alpha channel without compositing, leaving a 3-channel image.
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}

	src := imaging.Clone(img)
	b := src.Bounds()
	dst := image.NewRGBA(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}

	return dst
}

// PNGStager stages images for the upscaling executable as PNG with default compression.
type PNGStager struct{}

func (PNGStager) Stage(path string, img image.Image) error {
	return imaging.Save(img, path, imaging.PNGCompressionLevel(png.DefaultCompression))
}

func (PNGStager) Load(path string) (image.Image, error) {
	return Load(path)
}

// Codec exposes the package functions through port.ImageCodec.
type Codec struct{}

func (Codec) Decode(r io.Reader) (image.Image, error) {
	return Decode(r)
}

func (Codec) Encode(w io.Writer, img image.Image, format domain.Format) error {
	return Encode(w, img, format)
}
