package port

import (
	"context"
	"image"
	"io"
	"upscaler/internal/core/domain"
)

type Provisioner interface {
	// EnsureReady makes sure a runnable copy of the upscaling executable exists and returns its path.
	EnsureReady(ctx context.Context) (string, error)
}

type PassRunner interface {
	// RunPass performs a single fixed-ratio upscale from Input to Output.
	RunPass(ctx context.Context, invocation domain.Invocation) error
}

type ProgressSink interface {
	// Progress reports a fraction in [0,1] together with a human readable label.
	Progress(fraction float64, label string)
}

// ProgressFunc adapts a plain function to a ProgressSink.
type ProgressFunc func(fraction float64, label string)

func (f ProgressFunc) Progress(fraction float64, label string) {
	f(fraction, label)
}

type ImageStager interface {
	// Stage writes an in-memory image losslessly to path.
	Stage(path string, img image.Image) error
	// Load reads an image back from path.
	Load(path string) (image.Image, error)
}

type ImageCodec interface {
	// Decode reads an image in any supported input format.
	Decode(r io.Reader) (image.Image, error)
	// Encode writes img in the requested output format.
	Encode(w io.Writer, img image.Image, format domain.Format) error
}

// UpscaleResult is the outcome of a successful in-memory upscale.
type UpscaleResult struct {
	Image  image.Image
	Status string
}

type Upscaler interface {
	// UpscaleFile upscales the image at inputPath into outputPath.
	UpscaleFile(ctx context.Context, inputPath, outputPath string, req domain.ScaleRequest,
		sink ProgressSink) (string, error)
	// UpscaleImage upscales an in-memory image.
	UpscaleImage(ctx context.Context, img image.Image, req domain.ScaleRequest,
		sink ProgressSink) (*UpscaleResult, error)
}
