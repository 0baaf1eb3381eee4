package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/port"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Upscaler turns a ScaleRequest into a chain of single-pass invocations of the external executable.
// It holds no per-request state and is safe for concurrent use.
type Upscaler struct {
	provisioner port.Provisioner
	runner      port.PassRunner
	stager      port.ImageStager
	tempDir     string
	limiter     *semaphore.Weighted
}

type Option func(*Upscaler)

// WithTempDir sets the directory used for staged and intermediate files.
func WithTempDir(dir string) Option {
	return func(u *Upscaler) {
		if dir != "" {
			u.tempDir = dir
		}
	}
}

// WithMaxConcurrent bounds how many pass chains may run at the same time. Zero or less disables the bound.
func WithMaxConcurrent(n int64) Option {
	return func(u *Upscaler) {
		if n > 0 {
			u.limiter = semaphore.NewWeighted(n)
		} else {
			u.limiter = nil
		}
	}
}

func NewUpscaler(provisioner port.Provisioner, runner port.PassRunner, stager port.ImageStager,
	opts ...Option) *Upscaler {
	u := &Upscaler{
		provisioner: provisioner,
		runner:      runner,
		stager:      stager,
		tempDir:     os.TempDir(),
	}

	for _, opt := range opts {
		opt(u)
	}

	return u
}

// Models lists the registered model variants.
func (u *Upscaler) Models() []domain.ModelDescriptor {
	return domain.Models()
}

// UpscaleFile upscales the image at inputPath into outputPath without decoding it in memory.
func (u *Upscaler) UpscaleFile(ctx context.Context, inputPath, outputPath string, req domain.ScaleRequest,
	sink port.ProgressSink) (string, error) {
	plan, err := planRequest(req)
	if err != nil {
		return "", err
	}

	l := log.With().
		Str("input", inputPath).
		Str("output", outputPath).
		Str("model", string(plan.Model.Model)).
		Int("scale", int(plan.Total)).
		Ints("passes", plan.Ratios()).
		Logger()

	if inputPath == "" || outputPath == "" {
		return "", domain.NewError(domain.KindInvalidRequest, domain.StageValidate,
			"input and output paths are required", nil)
	}

	inputInfo, err := os.Stat(inputPath)
	if err != nil {
		return "", domain.NewError(domain.KindSourceNotFound, domain.StageValidate,
			fmt.Sprintf("input file not found: %s", inputPath), err)
	}

	if samePath(inputPath, inputInfo, outputPath) {
		return "", domain.NewError(domain.KindInvalidRequest, domain.StageValidate,
			"output path must differ from input path", nil)
	}

	l.Info().Msg("handling upscale request")

	if _, err := u.provisioner.EnsureReady(ctx); err != nil {
		l.Error().Err(err).Msg("upscaler executable not available")
		return "", provisionError(err)
	}

	if err := u.execute(ctx, l, plan, inputPath, outputPath, sink); err != nil {
		l.Error().Err(err).Msg("upscale failed")
		return "", err
	}

	l.Info().Msg("upscale finished")

	return outputPath, nil
}

// UpscaleImage stages img to a temporary PNG, delegates to UpscaleFile and reads the result back. Both
// temporary files are removed on every return path.
func (u *Upscaler) UpscaleImage(ctx context.Context, img image.Image, req domain.ScaleRequest,
	sink port.ProgressSink) (*port.UpscaleResult, error) {
	if _, err := planRequest(req); err != nil {
		return nil, err
	}

	if img == nil {
		return nil, domain.NewError(domain.KindSourceNotFound, domain.StageValidate, "no input image", nil)
	}

	inputPath, err := u.tempPath("input")
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, domain.StageStage, "could not allocate temp file", err)
	}
	defer removeTemp(inputPath)

	outputPath, err := u.tempPath("output")
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, domain.StageStage, "could not allocate temp file", err)
	}
	defer removeTemp(outputPath)

	if err := u.stager.Stage(inputPath, img); err != nil {
		return nil, domain.NewError(domain.KindInternal, domain.StageStage,
			fmt.Sprintf("could not stage input image: %s", err), err)
	}

	if _, err := u.UpscaleFile(ctx, inputPath, outputPath, req, sink); err != nil {
		return nil, err
	}

	result, err := u.stager.Load(outputPath)
	if err != nil {
		return nil, domain.NewError(domain.KindInvocationFailed, domain.StageReadBack,
			fmt.Sprintf("could not read upscaled image: %s", err), err)
	}

	in, out := img.Bounds(), result.Bounds()
	if out.Dx() != in.Dx()*int(req.Scale) || out.Dy() != in.Dy()*int(req.Scale) {
		log.Warn().
			Int("width", out.Dx()).
			Int("height", out.Dy()).
			Int("scale", int(req.Scale)).
			Msg("upscaled image has unexpected dimensions")
	}

	return &port.UpscaleResult{
		Image:  result,
		Status: domain.SuccessStatus(in.Dx(), in.Dy(), out.Dx(), out.Dy(), req.Scale),
	}, nil
}

func (u *Upscaler) execute(ctx context.Context, l zerolog.Logger, plan domain.PassPlan, inputPath, outputPath string,
	sink port.ProgressSink) error {
	if u.limiter != nil {
		if err := u.limiter.Acquire(ctx, 1); err != nil {
			return canceledError(domain.StagePass, err, 0, plan.Len())
		}
		defer u.limiter.Release(1)
	}

	// the last pass writes a sibling of outputPath that only replaces it on success
	partial, err := u.partialPath(outputPath)
	if err != nil {
		return domain.NewError(domain.KindInternal, domain.StagePass,
			"could not allocate temp file", err).WithStage(domain.StagePass, 0, plan.Len())
	}

	n := plan.Len()
	current := inputPath

	for i, pass := range plan.Passes {
		report(sink, float64(i)/float64(n), pass.Label(n))

		next := partial
		if i < n-1 {
			var err error
			next, err = u.tempPath(fmt.Sprintf("pass%d", pass.Number))
			if err != nil {
				u.discard(current, inputPath)
				return domain.NewError(domain.KindInternal, domain.StagePass,
					"could not allocate temp file", err).WithStage(domain.StagePass, pass.Number, n)
			}
		}

		if err := ctx.Err(); err != nil {
			u.discard(current, inputPath)
			return canceledError(domain.StagePass, err, pass.Number, n)
		}

		start := time.Now()
		err := u.runner.RunPass(ctx, domain.Invocation{
			Input:  current,
			Output: next,
			Model:  plan.Model.Model,
			Scale:  pass.Ratio,
		})

		if current != inputPath {
			removeTemp(current)
		}

		if err != nil {
			removeTemp(next)

			if ctx.Err() != nil && !errors.Is(err, domain.ErrInvocationTimedOut) {
				return canceledError(domain.StagePass, ctx.Err(), pass.Number, n)
			}

			return passError(err, pass.Number, n)
		}

		l.Debug().
			Int("pass", pass.Number).
			Int("ratio", pass.Ratio).
			Dur("duration", time.Since(start)).
			Msg("pass finished")

		current = next
	}

	if err := os.Rename(partial, outputPath); err != nil {
		removeTemp(partial)
		return domain.NewError(domain.KindInternal, domain.StageReadBack,
			fmt.Sprintf("could not write output: %s", err), err)
	}

	report(sink, 1.0, "Complete")

	return nil
}

// discard removes the current intermediate of a failed chain.
func (u *Upscaler) discard(current, inputPath string) {
	if current != inputPath {
		removeTemp(current)
	}
}

// partialPath names a hidden sibling of outputPath with the same extension, so the rename stays on one
// filesystem and the executable still picks the output encoding from the extension.
func (u *Upscaler) partialPath(outputPath string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	dir, base := filepath.Split(outputPath)
	return filepath.Join(dir, fmt.Sprintf(".upscale-%s-%s", id.String(), base)), nil
}

// samePath reports whether outputPath names the input file, either literally or through a link.
func samePath(inputPath string, inputInfo os.FileInfo, outputPath string) bool {
	in, errIn := filepath.Abs(inputPath)
	out, errOut := filepath.Abs(outputPath)
	if errIn == nil && errOut == nil && in == out {
		return true
	}

	outputInfo, err := os.Stat(outputPath)
	return err == nil && os.SameFile(inputInfo, outputInfo)
}

func (u *Upscaler) tempPath(kind string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	return filepath.Join(u.tempDir, fmt.Sprintf("upscale-%s-%s.png", kind, id.String())), nil
}

func planRequest(req domain.ScaleRequest) (domain.PassPlan, error) {
	model, err := domain.LookupModel(req.Model)
	if err != nil {
		return domain.PassPlan{}, err
	}

	return domain.PlanPasses(model, req.Scale)
}

func report(sink port.ProgressSink, fraction float64, label string) {
	if sink == nil {
		return
	}

	sink.Progress(fraction, label)
}

func provisionError(err error) error {
	var e *domain.Error
	if errors.As(err, &e) {
		return e.WithStage(domain.StageProvision, 0, 0)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return canceledError(domain.StageProvision, err, 0, 0)
	}

	return domain.NewError(domain.KindProvisioning, domain.StageProvision,
		fmt.Sprintf("could not provision upscaler: %s", err), err)
}

func passError(err error, pass, passes int) error {
	var e *domain.Error
	if errors.As(err, &e) {
		return e.WithStage(domain.StagePass, pass, passes)
	}

	return domain.NewError(domain.KindInvocationFailed, domain.StagePass,
		fmt.Sprintf("upscaling failed: %s", err), err).WithStage(domain.StagePass, pass, passes)
}

func canceledError(stage domain.Stage, err error, pass, passes int) error {
	return domain.NewError(domain.KindCanceled, stage, "upscaling canceled", err).WithStage(stage, pass, passes)
}

func removeTemp(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Err(err).Msg("could not clean up temp file")
		return
	}
	log.Debug().Str("path", path).Msg("cleaned up temp file")
}
