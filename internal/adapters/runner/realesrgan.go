package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/port"

	"github.com/rs/zerolog/log"
)

const DefaultPassTimeout = 10 * time.Minute

// pipeWaitDelay bounds how long a killed pass may hold its output pipes open through child processes.
const pipeWaitDelay = 2 * time.Second

// RealESRGAN runs single upscaling passes through the realesrgan-ncnn-vulkan executable.
type RealESRGAN struct {
	provisioner port.Provisioner
	timeout     time.Duration
	gpuID       string
}

type Option func(*RealESRGAN)

// WithTimeout bounds a single pass. Zero or less keeps the default.
func WithTimeout(timeout time.Duration) Option {
	return func(r *RealESRGAN) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithGPU pins the executable to a device, e.g. "0" or "0,1".
func WithGPU(id string) Option {
	return func(r *RealESRGAN) {
		r.gpuID = id
	}
}

func NewRealESRGAN(provisioner port.Provisioner, opts ...Option) *RealESRGAN {
	r := &RealESRGAN{
		provisioner: provisioner,
		timeout:     DefaultPassTimeout,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Args builds the command line for a single pass.
func (r *RealESRGAN) Args(inv domain.Invocation) []string {
	args := []string{
		"-i", inv.Input,
		"-o", inv.Output,
		"-n", string(inv.Model),
		"-s", strconv.Itoa(inv.Scale),
	}

	if r.gpuID != "" {
		args = append(args, "-g", r.gpuID)
	}

	return args
}

func (r *RealESRGAN) RunPass(ctx context.Context, inv domain.Invocation) error {
	binary, err := r.provisioner.EnsureReady(ctx)
	if err != nil {
		return err
	}

	l := log.With().
		Str("input", inv.Input).
		Str("output", inv.Output).
		Str("model", string(inv.Model)).
		Int("scale", inv.Scale).
		Logger()

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, binary, r.Args(inv)...)
	// models/ is resolved relative to the working directory
	cmd.Dir = filepath.Dir(binary)
	cmd.WaitDelay = pipeWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.Debug().Strs("args", cmd.Args).Msg("running upscaler")

	start := time.Now()
	err = cmd.Run()

	if ctx.Err() != nil {
		l.Warn().Err(ctx.Err()).Msg("upscaler pass canceled")
		return domain.NewError(domain.KindCanceled, domain.StagePass, "upscaling canceled", ctx.Err())
	}

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		l.Error().Dur("timeout", r.timeout).Msg("upscaler pass timed out")
		return domain.NewError(domain.KindInvocationTimedOut, domain.StagePass,
			fmt.Sprintf("upscaling timed out after %s", r.timeout), cmdCtx.Err())
	}

	if err != nil {
		reason := failureReason(stderr.String(), stdout.String())
		l.Error().Err(err).Str("stderr", stderr.String()).Msg("upscaler exited with error")
		return domain.NewError(domain.KindInvocationFailed, domain.StagePass,
			fmt.Sprintf("upscaling failed: %s", reason), err)
	}

	l.Debug().Dur("duration", time.Since(start)).Msg("upscaler pass finished")

	return nil
}

func failureReason(stderr, stdout string) string {
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(stdout); s != "" {
		return s
	}

	return "unknown error"
}
