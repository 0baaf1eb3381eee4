package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
	"upscaler/internal/core/domain"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	BinaryName  = "realesrgan-ncnn-vulkan"
	archiveName = "realesrgan.zip"
	// dirMarker identifies the archive directory holding the executable.
	dirMarker = "realesrgan"
)

// DefaultInstallTimeout bounds the one-time download and extraction.
const DefaultInstallTimeout = 15 * time.Minute

const releaseBase = "https://github.com/xinntao/Real-ESRGAN/releases/download/v0.2.5.0/"

// BinaryURLs maps a platform key to its release archive.
var BinaryURLs = map[string]string{
	"darwin_arm64":  releaseBase + "realesrgan-ncnn-vulkan-20220424-macos.zip",
	"darwin_amd64":  releaseBase + "realesrgan-ncnn-vulkan-20220424-macos.zip",
	"linux_amd64":   releaseBase + "realesrgan-ncnn-vulkan-20220424-ubuntu.zip",
	"windows_amd64": releaseBase + "realesrgan-ncnn-vulkan-20220424-windows.zip",
}

// Fetcher streams a remote archive into w.
type Fetcher interface {
	DownloadTo(ctx context.Context, url string, w io.Writer, progress func(float64)) (int64, error)
}

// RealESRGAN installs the realesrgan-ncnn-vulkan executable into a directory on first use.
type RealESRGAN struct {
	installDir  string
	downloadURL string
	goos        string
	goarch      string
	fetcher     Fetcher
	progress    func(float64)
	timeout     time.Duration

	group singleflight.Group
	mu    sync.Mutex
}

type Option func(*RealESRGAN)

// WithInstallTimeout bounds a single installation attempt.
func WithInstallTimeout(timeout time.Duration) Option {
	return func(r *RealESRGAN) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithDownloadURL replaces the platform archive URL, e.g. with a mirror.
func WithDownloadURL(url string) Option {
	return func(r *RealESRGAN) {
		r.downloadURL = url
	}
}

// WithPlatform overrides the detected operating system and architecture.
func WithPlatform(goos, goarch string) Option {
	return func(r *RealESRGAN) {
		r.goos = goos
		r.goarch = goarch
	}
}

// WithProgress sets a sink for the download fraction.
func WithProgress(progress func(float64)) Option {
	return func(r *RealESRGAN) {
		r.progress = progress
	}
}

func NewRealESRGAN(installDir string, fetcher Fetcher, opts ...Option) *RealESRGAN {
	r := &RealESRGAN{
		installDir: installDir,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
		fetcher:    fetcher,
		timeout:    DefaultInstallTimeout,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// PlatformKey returns the key used to select a release archive.
func (r *RealESRGAN) PlatformKey() string {
	return r.goos + "_" + r.goarch
}

// BinaryPath returns where the executable lives once installed.
func (r *RealESRGAN) BinaryPath() string {
	name := BinaryName
	if r.goos == "windows" {
		name += ".exe"
	}

	return filepath.Join(r.installDir, name)
}

// EnsureReady returns the executable path, downloading and unpacking the release archive if the
// executable is missing. Concurrent first calls share a single installation.
func (r *RealESRGAN) EnsureReady(ctx context.Context) (string, error) {
	path := r.BinaryPath()
	if isExecutable(path) {
		return path, nil
	}

	// the install outlives any single caller, each caller only stops waiting when its own ctx ends
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(r.installDir, func() (any, error) {
		installCtx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()

		return nil, r.install(installCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *RealESRGAN) install(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.BinaryPath()
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return os.Chmod(path, info.Mode()|0o111)
	}

	url := r.downloadURL
	if url == "" {
		var ok bool
		url, ok = BinaryURLs[r.PlatformKey()]
		if !ok {
			return domain.NewError(domain.KindUnsupportedPlatform, domain.StageProvision,
				fmt.Sprintf("unsupported platform: %s %s", r.goos, r.goarch), nil)
		}
	}

	l := log.With().Str("url", url).Str("installDir", r.installDir).Logger()
	l.Info().Msg("downloading upscaler binary, this is a one-time download")

	if err := os.MkdirAll(r.installDir, 0o755); err != nil {
		return provisioningError("could not create install directory", err)
	}

	archive := filepath.Join(r.installDir, archiveName)
	if err := r.download(ctx, url, archive); err != nil {
		_ = os.Remove(archive)
		return err
	}
	defer func() {
		if err := os.Remove(archive); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.Warn().Err(err).Msg("could not remove archive")
		}
	}()

	l.Info().Msg("extracting upscaler binary")

	if err := unzip(archive, r.installDir); err != nil {
		return provisioningError("could not extract archive", err)
	}

	if err := flatten(r.installDir, dirMarker); err != nil {
		return provisioningError("could not move extracted files", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return provisioningError(fmt.Sprintf("%s not found after extraction", filepath.Base(path)), err)
	}

	if err := os.Chmod(path, info.Mode()|0o111); err != nil {
		return provisioningError("could not make binary executable", err)
	}

	l.Info().Str("binary", path).Msg("upscaler setup complete")

	return nil
}

func (r *RealESRGAN) download(ctx context.Context, url, archive string) error {
	f, err := os.Create(archive)
	if err != nil {
		return provisioningError("could not create archive file", err)
	}
	defer f.Close()

	_, err = r.fetcher.DownloadTo(ctx, url, f, r.progress)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return provisioningError(fmt.Sprintf("download timed out after %s", r.timeout), err)
		}
		return provisioningError("could not download upscaler", err)
	}

	return f.Close()
}

func provisioningError(message string, err error) *domain.Error {
	return domain.NewError(domain.KindProvisioning, domain.StageProvision, fmt.Sprintf("%s: %s", message, err), err)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	if runtime.GOOS == "windows" {
		return true
	}

	return info.Mode()&0o111 != 0
}

// Installed reports whether the executable is already present and runnable.
func (r *RealESRGAN) Installed() bool {
	return isExecutable(r.BinaryPath())
}
