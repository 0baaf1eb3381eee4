package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"
	"upscaler/internal/adapters/codec"
	"upscaler/internal/adapters/file"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/port"
	"upscaler/internal/core/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const StatusHeader = "X-Upscale-Status"

// RequestObserver counts finished requests, e.g. for metrics.
type RequestObserver interface {
	ObserveRequest(surface string, err error)
}

// HTTP serves the upscaler over a small JSON/multipart API.
type HTTP struct {
	upscaler  port.Upscaler
	observer  RequestObserver
	tempDir   string
	maxUpload int64
	timeout   time.Duration
}

type HTTPOption func(*HTTP)

// WithObserver reports every upscale outcome to o.
func WithObserver(o RequestObserver) HTTPOption {
	return func(h *HTTP) {
		h.observer = o
	}
}

// WithUploadDir sets where uploads and encoded results are written.
func WithUploadDir(dir string) HTTPOption {
	return func(h *HTTP) {
		h.tempDir = dir
	}
}

// WithMaxUpload limits the request body size in bytes.
func WithMaxUpload(n int64) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

// WithRequestTimeout bounds a single upscale request.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func NewHTTP(upscaler port.Upscaler, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		upscaler:  upscaler,
		maxUpload: 50 << 20,
		timeout:   30 * time.Minute,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register mounts all routes on r.
func (h *HTTP) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/models", h.Models)
	r.POST("/upscale", h.Upscale)
}

func (h *HTTP) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "online", "model": "Real-ESRGAN"})
}

func (h *HTTP) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *HTTP) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":        domain.Models(),
		"default":       domain.DefaultModel,
		"scales":        domain.SupportedScales,
		"default_scale": domain.DefaultScale,
		"formats":       []domain.Format{domain.FormatPNG, domain.FormatJPG, domain.FormatWebP},
	})
}

func (h *HTTP) Upscale(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	l := log.With().Str("remote", c.ClientIP()).Logger()

	err := h.upscale(c, l)
	if h.observer != nil {
		h.observer.ObserveRequest("http", err)
	}

	if err != nil {
		l.Warn().Err(err).Str("kind", string(domain.KindOf(err))).Msg("upscale request failed")
		c.JSON(StatusCode(err), gin.H{"error": domain.ErrorStatus(err), "kind": domain.KindOf(err)})
	}
}

func (h *HTTP) upscale(c *gin.Context, l zerolog.Logger) error {
	if c.Request.ContentLength > h.maxUpload {
		return errUploadTooLarge
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errUploadTooLarge
		}
		return domain.NewError(domain.KindInvalidRequest, domain.StageValidate, "no file uploaded", err)
	}

	scale, err := domain.ParseScale(c.DefaultPostForm("scale", domain.DefaultScale.String()))
	if err != nil {
		return err
	}

	req := domain.ScaleRequest{
		Scale:  scale,
		Model:  c.DefaultPostForm("model", string(domain.DefaultModel)),
		Format: domain.ParseFormat(c.PostForm("format")),
	}

	src, err := header.Open()
	if err != nil {
		return domain.NewError(domain.KindInvalidRequest, domain.StageValidate, "could not read upload", err)
	}
	defer src.Close()

	uploadPath, err := file.SaveTempFile(h.tempDir, src, filepath.Ext(header.Filename))
	if err != nil {
		return domain.NewError(domain.KindInternal, domain.StageStage, "could not store upload", err)
	}
	defer file.RemoveTempFile(uploadPath)

	img, err := codec.Load(uploadPath)
	if err != nil {
		return domain.NewError(domain.KindInvalidRequest, domain.StageValidate, "Invalid image format", err)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	l = l.With().
		Str("filename", header.Filename).
		Str("model", req.Model).
		Str("scale", req.Scale.String()).
		Str("format", string(req.Format)).
		Logger()

	res, err := h.upscaler.UpscaleImage(ctx, img, req, service.LogProgress(l))
	if err != nil {
		return err
	}

	resultPath, err := file.TempPath(h.tempDir, req.Format.Extension())
	if err != nil {
		return domain.NewError(domain.KindInternal, domain.StageReadBack, "could not allocate result file", err)
	}

	if err := codec.Save(resultPath, res.Image, req.Format); err != nil {
		return domain.NewError(domain.KindInternal, domain.StageReadBack,
			fmt.Sprintf("could not encode result: %s", err), err)
	}
	defer file.RemoveTempFile(resultPath)

	l.Info().Str("status", res.Status).Msg("upscale request finished")

	c.Header(StatusHeader, res.Status)
	c.Header("Content-Type", req.Format.MimeType())
	c.FileAttachment(resultPath, fmt.Sprintf("upscaled_%s%s", req.Scale, req.Format.Extension()))

	return nil
}

var errUploadTooLarge = domain.NewError(domain.KindInvalidRequest, domain.StageValidate, "upload too large", nil)

// StatusCode maps an upscale error to the HTTP status returned to clients.
func StatusCode(err error) int {
	if errors.Is(err, errUploadTooLarge) {
		return http.StatusRequestEntityTooLarge
	}

	switch domain.KindOf(err) {
	case domain.KindInvalidRequest, domain.KindUnsupportedScale:
		return http.StatusBadRequest
	case domain.KindSourceNotFound:
		return http.StatusNotFound
	case domain.KindInvocationTimedOut:
		return http.StatusGatewayTimeout
	case domain.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// CORS allows browser front ends on other origins to call the API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Header("Access-Control-Expose-Headers", StatusHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestLogger logs every request through zerolog.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// NewRouter wires middleware and routes into a gin engine.
func NewRouter(h *HTTP, middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(), CORS())
	r.Use(middleware...)
	h.Register(r)

	return r
}
