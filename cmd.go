package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"upscaler/internal/adapters/codec"
	"upscaler/internal/adapters/file"
	"upscaler/internal/adapters/handler"
	"upscaler/internal/adapters/metrics"
	"upscaler/internal/adapters/provisioner"
	"upscaler/internal/adapters/runner"
	"upscaler/internal/adapters/sender"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/domain/command"
	"upscaler/internal/core/service"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	cfg         *Config
	metrics     *metrics.Metrics
	provisioner *provisioner.RealESRGAN
	upscaler    *service.Upscaler
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	root := &cobra.Command{
		Use:           "upscaler",
		Short:         "Upscale images 2x, 4x or 8x with Real-ESRGAN",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.New(), configPath)
			if err != nil {
				return err
			}

			zerolog.SetGlobalLevel(logLevel(cfg.LogLevel))
			a.build(cfg)

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	root.AddCommand(
		a.serveCmd(),
		a.upscaleCmd(),
		a.provisionCmd(),
		a.modelsCmd(),
	)

	return root
}

// build wires the orchestrator explicitly. Nothing is shared through package globals.
func (a *app) build(cfg *Config) {
	a.cfg = cfg
	a.metrics = metrics.New()

	opts := []provisioner.Option{provisioner.WithProgress(downloadProgress(log.Logger))}
	if cfg.DownloadURL != "" {
		opts = append(opts, provisioner.WithDownloadURL(cfg.DownloadURL))
	}
	a.provisioner = provisioner.NewRealESRGAN(cfg.InstallDir, file.NewDownloader(nil), opts...)

	passRunner := metrics.NewInstrumentedRunner(
		runner.NewRealESRGAN(a.provisioner, runner.WithTimeout(cfg.PassTimeout), runner.WithGPU(cfg.GPUID)),
		a.metrics)

	a.upscaler = service.NewUpscaler(a.provisioner, passRunner, codec.PNGStager{},
		service.WithTempDir(cfg.TempDir),
		service.WithMaxConcurrent(cfg.MaxConcurrent))
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and, if configured, the Telegram bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	h := handler.NewHTTP(a.upscaler,
		handler.WithObserver(a.metrics),
		handler.WithUploadDir(a.cfg.TempDir),
		handler.WithMaxUpload(a.cfg.MaxUploadMB<<20),
		handler.WithRequestTimeout(a.cfg.RequestTimeout))

	router := handler.NewRouter(h, a.metrics.Middleware())
	router.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	srv := &http.Server{
		Addr:              a.cfg.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("address", srv.Addr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var commands *handler.Command
	if a.cfg.BotToken != "" {
		var err error
		commands, err = a.startBot(ctx)
		if err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		return fmt.Errorf("http server failed: %w", err)
	}

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server did not shut down cleanly")
	}

	if commands != nil {
		commands.Wait()
	}

	return nil
}

func (a *app) startBot(ctx context.Context) (*handler.Command, error) {
	b, err := bot.New(a.cfg.BotToken, bot.WithDefaultHandler(noOpHandler))
	if err != nil {
		return nil, fmt.Errorf("failed initializing telegram bot: %w", err)
	}

	s := sender.NewTelegram(b)

	registry := &command.Registry{}
	registry.Register(command.NewUpscale(a.upscaler, codec.Codec{}, file.NewDownloader(nil), s, s, a.metrics,
		"/upscale"))
	registry.Register(command.NewModels(s, "/models"))
	registry.Register(command.NewStatus(a.provisioner, s, "/status"))
	registry.Register(command.NewHelp(registry, s, "/help"))
	registry.Register(command.NewHelp(registry, s, "/start"))

	commandHandler := handler.NewCommand(registry, b, a.cfg.HandlerTimeout)

	b.RegisterHandler(bot.HandlerTypeMessageText, "/", bot.MatchTypePrefix, commandHandler.Handle)
	b.RegisterHandler(bot.HandlerTypePhotoCaption, "/", bot.MatchTypePrefix, commandHandler.Handle)

	go func() {
		log.Info().Msg("bot listening")
		b.Start(ctx)
	}()

	return commandHandler, nil
}

func noOpHandler(_ context.Context, _ *bot.Bot, _ *models.Update) {}

func (a *app) upscaleCmd() *cobra.Command {
	var scale, model, format string

	cmd := &cobra.Command{
		Use:   "upscale <input> <output>",
		Short: "Upscale a single image file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseScale(scale)
			if err != nil {
				return err
			}

			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(args[1]), ".")
			}

			req := domain.ScaleRequest{Scale: s, Model: model, Format: domain.ParseFormat(format)}

			status, err := a.upscaleFile(cmd.Context(), args[0], args[1], req)
			a.metrics.ObserveRequest("cli", err)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), status)
			return err
		},
	}

	cmd.Flags().StringVarP(&scale, "scale", "s", domain.DefaultScale.String(), "2x, 4x or 8x")
	cmd.Flags().StringVarP(&model, "model", "m", string(domain.DefaultModel), "model name or keyword")
	cmd.Flags().StringVarP(&format, "format", "f", "", "png, jpg or webp (default: from output extension)")

	return cmd
}

// upscaleFile writes PNG output directly and re-encodes through a temporary PNG for other formats.
func (a *app) upscaleFile(ctx context.Context, input, output string, req domain.ScaleRequest) (string, error) {
	if in, out := absPath(input), absPath(output); in == out {
		return "", domain.NewError(domain.KindInvalidRequest, domain.StageValidate,
			"output path must differ from input path", nil)
	}

	sink := service.LogProgress(log.Logger)

	if req.Format == domain.FormatPNG && strings.EqualFold(filepath.Ext(output), ".png") {
		if _, err := a.upscaler.UpscaleFile(ctx, input, output, req, sink); err != nil {
			return "", err
		}
		return describe(input, output, req.Scale), nil
	}

	tmp, err := file.TempPath(a.cfg.TempDir, ".png")
	if err != nil {
		return "", err
	}
	defer file.RemoveTempFile(tmp)

	if _, err := a.upscaler.UpscaleFile(ctx, input, tmp, req, sink); err != nil {
		return "", err
	}

	img, err := codec.Load(tmp)
	if err != nil {
		return "", domain.NewError(domain.KindInvocationFailed, domain.StageReadBack,
			fmt.Sprintf("could not read upscaled image: %s", err), err)
	}

	if err := codec.Save(output, img, req.Format); err != nil {
		return "", err
	}

	return describe(input, output, req.Scale), nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func describe(input, output string, scale domain.Scale) string {
	in, err := codec.Load(input)
	if err != nil {
		return "Upscaled image written to " + output
	}
	out, err := codec.Load(output)
	if err != nil {
		return "Upscaled image written to " + output
	}

	return domain.SuccessStatus(in.Bounds().Dx(), in.Bounds().Dy(), out.Bounds().Dx(), out.Bounds().Dy(), scale)
}

func (a *app) provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Download the Real-ESRGAN executable and models if missing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.provisioner.EnsureReady(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "upscaler ready at %s\n", path)
			return err
		},
	}
}

func (a *app) modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the available upscaling models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tKEYWORD\tDESCRIPTION")
			for _, m := range domain.Models() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Model, m.Alias, m.Description)
			}

			return w.Flush()
		},
	}
}

// downloadProgress logs the provisioning download in ten percent steps.
func downloadProgress(l zerolog.Logger) func(float64) {
	next := 0.1
	return func(fraction float64) {
		if fraction < next {
			return
		}
		l.Info().Int("percent", int(fraction*100)).Msg("downloading upscaler")
		for next <= fraction {
			next += 0.1
		}
	}
}
