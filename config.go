package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string

	ServerAddress  string
	MaxUploadMB    int64
	RequestTimeout time.Duration

	InstallDir    string
	TempDir       string
	PassTimeout   time.Duration
	MaxConcurrent int64
	GPUID         string
	DownloadURL   string

	BotToken       string
	HandlerTimeout time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.request_timeout", "30m")

	v.SetDefault("upscaler.install_dir", "bin")
	v.SetDefault("upscaler.temp_dir", "")
	v.SetDefault("upscaler.pass_timeout", "10m")
	v.SetDefault("upscaler.max_concurrent", 1)
	v.SetDefault("upscaler.gpu_id", "")

	v.SetDefault("provisioner.download_url", "")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.handler_timeout", "30m")
}

// loadConfig reads config.toml from dir (or the file at path if set) and applies UPSCALER_ environment
// overrides. A missing config file is not an error.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("UPSCALER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
	}

	cfg := &Config{
		LogLevel:      v.GetString("log.level"),
		ServerAddress: v.GetString("server.address"),
		MaxUploadMB:   v.GetInt64("server.max_upload_mb"),
		InstallDir:    v.GetString("upscaler.install_dir"),
		TempDir:       v.GetString("upscaler.temp_dir"),
		MaxConcurrent: v.GetInt64("upscaler.max_concurrent"),
		GPUID:         v.GetString("upscaler.gpu_id"),
		DownloadURL:   v.GetString("provisioner.download_url"),
		BotToken:      v.GetString("telegram.bot_token"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"server.request_timeout", &cfg.RequestTimeout},
		{"upscaler.pass_timeout", &cfg.PassTimeout},
		{"telegram.handler_timeout", &cfg.HandlerTimeout},
	}

	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s in config: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

func logLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
