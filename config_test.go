package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"upscaler/internal/core/domain"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(viper.New(), writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8000", cfg.ServerAddress)
	assert.Equal(t, int64(50), cfg.MaxUploadMB)
	assert.Equal(t, "bin", cfg.InstallDir)
	assert.Equal(t, 10*time.Minute, cfg.PassTimeout)
	assert.Equal(t, int64(1), cfg.MaxConcurrent)
	assert.Empty(t, cfg.BotToken)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"

[server]
address = "127.0.0.1:9000"
request_timeout = "5m"

[upscaler]
install_dir = "/opt/upscaler"
pass_timeout = "90s"
max_concurrent = 2
gpu_id = "0"

[telegram]
bot_token = "from-file"
`)

	t.Setenv("UPSCALER_TELEGRAM_BOT_TOKEN", "from-env")

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9000", cfg.ServerAddress)
	assert.Equal(t, 5*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, "/opt/upscaler", cfg.InstallDir)
	assert.Equal(t, 90*time.Second, cfg.PassTimeout)
	assert.Equal(t, int64(2), cfg.MaxConcurrent)
	assert.Equal(t, "0", cfg.GPUID)
	assert.Equal(t, "from-env", cfg.BotToken)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{
			name: "invalid duration",
			path: func(t *testing.T) string {
				return writeConfig(t, "[upscaler]\npass_timeout = \"ten minutes\"\n")
			},
		},
		{
			name: "explicit file missing",
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "missing.toml")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(viper.New(), tc.path(t))
			require.Error(t, err)
		})
	}
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, logLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, logLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, logLevel("verbose"))
}

func TestModelsCommand(t *testing.T) {
	var out bytes.Buffer

	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"models", "--config", writeConfig(t, "")})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "realesrgan-x4plus-anime")
	assert.Contains(t, out.String(), "best-quality")
}

func TestUpscaleCommandRejectsInPlaceOutput(t *testing.T) {
	work := t.TempDir()
	input := filepath.Join(work, "photo.png")
	require.NoError(t, os.WriteFile(input, []byte("not really a png"), 0o600))

	for _, output := range []string{input, work + string(filepath.Separator) + "." + string(filepath.Separator) + "photo.png"} {
		root := newRootCmd()
		root.SetArgs([]string{"upscale", input, output, "--config",
			writeConfig(t, "[upscaler]\ninstall_dir = \""+filepath.ToSlash(t.TempDir())+"\"\n")})

		err := root.Execute()
		require.ErrorIs(t, err, domain.ErrInvalidRequest)

		data, err := os.ReadFile(input)
		require.NoError(t, err)
		assert.Equal(t, "not really a png", string(data))
	}
}

func TestDownloadProgressSteps(t *testing.T) {
	var logged bytes.Buffer

	progress := downloadProgress(zerolog.New(&logged))
	for _, f := range []float64{0.01, 0.05, 0.12, 0.13, 0.5, 1.0} {
		progress(f)
	}

	lines := strings.Split(strings.TrimSpace(logged.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"percent":12`)
	assert.Contains(t, lines[1], `"percent":50`)
	assert.Contains(t, lines[2], `"percent":100`)
}
