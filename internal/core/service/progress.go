package service

import (
	"upscaler/internal/core/port"

	"github.com/rs/zerolog"
)

// LogProgress returns a sink that writes every progress update to l at debug level.
func LogProgress(l zerolog.Logger) port.ProgressSink {
	return port.ProgressFunc(func(fraction float64, label string) {
		l.Debug().Float64("progress", fraction).Msg(label)
	})
}
