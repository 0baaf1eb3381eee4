package command

import (
	"context"
	"fmt"
	"runtime"
	"runtime/metrics"
	"time"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/port"

	"github.com/rs/zerolog/log"
)

// Installation describes where the upscaling executable lives.
type Installation interface {
	PlatformKey() string
	BinaryPath() string
	Installed() bool
}

type Status struct {
	installation Installation
	textSender   port.TextSender
	command      string
}

func NewStatus(installation Installation, sender port.TextSender, command string) *Status {
	return &Status{installation: installation, textSender: sender, command: command}
}

func (s *Status) GetCommand() string {
	return s.command
}

func (s *Status) Usage() string {
	return s.command + " - runtime and upscaler installation status"
}

const kb = 1024
const statusTemplate = `upscaler: %s
platform: %s
allocated mem: %d KB
heap: %d KB
goroutines: %d
compiled with %s
`

func (s *Status) Respond(ctx context.Context, _ time.Duration, message *domain.Message) error {
	l := log.With().
		Int("messageId", message.ID).
		Int64("chatId", message.ChatID).
		Str("command", s.GetCommand()).
		Logger()

	l.Info().Msg("handling request")

	data := []metrics.Sample{
		{Name: "/memory/classes/total:bytes"},
		{Name: "/memory/classes/heap/objects:bytes"},
	}
	metrics.Read(data)

	binary := "not installed, will be downloaded on first use"
	if s.installation.Installed() {
		binary = s.installation.BinaryPath()
	}

	_, err := s.textSender.SendMessageReply(ctx, message,
		fmt.Sprintf(
			statusTemplate,
			binary,
			s.installation.PlatformKey(),
			data[0].Value.Uint64()/kb,
			data[1].Value.Uint64()/kb,
			runtime.NumGoroutine(),
			runtime.Version(),
		))
	if err != nil {
		return err
	}

	return nil
}
