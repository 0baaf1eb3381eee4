package command

import (
	"context"
	"fmt"
	"strings"
	"time"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/port"
)

type Models struct {
	ts      port.TextSender
	command string
}

func NewModels(ts port.TextSender, command string) *Models {
	return &Models{
		ts:      ts,
		command: command,
	}
}

func (m *Models) GetCommand() string {
	return m.command
}

func (m *Models) Usage() string {
	return m.command + " - list the available upscaling models"
}

func (m *Models) Respond(ctx context.Context, _ time.Duration, message *domain.Message) error {
	sb := &strings.Builder{}

	sb.WriteString("Available models, pick one by name or keyword:\n\n")

	for _, model := range domain.Models() {
		marker := ""
		if model.Model == domain.DefaultModel {
			marker = " (default)"
		}

		_, err := fmt.Fprintf(sb, " - %s%s, keyword: %s\n   %s\n", model.Label, marker, model.Alias, model.Description)
		if err != nil {
			return fmt.Errorf("failed to construct response: %w", err)
		}
	}

	scales := make([]string, len(domain.SupportedScales))
	for i, s := range domain.SupportedScales {
		scales[i] = s.String()
	}

	_, err := fmt.Fprintf(sb, "\nSupported scales: %s. Scales above 4x run as multiple passes.",
		strings.Join(scales, ", "))
	if err != nil {
		return fmt.Errorf("failed to construct response: %w", err)
	}

	_, err = m.ts.SendMessageReply(ctx, message, sb.String())
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

type Help struct {
	registry port.CommandRegistry
	ts       port.TextSender
	command  string
}

func NewHelp(registry port.CommandRegistry, ts port.TextSender, command string) *Help {
	return &Help{registry: registry, ts: ts, command: command}
}

func (h *Help) GetCommand() string {
	return h.command
}

func (h *Help) Usage() string {
	return h.command + " - show this list"
}

func (h *Help) Respond(ctx context.Context, _ time.Duration, message *domain.Message) error {
	lines := make([]string, 0)
	for _, cmd := range h.registry.ListCommands() {
		lines = append(lines, cmd.Usage())
	}

	_, err := h.ts.SendMessageReply(ctx, message, strings.Join(lines, "\n"))
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}
