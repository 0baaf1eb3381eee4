package handler

import (
	"context"
	"strings"
	"sync"
	"time"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/domain/command"
	"upscaler/internal/core/port"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

// FileResolver turns a Telegram file id into a download URL. *bot.Bot satisfies it.
type FileResolver interface {
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	FileDownloadLink(f *models.File) string
}

type Command struct {
	commandRegistry port.CommandRegistry
	files           FileResolver
	timeout         time.Duration
	wg              sync.WaitGroup
}

func NewCommand(commandRegistry port.CommandRegistry, files FileResolver, timeout time.Duration) *Command {
	return &Command{commandRegistry: commandRegistry, files: files, timeout: timeout}
}

// Handle dispatches a Telegram update to the matching command. The command runs in the background.
func (c *Command) Handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	msg := update.Message

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	log.Debug().Str("message", text).Msg("received command")

	cmd := command.ParseCommand(text)
	commandHandler, err := c.commandRegistry.Get(cmd)
	if err != nil {
		log.Debug().Str("command", cmd).Msg("no handler for command")
		return
	}

	var replyToMessageID int
	if msg.ReplyToMessage != nil {
		replyToMessageID = msg.ReplyToMessage.ID
	}

	message := &domain.Message{
		ID:               msg.ID,
		ChatID:           msg.Chat.ID,
		Text:             text,
		Username:         getUserNameFromMessage(msg.From),
		ReplyToMessageID: &replyToMessageID,
		ImageURL:         c.getOptionalImage(ctx, msg),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		err := commandHandler.Respond(context.WithoutCancel(ctx), c.timeout, message)
		if err != nil {
			log.Err(err).Str("command", cmd).Msg("failed to respond to command")
		}
	}()
}

// Wait blocks until all running commands have returned.
func (c *Command) Wait() {
	c.wg.Wait()
}

func (c *Command) getOptionalImage(ctx context.Context, msg *models.Message) string {
	fileID := imageFileID(msg)
	if fileID == "" && msg.ReplyToMessage != nil {
		fileID = imageFileID(msg.ReplyToMessage)
	}

	if fileID == "" || c.files == nil {
		return ""
	}

	f, err := c.files.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		log.Error().Err(err).Msg("error getting file from telegram api")
		return ""
	}

	return c.files.FileDownloadLink(f)
}

// imageFileID prefers an uncompressed image document over the largest photo size.
func imageFileID(msg *models.Message) string {
	if msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/") {
		return msg.Document.FileID
	}

	if len(msg.Photo) == 0 {
		return ""
	}

	return findLargestImage(msg.Photo)
}

func findLargestImage(photos []models.PhotoSize) string {
	largest := photos[0]
	for _, photo := range photos[1:] {
		if photo.Width*photo.Height > largest.Width*largest.Height {
			largest = photo
		}
	}

	return largest.FileID
}

func getUserNameFromMessage(user *models.User) string {
	if user == nil {
		return ""
	}

	if user.Username == "" {
		return user.FirstName
	}

	return "@" + user.Username
}
