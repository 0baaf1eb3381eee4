package command

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
	"upscaler/internal/core/domain"
	"upscaler/internal/core/port"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Observer counts finished requests, e.g. for metrics.
type Observer interface {
	ObserveRequest(surface string, err error)
}

type Upscale struct {
	upscaler    port.Upscaler
	codec       port.ImageCodec
	downloader  port.FileDownloader
	textSender  port.TextSender
	imageSender port.ImageSender
	observer    Observer
	command     string
}

func NewUpscale(upscaler port.Upscaler, codec port.ImageCodec, downloader port.FileDownloader,
	textSender port.TextSender, imageSender port.ImageSender, observer Observer, command string) *Upscale {
	return &Upscale{
		upscaler:    upscaler,
		codec:       codec,
		downloader:  downloader,
		textSender:  textSender,
		imageSender: imageSender,
		observer:    observer,
		command:     command,
	}
}

func (u *Upscale) GetCommand() string {
	return u.command
}

func (u *Upscale) Usage() string {
	return u.command + " [2x|4x|8x] [model] [png|jpg|webp] - send as photo caption or reply to a photo"
}

func (u *Upscale) Respond(ctx context.Context, timeout time.Duration, message *domain.Message) error {
	l := log.With().
		Int("messageId", message.ID).
		Int64("chatId", message.ChatID).
		Str("command", u.GetCommand()).
		Logger()

	l.Info().Msg("handling request")

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go u.textSender.SendChatAction(ctx, message.ChatID, domain.SendingPhoto)

	err := u.respond(ctx, message, l)
	if u.observer != nil {
		u.observer.ObserveRequest("telegram", err)
	}

	if err != nil {
		l.Warn().Err(err).Str("kind", string(domain.KindOf(err))).Msg("upscale request failed")
		return u.textSender.NotifyAndReturnError(ctx, err, message)
	}

	return nil
}

func (u *Upscale) respond(ctx context.Context, message *domain.Message, l zerolog.Logger) error {
	if message.ImageURL == "" {
		return domain.NewError(domain.KindSourceNotFound, domain.StageValidate,
			"missing image, send "+u.command+" as a photo caption or reply to a photo", domain.ErrMissingImage)
	}

	req, err := ParseUpscaleArgs(ParseCommandArgs(message.Text))
	if err != nil {
		return err
	}

	data, err := u.downloader.Download(ctx, message.ImageURL)
	if err != nil {
		return domain.NewError(domain.KindSourceNotFound, domain.StageValidate,
			fmt.Sprintf("could not download image: %s", err), err)
	}

	img, err := u.codec.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.NewError(domain.KindInvalidRequest, domain.StageValidate, "Invalid image format", err)
	}

	res, err := u.upscaler.UpscaleImage(ctx, img, req, port.ProgressFunc(func(fraction float64, label string) {
		l.Debug().Float64("progress", fraction).Msg(label)
	}))
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := u.codec.Encode(&buf, res.Image, req.Format); err != nil {
		return domain.NewError(domain.KindInternal, domain.StageReadBack,
			fmt.Sprintf("could not encode result: %s", err), err)
	}

	filename := fmt.Sprintf("upscaled_%d_%s%s", message.ID, req.Scale, req.Format.Extension())
	if err := u.imageSender.SendImageFileReply(ctx, message, filename, buf.Bytes()); err != nil {
		return err
	}

	if _, err := u.textSender.SendMessageReply(ctx, message, res.Status); err != nil {
		return err
	}

	return nil
}

// ParseUpscaleArgs reads "[scale] [model] [format]" in any order. Tokens that are neither a scale nor a
// known format name the model.
func ParseUpscaleArgs(args string) (domain.ScaleRequest, error) {
	req := domain.ScaleRequest{Scale: domain.DefaultScale, Format: domain.FormatPNG}

	for _, token := range strings.Fields(args) {
		lower := strings.ToLower(token)

		switch {
		case isFormat(lower):
			req.Format = domain.ParseFormat(lower)
		case looksLikeScale(lower):
			scale, err := domain.ParseScale(lower)
			if err != nil {
				return domain.ScaleRequest{}, err
			}
			req.Scale = scale
		case req.Model == "":
			req.Model = token
		default:
			return domain.ScaleRequest{}, domain.NewError(domain.KindInvalidRequest, domain.StageValidate,
				fmt.Sprintf("unexpected argument: %s", token), nil)
		}
	}

	return req, nil
}

func isFormat(token string) bool {
	switch token {
	case "png", "jpg", "jpeg", "webp":
		return true
	default:
		return false
	}
}

func looksLikeScale(token string) bool {
	token = strings.TrimSuffix(token, "x")
	if token == "" {
		return false
	}

	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
