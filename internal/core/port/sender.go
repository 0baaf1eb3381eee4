package port

import (
	"context"
	"upscaler/internal/core/domain"
)

type TextSender interface {
	// SendMessageReply sends a reply to a specified message with the given text and returns the sent message ID and
	// an error if any.
	SendMessageReply(ctx context.Context, message *domain.Message, text string) (int, error)
	// SendChatAction sends a specified chat action (e.g., typing, sending photo) to indicate activity in a given chat.
	SendChatAction(ctx context.Context, chatID int64, action domain.Action)
	// NotifyAndReturnError sends an error notification based on the provided message context and returns the error.
	NotifyAndReturnError(ctx context.Context, err error, message *domain.Message) error
}

type ImageSender interface {
	// SendImageFileReply sends an encoded image as a document in response to the provided message.
	SendImageFileReply(ctx context.Context, message *domain.Message, filename string, file []byte) error
}

type FileDownloader interface {
	// Download returns the content of the file behind url.
	Download(ctx context.Context, url string) ([]byte, error)
}
