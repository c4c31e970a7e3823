package domain

import (
	"context"
	"errors"
)

// ErrNoReplier is returned by Request.Reply when the request cannot answer.
var ErrNoReplier = errors.New("request has no reply route")

// Downloader retrieves the bytes of an attachment. Implementations carry
// their own credential.
type Downloader interface {
	Fetch(ctx context.Context, ref AttachmentRef) ([]byte, error)
}

// DownloaderFunc adapts a function to Downloader.
type DownloaderFunc func(ctx context.Context, ref AttachmentRef) ([]byte, error)

func (f DownloaderFunc) Fetch(ctx context.Context, ref AttachmentRef) ([]byte, error) {
	return f(ctx, ref)
}

// Replier posts text back to where a request came from.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, text string) error

func (f ReplierFunc) Reply(ctx context.Context, text string) error {
	return f(ctx, text)
}

// Request is what bot logic receives for each inbound event.
type Request struct {
	Message    CanonicalMessage
	Downloader Downloader
	Replier    Replier
}

// Reply sends text (markdown) to the originating space and thread.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.Replier == nil {
		return ErrNoReplier
	}
	return r.Replier.Reply(ctx, text)
}

// Handler is the bot logic invoked for every canonical message.
type Handler interface {
	Handle(ctx context.Context, req *Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) error

func (f HandlerFunc) Handle(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// MessageSender posts outbound messages to the chat provider.
type MessageSender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}
