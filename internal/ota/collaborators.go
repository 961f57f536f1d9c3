package ota

import (
	"context"

	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// AdvertisementSource yields advertisements in arrival order until ctx is
// done. A source is subscribed once per Start.
type AdvertisementSource interface {
	Subscribe(ctx context.Context) (<-chan probe.Advertisement, error)
}

// ImageResolver finds the firmware image to flash onto a product type.
// It is used by the retry path, which has no caller-supplied image.
type ImageResolver interface {
	ResolveImage(ctx context.Context, productType probe.ProductType) (dfu.Image, error)
}

// NoticeKind identifies a Notice.
type NoticeKind string

// Notice kinds.
const (
	NoticeUpdateStarted    NoticeKind = "update_started"
	NoticeUpdateFinished   NoticeKind = "update_finished"
	NoticeRetryStarted     NoticeKind = "retry_started"
	NoticeRetriesExhausted NoticeKind = "retries_exhausted"
)

// Notice is a user-facing message about an update.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	DeviceID probe.ID   `json:"device_id"`
	Attempt  int        `json:"attempt,omitempty"`
	Success  bool       `json:"success,omitempty"`
	Message  string     `json:"message"`
}

// NotificationTarget surfaces update notices to the user. Post must not block.
type NotificationTarget interface {
	Post(n Notice)
}

// Logger defines the logging interface used by the Orchestrator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
