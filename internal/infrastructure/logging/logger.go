package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/probe-ota-core/internal/infrastructure/config"
)

const serviceName = "probeota"

// Logger is a slog.Logger carrying the service and version attributes.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging section. Unknown outputs write to
// stdout, unknown formats produce JSON and unknown levels mean info.
func New(cfg config.LoggingConfig, version string) *Logger {
	return build(writerFor(cfg.Output), cfg, version)
}

// Default is used until the configuration has been read.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

func build(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: levelFor(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h)}
}

func writerFor(output string) io.Writer {
	switch strings.ToLower(output) {
	case "stderr":
		return os.Stderr
	case "discard", "none":
		return io.Discard
	}
	return os.Stdout
}

func levelFor(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// With returns a child Logger with args added to every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags entries with the subsystem that wrote them.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}
