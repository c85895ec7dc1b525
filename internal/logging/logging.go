// Package logging provides a structured logger factory for the proxy.
//
// It configures [log/slog] with a JSON handler by default, or a text handler
// for local development, and a configurable minimum level.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler used by [NewWithWriter].
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// New creates a [slog.Logger] that writes to stderr at the given level and
// format. Accepted level strings (case-insensitive): "debug", "info", "warn",
// "error". An empty string defaults to "info"; an unknown format to JSON.
func New(level, format string) *slog.Logger {
	return NewWithWriter(level, ParseFormat(format), os.Stderr)
}

// NewWithWriter creates a [slog.Logger] writing to w.
func NewWithWriter(level string, format Format, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat converts a format string to a [Format], defaulting to JSON.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}

// Redact masks a secret for log output, keeping a short prefix so operators
// can tell keys apart.
func Redact(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}

// RedactAll applies [Redact] to every element.
func RedactAll(secrets []string) []string {
	out := make([]string, len(secrets))
	for i, s := range secrets {
		out[i] = Redact(s)
	}
	return out
}
