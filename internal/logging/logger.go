// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted replaces the value of sensitive attributes.
const Redacted = "[REDACTED]"

// sensitiveKeys never reach log output with their value intact.
var sensitiveKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"code":          true,
	"password":      true,
	"secret":        true,
	"token":         true,
	"authorization": true,
}

// Options controls logger construction.
type Options struct {
	// Environment selects the format: JSON in production, text otherwise.
	Environment string

	// Level overrides the environment default (info in production,
	// debug otherwise). Accepts debug, info, warn, error.
	Level string

	// Output defaults to stdout.
	Output io.Writer
}

// NewLogger creates a structured logger appropriate for the environment.
func NewLogger(opts Options) (*slog.Logger, error) {
	level := slog.LevelDebug
	if opts.Environment == "production" {
		level = slog.LevelInfo
	}

	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("parsing log level %q: %w", opts.Level, err)
		}
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	hopts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if opts.Environment == "production" {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}

	return slog.New(handler).With(slog.String("service", "authd")), nil
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}

	return a
}
