package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the process logger and installs it as the default for
// zerolog.Ctx lookups on contexts that carry no logger.
func New(level, format string) zerolog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(out io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.ErrorFieldName = "err"

	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	l := zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &l
	return l
}

// ParseLevel falls back to info on unknown input.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Helper functions to add fields to the context logger.

func ContextWithCampaignID(ctx context.Context, id uuid.UUID) context.Context {
	l := zerolog.Ctx(ctx).With().Str("campaign_id", id.String()).Logger()
	return l.WithContext(ctx)
}

func ContextWithMessageID(ctx context.Context, id uuid.UUID) context.Context {
	l := zerolog.Ctx(ctx).With().Str("message_id", id.String()).Logger()
	return l.WithContext(ctx)
}

func ContextWithJob(ctx context.Context, topic, jobID string, attempt int) context.Context {
	l := zerolog.Ctx(ctx).With().
		Str("topic", topic).
		Str("job_id", jobID).
		Int("attempt", attempt).
		Logger()
	return l.WithContext(ctx)
}

func ContextWithEventID(ctx context.Context, provider, eventID string) context.Context {
	l := zerolog.Ctx(ctx).With().Str("provider", provider).Str("event_id", eventID).Logger()
	return l.WithContext(ctx)
}
