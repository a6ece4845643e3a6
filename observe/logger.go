package observe

import (
	"context"
	"io"
	"os"
	"slices"

	"github.com/rs/zerolog"
)

// zeroLogger is a JSON structured logger backed by zerolog.
type zeroLogger struct {
	zl zerolog.Logger
}

// NewLogger creates a structured logger writing JSON lines to stderr.
func NewLogger(level string) Logger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger with a custom writer.
// Unknown or empty levels fall back to info.
func NewLoggerWithWriter(level string, w io.Writer) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return &zeroLogger{
		zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger(),
	}
}

// NewZerologLogger adapts an existing zerolog logger.
func NewZerologLogger(zl zerolog.Logger) Logger {
	return &zeroLogger{zl: zl}
}

// WithResource returns a logger with the resource context attached.
func (l *zeroLogger) WithResource(meta ResourceMeta) Logger {
	c := l.zl.With().Str("resource.name", meta.Name)
	if meta.Key != "" {
		c = c.Str("resource.key", meta.Key)
	}
	if meta.Type != "" {
		c = c.Str("resource.type", meta.Type)
	}
	return &zeroLogger{zl: c.Logger()}
}

func (l *zeroLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, l.zl.Info(), msg, fields)
}

func (l *zeroLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, l.zl.Warn(), msg, fields)
}

func (l *zeroLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, l.zl.Error(), msg, fields)
}

func (l *zeroLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, l.zl.Debug(), msg, fields)
}

// log writes one entry. A nil event means the level is filtered out.
func (l *zeroLogger) log(ctx context.Context, ev *zerolog.Event, msg string, fields []Field) {
	if ev == nil {
		return
	}
	if ctx != nil {
		ev = ev.Ctx(ctx)
	}

	for _, f := range fields {
		switch {
		case isRedactedField(f.Key):
			ev = ev.Str(f.Key, "[REDACTED]")
		default:
			if err, ok := f.Value.(error); ok {
				ev = ev.AnErr(f.Key, err)
				continue
			}
			ev = ev.Interface(f.Key, f.Value)
		}
	}

	ev.Msg(msg)
}

func isRedactedField(key string) bool {
	return slices.Contains(RedactedFields, key)
}

var _ Logger = (*zeroLogger)(nil)
