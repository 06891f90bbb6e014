// Package logging configures the process-wide slog logger and provides the
// small helpers the rest of the tree uses to attach errors and context.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
)

type contextKey int

const loggerKey contextKey = iota

// Verbosity maps the -q/-v/-vv/-vvv CLI surface onto slog levels.
type Verbosity int

const (
	Quiet Verbosity = iota - 1
	Normal
	Verbose
	Debug
	Trace
)

func (v Verbosity) Level() slog.Level {
	switch {
	case v <= Quiet:
		return slog.LevelError
	case v == Normal:
		return slog.LevelWarn
	case v == Verbose:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Setup installs the default logger. Logs go to stdout (progress owns
// stderr). Color is applied only when the caller asks for it.
func Setup(v Verbosity, colored bool) *slog.Logger {
	return SetupWriter(os.Stdout, v, colored)
}

func SetupWriter(w io.Writer, v Verbosity, colored bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: v.Level()}
	if colored {
		opts.ReplaceAttr = colorLevel
	}
	log := slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(log)
	return log
}

func colorLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case lvl >= slog.LevelError:
		a.Value = slog.StringValue(color.RedString(lvl.String()))
	case lvl >= slog.LevelWarn:
		a.Value = slog.StringValue(color.YellowString(lvl.String()))
	case lvl <= slog.LevelDebug:
		a.Value = slog.StringValue(color.HiBlackString(lvl.String()))
	}
	return a
}

// WithError logs msg at error level with the full error chain attached.
// The chain is rendered verbatim so the root cause stays visible.
func WithError(l *slog.Logger, err error, msg string) {
	l.With(slog.String("err", fmt.Sprintf("%v", err))).Error(msg)
}

// With attaches fields to the logger stored in ctx.
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	l := FromCtx(ctx)
	for _, a := range attrs {
		l = l.With(a)
	}
	return context.WithValue(ctx, loggerKey, l)
}

// WithLogger returns ctx carrying l.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns the logger stored in ctx, or the default logger.
func FromCtx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
