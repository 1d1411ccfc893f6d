// Package log is the structured logger shared by every component. It wraps
// log/slog, adds trace correlation from the request context and attaches
// error chains and stacks to error records.
package log

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// Logger takes alternating key/value pairs after the message. Error takes
// the error separately so it can be expanded into error_* fields.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	// App, Version, Commit and BuildId are stamped on every line.
	App     string
	Version string
	Commit  string
	BuildId string

	Level slog.Level
	// LevelVar, when set, replaces Level so the threshold can be changed
	// while running (admin API).
	LevelVar *slog.LevelVar
	// StacktraceLevel defaults to error when nil.
	StacktraceLevel slog.Leveler

	JsonFormat        bool
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// Writer defaults to stdout.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, xerrors.Newf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
