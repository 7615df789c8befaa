package logger

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

func (e Enviroment) String() string {
	switch e {
	case Prod:
		return "prod"
	case Dev:
		return "dev"
	case Staging:
		return "staging"
	default:
		return "unknown"
	}
}

// UnmarshalText parses "prod", "dev" or "staging".
func (e *Enviroment) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "prod", "production":
		*e = Prod
	case "dev", "development":
		*e = Dev
	case "staging":
		*e = Staging
	default:
		return fmt.Errorf("logger: unknown environment %q", text)
	}
	return nil
}

// NewLogger creates new slog.Logger writing JSON to stdout and return pointer to it
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	return newLogger(os.Stdout, env, addSource)
}

func newLogger(w io.Writer, env Enviroment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a text logger writing into the returned buffer.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	b := new(bytes.Buffer)
	h := slog.NewTextHandler(&syncWriter{w: b}, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b, slog.New(h)
}

// NewDiscardLogger returns a logger that drops every record.
func NewDiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ErrAttr wraps err into a slog attribute under the "error" key.
func ErrAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// NodeAttr is the attribute every per-member component logs with.
func NodeAttr(id uint64) slog.Attr {
	return slog.Uint64("node_id", id)
}
