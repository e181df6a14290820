package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Development gets a console writer; everything
// else emits JSON lines.
func New(env, level, component string) zerolog.Logger {
	return NewWithWriter(os.Stdout, env, level, component)
}

func NewWithWriter(w io.Writer, env, level, component string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
		if isDevelopment(env) {
			lvl = zerolog.DebugLevel
		}
	}

	out := w
	if isDevelopment(env) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		Level(lvl).
		With().
		Timestamp()
	if component != "" {
		logger = logger.Str("component", component)
	}
	return logger.Logger()
}

func isDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
