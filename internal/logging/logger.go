package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/config"
)

// NewLogger creates the service-wide zerolog.Logger.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()
	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// GooseLogger routes migration output through zerolog.
type GooseLogger struct {
	Log zerolog.Logger
}

func (g GooseLogger) Fatalf(format string, v ...interface{}) {
	g.Log.Fatal().Msgf(format, v...)
}

func (g GooseLogger) Printf(format string, v ...interface{}) {
	g.Log.Debug().Msgf(format, v...)
}
