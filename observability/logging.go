package observability

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// SetupLogging configures the process-wide structured logger. All lines carry
// the service name, and the standard library logger is bridged so packages
// still using log.Printf keep emitting JSON.
func SetupLogging(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})

	attrs := []any{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	base := slog.New(handler).With(attrs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler, slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)

	return base
}
