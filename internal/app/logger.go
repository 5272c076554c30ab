package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the importer's root logger. LOG_FORMAT=json selects the
// JSON handler for aggregated deployments; anything else logs as text.
func NewLogger(cfg *Config) *slog.Logger {
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	}
	return slog.New(handler).With(slog.String("app", "insurance-importer"))
}
