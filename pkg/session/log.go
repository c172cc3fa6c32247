package session

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger routes state transition logs to logger.
func UseLogger(logger slog.Logger) {
	log = logger
}
