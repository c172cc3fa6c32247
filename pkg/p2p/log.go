package p2p

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the logger used by the transports.
func UseLogger(logger slog.Logger) {
	log = logger
}
