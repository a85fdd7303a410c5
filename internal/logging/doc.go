// Package logging provides slog loggers with per-module levels.
//
// Records go to stdout, to the systemd journal when journald is reachable,
// and to a small in-memory history served by the control API.
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"pipeline": "debug"},
//	})
//	logger := logging.GetLogger("pipeline")
//
// Loggers returned before Initialize keep working; Initialize updates their
// level in place. Journal output is tagged with the identifier "hwencode":
//
//	journalctl -t hwencode MODULE=pipeline
package logging
