// Package logging builds the runtime's structured logger on log/slog.
//
// Every entry carries the service and version attributes. Components get
// a child logger tagged with their name and receive it through SetLogger;
// all of them accept *Logger directly because it embeds *slog.Logger.
//
//	log := logging.New(cfg.Logging, version)
//	hub.SetLogger(log.With("component", "hub"))
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// The level sits in a shared slog.LevelVar, so Reload changes it for the
// logger and every child at once. Format and output are fixed for the life
// of the process.
//
// Never log secrets, tokens or passwords.
package logging
