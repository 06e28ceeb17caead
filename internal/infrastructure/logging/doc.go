// Package logging provides structured logging for the Sonoff daemon.
//
// It wraps log/slog with a JSON or text handler, level filtering and
// default service/version attributes.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("cloud").Info("socket connected", "host", host)
//
// Never log device keys, access tokens or API keys.
package logging
