// Package logging provides structured logging for the greenhouse controller.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text for development, with service and version attached to
// every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("relay changed", "relay_id", 1, "state", true)
//	logger.Error("saving reading failed", "error", err)
//
// Never log the device token or JWT secrets.
package logging
