// Package logging provides structured logging for SiteLink Core.
//
// It wraps log/slog. Every record carries service=sitelink and the build
// version; components add their own fields with With:
//
//	logger := logging.New(cfg.Logging, version)
//	gwLog := logger.With("component", "gateway")
//	gwLog.Warn("leg disconnected", "leg", "secure", "error", err)
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Tests use Discard, or NewWithWriter with a bytes.Buffer to assert on output.
//
// Never log bearer tokens, broker passwords or the JWT secret.
package logging
