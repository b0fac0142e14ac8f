// Package logging provides structured logging for the DCC flasher.
//
// This package wraps Go's standard log/slog package so that every
// component (discovery, transfer, dispatch, API) logs with the same
// default fields and level filtering.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("usb").Info("port added", "port", "/dev/ttyUSB0")
//
// Never log the device credential pair or S3 keys.
package logging
