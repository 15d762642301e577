// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Production mode writes JSON with ISO8601 timestamps,
// development mode writes colored console output. Either can be teed into
// a size-rotated log file.
//
// Usage:
//
//	logger, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("Application started")
//	logger.Error("An error occurred", zap.Error(err))
package logger
