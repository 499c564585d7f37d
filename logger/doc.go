// Package logger provides structured logging setup.
//
// The logger package builds the application's zap logger from the
// configured mode (development or production) and level. All other
// packages receive a *zap.Logger rather than constructing their own.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("starting")
package logger
