// Package logger builds the zap loggers shared by the worker, the MCP
// server and the CLI.
//
// Usage:
//
//	log, err := logger.New(logger.ModeProduction, "info", "/var/log/gradebox.log")
//	if err != nil {
//	    return err
//	}
//	log.Info("Worker started", zap.String("queue", queue))
package logger
