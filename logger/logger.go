package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/gradebox/config"
)

// Accepted logging modes
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

var levels = []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"}

// NewFromConfig builds the logger described by the logging section
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level, cfg.Logging.OutputPaths...)
}

// New builds a console logger in development mode and a JSON logger in
// production mode. Output goes to stderr unless paths are given; stdout
// belongs to the stdio MCP transport.
func New(mode, level string, outputPaths ...string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of %s", level, strings.Join(levels, ", "))
	}

	var cfg zap.Config
	switch mode {
	case ModeDevelopment:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case ModeProduction:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// Leaked containers and volumes are only visible in the log
		cfg.Sampling = nil
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be '%s' or '%s'", mode, ModeProduction, ModeDevelopment)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	if len(outputPaths) > 0 {
		cfg.OutputPaths = outputPaths
	}

	return cfg.Build()
}
