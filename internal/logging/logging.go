// Package logging builds the zap loggers used across the node.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the baseline encoder profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
)

// Config is the logging section of the node config.
type Config struct {
	Environment Environment `yaml:"environment"`
	Level       string      `yaml:"level"`
}

// New builds a logger for cfg. An empty environment means production and an
// empty level means info.
func New(cfg Config) (*zap.Logger, error) {
	var base zap.Config
	switch cfg.Environment {
	case "", EnvironmentProduction:
		base = zap.NewProductionConfig()
	case EnvironmentDevelopment:
		base = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log environment %q", cfg.Environment)
	}

	if lvl := strings.TrimSpace(cfg.Level); lvl != "" {
		var parsed zapcore.Level
		if err := parsed.Set(lvl); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		base.Level = zap.NewAtomicLevelAt(parsed)
	}
	base.DisableStacktrace = true

	logger, err := base.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
