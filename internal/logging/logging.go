// Package logging builds the process logger.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// New returns a JSON production logger, or a console development logger when
// appEnv is "dev" or "development". An empty level means info.
func New(appEnv, level string) (*zap.Logger, error) {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	switch strings.ToLower(appEnv) {
	case "dev", "development":
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	log, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return log.With(zap.String("env", appEnv)), nil
}
