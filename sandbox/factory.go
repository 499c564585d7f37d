package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/noxrunner/noxrunner/config"
)

// NewFromConfig creates the backend selected by the application
// configuration.
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (Backend, error) {
	return NewBackend(logger, &Config{
		BaseDir:        cfg.Sandbox.BaseDir,
		DefaultTTL:     cfg.GetTTL(),
		ExecTimeout:    cfg.GetExecTimeout(),
		RemoteURL:      cfg.Backend.RemoteURL,
		RequestTimeout: cfg.GetRequestTimeout(),
	}, cfg.Backend.Mode)
}

// NewBackend creates the sandbox backend named by mode using the
// shared construction parameters.
func NewBackend(logger *zap.Logger, cfg *Config, mode string) (Backend, error) {
	switch mode {
	case "local":
		opts := []LocalBackendOption{}
		if cfg.BaseDir != "" {
			opts = append(opts, WithBaseDir(cfg.BaseDir))
		}
		if cfg.DefaultTTL > 0 {
			opts = append(opts, WithDefaultTTL(cfg.DefaultTTL))
		}
		if cfg.ExecTimeout > 0 {
			opts = append(opts, WithExecTimeout(cfg.ExecTimeout))
		}
		return NewLocalBackend(logger, opts...), nil
	case "remote":
		return NewRemoteBackend(logger, cfg.RemoteURL, cfg.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode: %s", mode)
	}
}
