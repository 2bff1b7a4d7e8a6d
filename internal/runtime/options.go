package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/chat-relay/internal/config"
	"github.com/tjfontaine/chat-relay/internal/storage"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithConfigFile loads configuration from path (plus RELAY_ environment
// overrides) and watches the file for changes while running.
func WithConfigFile(path string) Option {
	return func(a *App) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if path == "" {
			path = config.DefaultPath
		}
		a.cfg = cfg
		a.configPath = path
		return nil
	}
}

// WithConfig uses an already loaded configuration. It is not watched.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		if cfg == nil {
			return errors.New("nil config")
		}
		a.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		if logger != nil {
			a.logger = logger
		}
		return nil
	}
}

// WithStore uses store instead of opening one from config. The caller keeps
// ownership and must close it.
func WithStore(store storage.Store) Option {
	return func(a *App) error {
		a.store = store
		return nil
	}
}

// WithUpstreamHTTPClient sets the HTTP client used to reach the provider.
func WithUpstreamHTTPClient(c *http.Client) Option {
	return func(a *App) error {
		a.upstreamHTTP = c
		return nil
	}
}

// WithWatch watches path while running and applies user and credential
// changes. Use it with WithConfig when the config was loaded from path.
func WithWatch(path string) Option {
	return func(a *App) error {
		a.configPath = path
		return nil
	}
}
