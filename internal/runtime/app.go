// Package runtime assembles the relay from configuration and manages its
// lifecycle: storage, authentication, the upstream client, the HTTP server
// and config hot reload.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/tjfontaine/chat-relay/internal/auth"
	"github.com/tjfontaine/chat-relay/internal/config"
	"github.com/tjfontaine/chat-relay/internal/frontdoor/chat"
	"github.com/tjfontaine/chat-relay/internal/notify"
	"github.com/tjfontaine/chat-relay/internal/relay"
	"github.com/tjfontaine/chat-relay/internal/server"
	"github.com/tjfontaine/chat-relay/internal/storage"
	"github.com/tjfontaine/chat-relay/internal/storage/memory"
	"github.com/tjfontaine/chat-relay/internal/storage/sqlite"
	"github.com/tjfontaine/chat-relay/internal/tokens"
	"github.com/tjfontaine/chat-relay/internal/upstream"
)

// App is a fully wired relay.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	store         storage.Store
	ownsStore     bool
	upstreamHTTP  *http.Client
	authenticator *auth.Authenticator
	broker        *notify.Broker
	relay         *relay.Relay
	server        *server.Server

	mu sync.Mutex
}

// New builds an App. A config is required (WithConfigFile or WithConfig).
func New(opts ...Option) (*App, error) {
	a := &App{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if a.cfg == nil {
		return nil, errors.New("config required (use WithConfigFile or WithConfig)")
	}
	cfg := a.cfg

	if a.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.ownsStore = true
	}
	if err := a.seedCredentials(context.Background(), cfg.Credentials); err != nil {
		a.Close()
		return nil, err
	}

	a.authenticator = auth.NewAuthenticator(usersFromConfig(cfg.Users))
	a.broker = notify.NewBroker()

	upstreamOpts := []upstream.ClientOption{
		upstream.WithBaseURL(cfg.Upstream.BaseURL),
		upstream.WithModel(cfg.Upstream.Model),
		upstream.WithReferer(cfg.Upstream.Referer),
	}
	if a.upstreamHTTP != nil {
		upstreamOpts = append(upstreamOpts, upstream.WithHTTPClient(a.upstreamHTTP))
	}
	client := upstream.NewClient(upstreamOpts...)

	a.relay = relay.New(a.store, a.store, relay.ClientUpstream(client),
		relay.WithProvider(cfg.Upstream.Provider),
		relay.WithModel(client.Model()),
		relay.WithUpstreamTimeout(cfg.Upstream.Timeout),
		relay.WithPublisher(a.broker),
		relay.WithTokenCounter(tokens.NewCounter()),
		relay.WithLogger(a.logger.With(slog.String("component", "relay"))),
	)

	a.server = server.New(server.Options{
		Port:           cfg.Server.Port,
		Logger:         a.logger,
		Authenticator:  a.authenticator,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	a.server.MountAPI(chat.NewHandler(a.relay, a.store, a.broker, a.logger).Routes)

	if len(cfg.Users) == 0 {
		a.logger.Warn("no users configured; every /v1 request will be rejected")
	}
	a.logger.Info("relay configured",
		slog.String("storage", cfg.Storage.Type),
		slog.String("upstream", cfg.Upstream.BaseURL),
		slog.String("model", client.Model()),
		slog.Int("users", len(cfg.Users)))
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Router
}

// Run serves until ctx is cancelled and then releases all resources. When
// the config came from a file, user and credential changes are applied live.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if a.configPath != "" {
		if err := config.Watch(ctx, a.configPath, a.logger, a.reload); err != nil {
			a.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}
	return a.server.Start(ctx)
}

// Close releases the broker and, if the App opened it, the store.
func (a *App) Close() error {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.store != nil && a.ownsStore {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// reload applies the parts of cfg that can change without a restart: users
// and seeded credentials.
func (a *App) reload(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.authenticator.Update(usersFromConfig(cfg.Users))
	if err := a.seedCredentials(context.Background(), cfg.Credentials); err != nil {
		a.logger.Error("failed to reload credentials", slog.String("error", err.Error()))
	}
	if cfg.Server != a.cfg.Server || cfg.Storage != a.cfg.Storage || cfg.Upstream != a.cfg.Upstream {
		a.logger.Warn("server, storage and upstream changes take effect after restart")
	}
	a.logger.Info("config reloaded", slog.Int("users", len(cfg.Users)))
}

func (a *App) seedCredentials(ctx context.Context, creds []config.CredentialConfig) error {
	for _, c := range creds {
		if c.UserID == "" || c.APIKey == "" {
			a.logger.Warn("skipping incomplete credential", slog.String("user_id", c.UserID))
			continue
		}
		provider := c.Provider
		if provider == "" {
			provider = a.cfg.Upstream.Provider
		}
		if err := a.store.PutCredential(ctx, c.UserID, provider, c.APIKey); err != nil {
			return fmt.Errorf("seed credential for %s: %w", c.UserID, err)
		}
	}
	return nil
}

func usersFromConfig(users []config.UserConfig) []*auth.User {
	out := make([]*auth.User, 0, len(users))
	for _, u := range users {
		hashes := make([]string, 0, len(u.APIKeys))
		for _, k := range u.APIKeys {
			hashes = append(hashes, k.KeyHash)
		}
		out = append(out, &auth.User{ID: u.ID, Name: u.Name, KeyHashes: hashes})
	}
	return out
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "", "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
