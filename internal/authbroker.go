package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/authbroker/internal/broker"
	"github.com/dgellow/authbroker/internal/config"
	"github.com/dgellow/authbroker/internal/credential"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/dgellow/authbroker/internal/mcpserver"
	"github.com/dgellow/authbroker/internal/storage"
	"github.com/dgellow/authbroker/internal/userinfo"
)

// cleanupInterval is how often the MCP server prunes dead credentials.
const cleanupInterval = 10 * time.Minute

// App wires the broker, credential store and account lookup from a config.
type App struct {
	config   config.Config
	store    storage.CredentialStore
	broker   *broker.Broker
	source   *credential.Source
	userInfo *userinfo.Client
}

// NewApp builds every component the commands need.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	log.LogInfoWithFields("app", "Building authbroker", map[string]any{
		"environment": cfg.Broker.Environment,
		"storage":     cfg.Storage.Kind,
		"credential":  cfg.Broker.Name,
	})

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	b, err := broker.New(broker.OptionsFromConfig(cfg.Broker))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}

	var lookup *userinfo.Client
	if cfg.Broker.UserInfoURL != "" {
		lookup = userinfo.NewClient(cfg.Broker.UserInfoURL, nil)
	}

	return &App{
		config:   cfg,
		store:    store,
		broker:   b,
		source:   credential.NewSource(store, b, cfg.Broker.Name, credential.TokenRefreshThreshold),
		userInfo: lookup,
	}, nil
}

// accountLookup keeps a nil *userinfo.Client from becoming a non-nil interface.
func (a *App) accountLookup() credential.AccountLookup {
	if a.userInfo == nil {
		return nil
	}
	return a.userInfo
}

// Login runs the browser flow and stores the result. onURL receives the
// authorization URL the user must open.
func (a *App) Login(ctx context.Context, onURL func(string)) (credential.Summary, error) {
	req := broker.RequestFromConfig(a.config.Broker)

	cred, err := a.broker.RunAuthorizationCodeFlow(ctx, req, a.config.Broker.CallbackTimeout, onURL)
	if err != nil {
		return credential.Summary{}, err
	}

	stored, err := a.source.Complete(ctx, cred, a.accountLookup())
	if err != nil {
		return credential.Summary{}, err
	}
	return credential.Summarize(a.source.Key(), stored, time.Now()), nil
}

// Status describes the stored credential without refreshing it.
func (a *App) Status(ctx context.Context) (credential.Summary, error) {
	stored, err := a.source.Stored(ctx)
	if err != nil {
		return credential.Summary{}, err
	}
	return credential.Summarize(a.source.Key(), stored, time.Now()), nil
}

// Refresh forces a refresh of the stored credential.
func (a *App) Refresh(ctx context.Context) (credential.Summary, error) {
	refreshed, err := a.source.Refresh(ctx)
	if err != nil {
		return credential.Summary{}, err
	}
	return credential.Summarize(a.source.Key(), refreshed, time.Now()), nil
}

// ServeMCP serves the MCP tools on stdio until stdin closes or ctx is done.
func (a *App) ServeMCP(ctx context.Context) error {
	srv, err := mcpserver.New(mcpserver.Deps{
		Broker:          a.broker,
		Request:         broker.RequestFromConfig(a.config.Broker),
		Source:          a.source,
		Lookup:          a.accountLookup(),
		CallbackTimeout: a.config.Broker.CallbackTimeout,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cleanup := storage.NewCleanupManager(a.store, cleanupInterval)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		log.LogInfoWithFields("app", "Shutting down MCP server", map[string]any{
			"reason": context.Cause(ctx).Error(),
		})
		return nil
	}
}

// Close releases the credential store.
func (a *App) Close() error {
	return a.store.Close()
}
