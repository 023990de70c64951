package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/user/llmgate/internal/auth"
	"github.com/user/llmgate/internal/config"
	"github.com/user/llmgate/internal/delivery"
	"github.com/user/llmgate/internal/events"
	"github.com/user/llmgate/internal/gateway"
	"github.com/user/llmgate/internal/history"
	"github.com/user/llmgate/internal/provider"
	"github.com/user/llmgate/internal/runtime"
	"github.com/user/llmgate/internal/runtime/tools"
	"github.com/user/llmgate/internal/state"
	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/google"
)

// defaultAuthSession names the credential set used when none is given.
const defaultAuthSession = "default"

// credentialStore opens the configured credential store. The returned
// closer is a no-op for the file driver.
func credentialStore(cfg *config.Config) (types.CredentialStore, io.Closer, error) {
	switch cfg.CredentialStore.Driver {
	case "", "file":
		root := cfg.DataDir
		if cfg.CredentialStore.Path != "" {
			root = cfg.CredentialStore.Path
		}
		return state.NewCredentialStore(root), nopCloser{}, nil
	case "sqlite":
		path := cfg.CredentialStore.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "credentials.db")
		}
		s, err := state.NewSQLiteCredentialStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential store driver %q", cfg.CredentialStore.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newAuth builds the auth manager with per-vendor OAuth overrides.
func newAuth(cfg *config.Config, store types.CredentialStore, registry *provider.Registry) *auth.Manager {
	var opts []auth.Option
	for name, v := range cfg.Vendors {
		if v == nil {
			continue
		}
		o := v.OAuth
		if o.ClientID == "" && o.ClientSecret == "" && o.AuthorizeURL == "" && o.TokenURL == "" && o.RedirectURI == "" && len(o.Scopes) == 0 {
			continue
		}
		opts = append(opts, auth.WithEndpoint(llm.Vendor(name), llm.OAuthEndpoint{
			AuthorizeURL: o.AuthorizeURL,
			TokenURL:     o.TokenURL,
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			RedirectURI:  o.RedirectURI,
			Scopes:       o.Scopes,
		}))
	}
	return auth.NewManager(store, registry.AuthProviders(), opts...)
}

// seedAPIKeys stores API keys from config and environment as api_key
// credentials of the default auth session.
func seedAPIKeys(ctx context.Context, cfg *config.Config, mgr *auth.Manager) {
	for name, v := range cfg.Vendors {
		if v == nil || v.APIKey == "" {
			continue
		}
		if err := mgr.SetAPIKey(ctx, llm.Vendor(name), defaultAuthSession, v.APIKey); err != nil {
			slog.Warn("store configured api key", "vendor", name, "error", err)
		}
	}
}

func vendorSettings(cfg *config.Config) (map[llm.Vendor]provider.VendorSettings, map[llm.Vendor]provider.PoolConfig) {
	settings := make(map[llm.Vendor]provider.VendorSettings, len(cfg.Vendors))
	pools := make(map[llm.Vendor]provider.PoolConfig, len(cfg.Vendors))
	for name, v := range cfg.Vendors {
		if v == nil {
			continue
		}
		pool := provider.PoolConfig{MaxConnections: v.MaxConnections, RequestsPerSecond: v.RequestsPerSecond}
		settings[llm.Vendor(name)] = provider.VendorSettings{
			BaseURL:   v.BaseURL,
			OrgID:     v.OrgID,
			Betas:     v.Beta,
			Model:     v.Model,
			MaxTokens: v.MaxTokens,
			Pool:      pool,
		}
		pools[llm.Vendor(name)] = pool
	}
	return settings, pools
}

func defaultBinding(cfg *config.Config) (types.Binding, error) {
	vendor, err := llm.ParseVendor(cfg.DefaultVendor)
	if err != nil {
		return types.Binding{}, err
	}
	return types.Binding{
		Vendor:      vendor,
		AuthSession: defaultAuthSession,
		Model:       cfg.Vendor(cfg.DefaultVendor).Model,
	}, nil
}

// app is the wired core shared by serve and chat.
type app struct {
	cfg         *config.Config
	closer      io.Closer
	auth        *auth.Manager
	registry    *provider.Registry
	sessions    *state.SessionStore
	transcripts *state.TranscriptStore
	bus         *events.Bus
	tools       *runtime.Registry
	delivery    *delivery.Registry
	supervisor  *gateway.Supervisor
	binding     types.Binding
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	binding, err := defaultBinding(cfg)
	if err != nil {
		return nil, fmt.Errorf("default_vendor: %w", err)
	}

	store, closer, err := credentialStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	registry := provider.DefaultRegistry(google.StreamFormat(cfg.Vendor("google").StreamFormat))
	mgr := newAuth(cfg, store, registry)
	seedAPIKeys(ctx, cfg, mgr)

	settings, poolCfg := vendorSettings(cfg)
	pools := provider.NewPools(registry.Vendors(), poolCfg)
	factory := provider.NewFactory(registry, mgr, settings, version)
	streamer := provider.NewStreamer(registry, pools, cfg.TraceStreams)
	client := provider.NewClient(registry, factory, streamer, cfg.Timeout())

	counter, err := history.NewTiktokenCounter(binding.Model)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("create token counter: %w", err)
	}
	engine := history.New(counter, cfg.History.MaxContextTokens, cfg.History.OutputReserve)
	prompt, err := loadPrompt(cfg)
	if err != nil {
		closer.Close()
		return nil, err
	}

	toolRoot := cfg.Tools.Root
	if toolRoot == "" {
		toolRoot = filepath.Join(cfg.DataDir, "workspace")
	}
	if err := os.MkdirAll(toolRoot, 0755); err != nil {
		closer.Close()
		return nil, fmt.Errorf("create tools root: %w", err)
	}
	toolset := runtime.NewRegistry(
		tools.NewReadFile(toolRoot),
		tools.NewListDirectory(toolRoot),
		tools.NewReadURL("llmgate/"+version),
	)
	if cfg.Tools.BraveAPIKey != "" {
		toolset.Register(tools.NewWebSearch(cfg.Tools.BraveAPIKey, "llmgate/"+version))
	}

	sessions := state.NewSessionStore(cfg.DataDir)
	transcripts := state.NewTranscriptStore(cfg.DataDir)
	bus := events.NewBus()
	routes := delivery.NewRegistry()
	rt := runtime.New(client, toolset, bus, transcripts,
		runtime.WithHistory(engine),
		runtime.WithPrompt(prompt),
		runtime.WithMaxToolRounds(cfg.MaxToolRounds),
	)

	return &app{
		cfg:         cfg,
		closer:      closer,
		auth:        mgr,
		registry:    registry,
		sessions:    sessions,
		transcripts: transcripts,
		bus:         bus,
		tools:       toolset,
		delivery:    routes,
		binding:     binding,
		supervisor: gateway.New(rt, sessions, bus,
			gateway.WithMaxConcurrent(int64(cfg.MaxConcurrent)),
			gateway.WithDefaultBinding(binding),
			gateway.WithDelivery(routes),
		),
	}, nil
}

// loadPrompt reads system_prompt.md from the data dir when present.
func loadPrompt(cfg *config.Config) (*history.Prompt, error) {
	var text string
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "system_prompt.md"))
	if err == nil {
		text = string(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read system prompt: %w", err)
	}
	return history.NewPrompt(text)
}

func (a *app) Close() error {
	return a.closer.Close()
}

// parseBinding fills vendor/model overrides from flags over the default.
func (a *app) parseBinding(vendor, model, session string) (types.Binding, error) {
	b := a.binding
	if vendor != "" {
		v, err := llm.ParseVendor(vendor)
		if err != nil {
			return types.Binding{}, err
		}
		b.Vendor = v
		b.Model = a.cfg.Vendor(string(v)).Model
	}
	if model != "" {
		b.Model = model
	}
	if session != "" {
		b.AuthSession = session
	}
	return b, nil
}
