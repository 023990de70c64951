package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/llmgate/pkg/llm"
)

// Materializer is the part of the auth manager the factory needs.
type Materializer interface {
	ResolveMode(ctx context.Context, vendor llm.Vendor, name string) (llm.AuthMode, error)
	MaterializeMode(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) (llm.AuthMaterial, error)
}

// VendorSettings are the configured per-vendor values.
type VendorSettings struct {
	BaseURL   string
	OrgID     string
	Betas     []string
	Model     string
	MaxTokens int
	Pool      PoolConfig
}

// ClientConfig is everything needed to send one request to a vendor.
// Headers is ordered and is applied exactly as listed.
type ClientConfig struct {
	Vendor  llm.Vendor
	Mode    llm.AuthMode
	BaseURL string
	PoolID  string
	Headers []llm.Header
}

// Header returns the value of the first header named name.
func (c ClientConfig) Header(name string) (string, bool) {
	for _, h := range c.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Factory builds ClientConfigs from the vendor table and stored credentials.
type Factory struct {
	registry *Registry
	auth     Materializer
	settings map[llm.Vendor]VendorSettings
	version  string
}

// NewFactory creates a Factory. version is reported in user-agent and client
// identification headers.
func NewFactory(registry *Registry, auth Materializer, settings map[llm.Vendor]VendorSettings, version string) *Factory {
	if settings == nil {
		settings = make(map[llm.Vendor]VendorSettings)
	}
	return &Factory{registry: registry, auth: auth, settings: settings, version: version}
}

// Settings returns the configured settings for vendor.
func (f *Factory) Settings(vendor llm.Vendor) VendorSettings {
	return f.settings[vendor]
}

// Build resolves credentials for (vendor, mode, name) and produces the client
// config. An empty mode is resolved from the stored credentials.
func (f *Factory) Build(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) (ClientConfig, error) {
	return f.build(ctx, vendor, mode, name, "")
}

func (f *Factory) build(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name, sessionID string) (ClientConfig, error) {
	adapter, err := f.registry.Adapter(vendor)
	if err != nil {
		return ClientConfig{}, err
	}
	if mode == "" {
		mode, err = f.auth.ResolveMode(ctx, vendor, name)
		if err != nil {
			return ClientConfig{}, err
		}
	}
	if !llm.SupportsMode(adapter.Auth(), mode) {
		return ClientConfig{}, fmt.Errorf("%w: %s does not support %s", llm.ErrInvalidProvider, vendor, mode)
	}

	material, err := f.auth.MaterializeMode(ctx, vendor, mode, name)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("materialize %s/%s: %w", vendor, name, err)
	}

	s := f.settings[vendor]
	opts := llm.ClientOptions{
		BaseURL:   s.BaseURL,
		OrgID:     s.OrgID,
		Betas:     s.Betas,
		UserAgent: "llmgate/" + f.version,
		Version:   f.version,
		SessionID: sessionID,
	}
	headers, err := adapter.Client().Headers(mode, material, opts)
	if err != nil {
		return ClientConfig{}, err
	}

	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = adapter.Client().DefaultBaseURL(mode)
	}
	return ClientConfig{
		Vendor:  vendor,
		Mode:    mode,
		BaseURL: strings.TrimRight(baseURL, "/"),
		PoolID:  PoolID(vendor),
		Headers: headers,
	}, nil
}
