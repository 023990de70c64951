package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OAuthConfig overrides a vendor's built-in OAuth endpoint. Empty fields
// keep the vendor default.
type OAuthConfig struct {
	ClientID     string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	AuthorizeURL string   `json:"authorize_url,omitempty" yaml:"authorize_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	RedirectURI  string   `json:"redirect_uri,omitempty" yaml:"redirect_uri,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// VendorConfig holds the per-vendor settings.
type VendorConfig struct {
	BaseURL           string      `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey            string      `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	OrgID             string      `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	Model             string      `json:"model" yaml:"model"`
	MaxTokens         int         `json:"max_tokens" yaml:"max_tokens"`
	MaxConnections    int         `json:"max_connections" yaml:"max_connections"`
	RequestsPerSecond float64     `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	Beta              []string    `json:"beta,omitempty" yaml:"beta,omitempty"`
	StreamFormat      string      `json:"stream_format,omitempty" yaml:"stream_format,omitempty"`
	OAuth             OAuthConfig `json:"oauth,omitempty" yaml:"oauth,omitempty"`
}

type Config struct {
	DataDir        string `json:"data_dir" yaml:"data_dir"`
	LogLevel       string `json:"log_level" yaml:"log_level"`
	MaxConcurrent  int    `json:"max_concurrent" yaml:"max_concurrent"`
	MaxToolRounds  int    `json:"max_tool_rounds" yaml:"max_tool_rounds"`
	RequestTimeout string `json:"request_timeout" yaml:"request_timeout"`
	TraceStreams   bool   `json:"trace_streams" yaml:"trace_streams"`
	DefaultVendor  string `json:"default_vendor" yaml:"default_vendor"`

	CredentialStore struct {
		Driver string `json:"driver" yaml:"driver"`
		Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	} `json:"credential_store" yaml:"credential_store"`
	Refresh struct {
		Schedule string `json:"schedule" yaml:"schedule"`
		Window   string `json:"window" yaml:"window"`
	} `json:"refresh" yaml:"refresh"`
	HTTP struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Listen  string `json:"listen" yaml:"listen"`
	} `json:"http" yaml:"http"`
	Telegram struct {
		Token string `json:"token" yaml:"token"`
	} `json:"telegram" yaml:"telegram"`
	Tools struct {
		Root        string `json:"root,omitempty" yaml:"root,omitempty"`
		BraveAPIKey string `json:"brave_api_key,omitempty" yaml:"brave_api_key,omitempty"`
	} `json:"tools" yaml:"tools"`
	History struct {
		MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int `json:"output_reserve" yaml:"output_reserve"`
	} `json:"history" yaml:"history"`

	Vendors map[string]*VendorConfig `json:"vendors" yaml:"vendors"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DataDir:        filepath.Join(os.Getenv("HOME"), ".llmgate"),
		LogLevel:       "info",
		MaxConcurrent:  2,
		MaxToolRounds:  10,
		RequestTimeout: "45s",
		DefaultVendor:  "anthropic",
	}
	cfg.CredentialStore.Driver = "file"
	cfg.Refresh.Schedule = "@every 5m"
	cfg.Refresh.Window = "10m"
	cfg.HTTP.Listen = "127.0.0.1:8484"
	cfg.History.MaxContextTokens = 128000
	cfg.History.OutputReserve = 4096
	cfg.Vendors = map[string]*VendorConfig{
		"anthropic": {Model: "claude-sonnet-4-5", MaxTokens: 4096, MaxConnections: 4},
		"openai":    {Model: "gpt-4o", MaxTokens: 4096, MaxConnections: 4},
		"google":    {Model: "gemini-2.5-flash", MaxTokens: 4096, MaxConnections: 4, StreamFormat: "sse"},
	}
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	if dir := os.Getenv("LLMGATE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Vendor("anthropic").APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Vendor("openai").APIKey = key
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.Vendor("openai").BaseURL = baseURL
	}
	if org := os.Getenv("OPENAI_ORG_ID"); org != "" {
		cfg.Vendor("openai").OrgID = org
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Vendor("google").APIKey = key
	}
	if braveKey := os.Getenv("BRAVE_API_KEY"); braveKey != "" {
		cfg.Tools.BraveAPIKey = braveKey
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
}

// Vendor returns the settings for name, creating an empty entry if needed.
func (c *Config) Vendor(name string) *VendorConfig {
	if c.Vendors == nil {
		c.Vendors = make(map[string]*VendorConfig)
	}
	v, ok := c.Vendors[name]
	if !ok || v == nil {
		v = &VendorConfig{}
		c.Vendors[name] = v
	}
	return v
}

// Timeout parses request_timeout, falling back to 45s.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.RequestTimeout, 45*time.Second)
}

// RefreshWindow parses refresh.window, falling back to 10m.
func (c *Config) RefreshWindow() time.Duration {
	return parseDuration(c.Refresh.Window, 10*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	return writeFile(path, cfg)
}

func writeFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := encode(path, v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a generic nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg into dot-separated keys, masking secrets when
// mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the effective value of key. Keys present in the file
// but unknown to Config are returned as well.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	for k, v := range Flatten(raw) {
		if _, ok := flat[k]; !ok {
			flat[k] = v
		}
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes key into the config file. The value is parsed as JSON
// when possible (numbers, booleans, lists) and stored as a string otherwise.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat := Flatten(raw)
	flat[key] = parsed
	return writeFile(path, Unflatten(flat))
}

// readRaw decodes the file into a generic map with JSON number semantics,
// so YAML and JSON files flatten to the same value types.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := decode(path, data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	if isYAML(path) {
		// yaml.v3 yields ints; round-trip through JSON to get float64.
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		raw = nil
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}
