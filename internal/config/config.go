package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentcore/internal/mcp"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/router"
	"github.com/basket/agentcore/internal/shell"
)

// ProviderConfig holds per-provider model backend settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// CompatProvider names the plugin namespace for openai_compatible.
	CompatProvider string `yaml:"compat_provider"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type GatewayConfig struct {
	// AuthToken guards the HTTP API when set. Env: AGENTCORE_AUTH_TOKEN.
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`
	// RequestsPerMinute is the per-owner API rate limit; 0 disables it.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type AgentsConfig struct {
	MaxAgents          int `yaml:"max_agents"`
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
}

type SchedulerConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
	UnverifiedTTLDays int `yaml:"unverified_ttl_days"`
	SessionTTLDays    int `yaml:"session_ttl_days"`
}

type PermissionsConfig struct {
	DefaultTTLDays         int `yaml:"default_ttl_days"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

type SandboxConfig struct {
	// MemoryLimitPages caps WASM plugin memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

type ShellConfig struct {
	Sandbox bool               `yaml:"sandbox"`
	Docker  shell.DockerConfig `yaml:"docker"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
	// Chats links owners to the chat ids notifications are delivered to.
	Chats map[string]int64 `yaml:"chats"`
}

type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

type CatalogConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string `yaml:"bind_addr"`
	LogLevel     string `yaml:"log_level"`
	AgentName    string `yaml:"agent_name"`
	DefaultModel string `yaml:"default_model"`

	// Providers holds per-provider configuration (API keys, custom endpoints).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Gateway     GatewayConfig     `yaml:"gateway"`
	Agents      AgentsConfig      `yaml:"agents"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Shell       ShellConfig       `yaml:"shell"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	MCP         MCPConfig         `yaml:"mcp"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	OTel        otel.Config       `yaml:"otel"`

	// Persona is the contents of PERSONA.md, replacing the default persona.
	Persona string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PersonaPath returns the path to the persona override file.
func PersonaPath(homeDir string) string {
	return filepath.Join(homeDir, "PERSONA.md")
}

// DBPath returns the sqlite database path.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "agentcore.db")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// SetDefaultModel updates default_model in config.yaml, preserving other settings.
func SetDefaultModel(homeDir, modelID string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["default_model"] = modelID
	return saveRawConfig(configPath, raw)
}

// SetProviderKey stores an API key under providers.<provider>.api_key.
func SetProviderKey(homeDir, provider, key string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	providers, _ := raw["providers"].(map[string]interface{})
	if providers == nil {
		providers = make(map[string]interface{})
	}
	p, _ := providers[provider].(map[string]interface{})
	if p == nil {
		p = make(map[string]interface{})
	}
	p["api_key"] = key
	providers[provider] = p
	raw["providers"] = providers
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings that require a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|model=%s|agents=%d/%d|sched=%d|origins=%v|mcp=%d",
		c.BindAddr, c.LogLevel, c.DefaultModel, c.Agents.MaxAgents, c.Agents.StepTimeoutSeconds,
		c.Scheduler.IntervalSeconds, c.Gateway.AllowOrigins, len(c.MCP.Servers))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:  "127.0.0.1:18790",
		LogLevel:  "info",
		AgentName: "Agentcore",
		Gateway:   GatewayConfig{RequestsPerMinute: 120, Burst: 30},
		Agents: AgentsConfig{
			MaxAgents:          100,
			StepTimeoutSeconds: 30,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds:   60,
			RetryDelaySeconds: 60,
			UnverifiedTTLDays: 30,
			SessionTTLDays:    7,
		},
		Permissions: PermissionsConfig{
			DefaultTTLDays:         30,
			CleanupIntervalMinutes: 60,
		},
		Shell: ShellConfig{
			Sandbox: true,
			Docker: shell.DockerConfig{
				Image:       "alpine:3.20",
				MemoryMB:    256,
				NetworkMode: "none",
			},
		},
		Catalog: CatalogConfig{TTLSeconds: 300},
		OTel:    otel.Config{Exporter: "none", ServiceName: "agentcore", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if strings.TrimSpace(cfg.AgentName) == "" {
		cfg.AgentName = d.AgentName
	}
	if cfg.Agents.MaxAgents <= 0 {
		cfg.Agents.MaxAgents = d.Agents.MaxAgents
	}
	if cfg.Agents.StepTimeoutSeconds <= 0 {
		cfg.Agents.StepTimeoutSeconds = d.Agents.StepTimeoutSeconds
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = d.Scheduler.IntervalSeconds
	}
	if cfg.Scheduler.RetryDelaySeconds <= 0 {
		cfg.Scheduler.RetryDelaySeconds = d.Scheduler.RetryDelaySeconds
	}
	if cfg.Scheduler.UnverifiedTTLDays <= 0 {
		cfg.Scheduler.UnverifiedTTLDays = d.Scheduler.UnverifiedTTLDays
	}
	if cfg.Scheduler.SessionTTLDays <= 0 {
		cfg.Scheduler.SessionTTLDays = d.Scheduler.SessionTTLDays
	}
	if cfg.Permissions.DefaultTTLDays <= 0 {
		cfg.Permissions.DefaultTTLDays = d.Permissions.DefaultTTLDays
	}
	if cfg.Permissions.CleanupIntervalMinutes <= 0 {
		cfg.Permissions.CleanupIntervalMinutes = d.Permissions.CleanupIntervalMinutes
	}
	if cfg.Shell.Docker.Image == "" {
		cfg.Shell.Docker.Image = d.Shell.Docker.Image
	}
	if cfg.Catalog.TTLSeconds <= 0 {
		cfg.Catalog.TTLSeconds = d.Catalog.TTLSeconds
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = d.OTel.ServiceName
	}
	// Normalize legacy provider name.
	if p, ok := cfg.Providers["gemini"]; ok {
		if _, dup := cfg.Providers["google"]; !dup {
			cfg.Providers["google"] = p
		}
		delete(cfg.Providers, "gemini")
	}
}

func validate(cfg Config) error {
	if cfg.Agents.StepTimeoutSeconds > 300 {
		return fmt.Errorf("agents.step_timeout_seconds (%d) must be <= 300", cfg.Agents.StepTimeoutSeconds)
	}
	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for i, s := range cfg.MCP.Servers {
		name := strings.TrimSpace(s.Name)
		if name == "" || strings.ContainsAny(name, ". ") {
			return fmt.Errorf("mcp.servers[%d]: name %q must be non-empty without dots or spaces", i, s.Name)
		}
		if seen[name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if s.Enabled && strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("mcp server %s: command is required", name)
		}
	}
	return nil
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	if v := router.EnvAPIKey(provider); v != "" {
		return v
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// Backends lists a backend config for every provider that has a key.
func (c Config) Backends() []router.GenkitConfig {
	var out []router.GenkitConfig
	for _, provider := range []string{"anthropic", "openai", "google", "openrouter", "openai_compatible"} {
		key := c.ProviderAPIKey(provider)
		if key == "" {
			continue
		}
		p := c.Providers[provider]
		out = append(out, router.GenkitConfig{
			Provider:       provider,
			APIKey:         key,
			BaseURL:        p.BaseURL,
			CompatProvider: p.CompatProvider,
		})
	}
	return out
}

// ProviderTimeouts returns the configured per-provider call timeouts.
func (c Config) ProviderTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for name, p := range c.Providers {
		if p.TimeoutSeconds > 0 {
			out[name] = time.Duration(p.TimeoutSeconds) * time.Second
		}
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTCORE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTCORE_DEFAULT_MODEL"); raw != "" {
		cfg.DefaultModel = raw
	}
	if raw := os.Getenv("AGENTCORE_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("AGENTCORE_MAX_AGENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agents.MaxAgents = v
		}
	}
	if raw := os.Getenv("AGENTCORE_STEP_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agents.StepTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTCORE_SHELL_SANDBOX"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Shell.Sandbox = v
		}
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = "otlp-http"
		cfg.OTel.Endpoint = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	if b, err := os.ReadFile(PersonaPath(cfg.HomeDir)); err == nil {
		cfg.Persona = strings.TrimSpace(string(b))
	}
}
