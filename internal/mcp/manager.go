package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/telemetry"
)

const (
	initTimeout = 10 * time.Second
	listTimeout = 5 * time.Second
)

// ServerConfig defines one MCP server subprocess.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// ServerTool is a tool advertised by a connected server.
type ServerTool struct {
	Server string
	Tool
}

// Manager owns the connected servers and their advertised tools.
type Manager struct {
	configs []ServerConfig
	logger  *slog.Logger
	dial    func(ServerConfig, *slog.Logger) (Transport, error)

	mu      sync.RWMutex
	clients map[string]*Client
	tools   map[string][]Tool
}

func NewManager(configs []ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Manager{
		configs: configs,
		logger:  logger.With("component", "mcp"),
		dial: func(cfg ServerConfig, l *slog.Logger) (Transport, error) {
			return NewReconnectableTransport(cfg, l)
		},
		clients: make(map[string]*Client),
		tools:   make(map[string][]Tool),
	}
}

// Start connects every enabled server and caches its tool list. A server
// that fails to start is logged and skipped.
func (m *Manager) Start(ctx context.Context) {
	for _, cfg := range m.configs {
		if !cfg.Enabled {
			continue
		}
		if err := m.connect(ctx, cfg); err != nil {
			m.logger.Error("mcp server unavailable", "server", cfg.Name, "error", err)
		}
	}
}

func (m *Manager) connect(ctx context.Context, cfg ServerConfig) error {
	transport, err := m.dial(cfg, m.logger)
	if err != nil {
		return err
	}
	client := NewClient(cfg.Name, transport, m.logger)

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		_ = client.Close()
		return err
	}
	listCtx, cancelList := context.WithTimeout(ctx, listTimeout)
	defer cancelList()
	tools, err := client.ListTools(listCtx)
	if err != nil {
		m.logger.Warn("mcp tools/list failed", "server", cfg.Name, "error", err)
	}

	m.mu.Lock()
	if old, ok := m.clients[cfg.Name]; ok {
		_ = old.Close()
	}
	m.clients[cfg.Name] = client
	m.tools[cfg.Name] = tools
	m.mu.Unlock()
	m.logger.Info("mcp server initialized", "server", cfg.Name, "tools", len(tools))
	return nil
}

// Tools lists every cached tool, ordered by server then name.
func (m *Manager) Tools() []ServerTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ServerTool
	for server, tools := range m.tools {
		for _, t := range tools {
			out = append(out, ServerTool{Server: server, Tool: t})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CallTool invokes a tool and returns its text. A result flagged isError
// becomes an error carrying that text.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (string, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcp server %q not connected", server)
	}
	res, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", fmt.Errorf("mcp %s.%s: %s", server, tool, res.Text())
	}
	return res.Text(), nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("mcp close failed", "server", name, "error", err)
		}
	}
	m.clients = make(map[string]*Client)
	m.tools = make(map[string][]Tool)
}
