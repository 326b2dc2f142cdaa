package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cerise-ai/cerise/internal/abilities"
)

// maxToolNameLen is the longest tool name accepted by providers.
const maxToolNameLen = 64

// DefaultToolPrefix prefixes remote tool names: mcp_<server_id>__<tool>.
const DefaultToolPrefix = "mcp"

// ManagerConfig configures the MCP client manager.
type ManagerConfig struct {
	Servers    []ServerSpec `yaml:"servers"`
	ToolPrefix string       `yaml:"tool_prefix"`
}

// Manager owns one stdio client per configured server. Clients spawn lazily
// on first use; each remote tool is registered with the ability registry as
// a synthetic plugin-type ability.
type Manager struct {
	cfg      ManagerConfig
	registry *abilities.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	clients   map[string]*StdioClient
	abilities map[string][]string
}

// NewManager creates a manager over the given ability registry.
func NewManager(cfg ManagerConfig, registry *abilities.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ToolPrefix == "" {
		cfg.ToolPrefix = DefaultToolPrefix
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		logger:    logger.With("component", "mcp.manager"),
		clients:   make(map[string]*StdioClient),
		abilities: make(map[string][]string),
	}
}

// client returns the running client for a server id, spawning it on first
// use.
func (m *Manager) client(ctx context.Context, spec ServerSpec) (*StdioClient, error) {
	m.mu.Lock()
	if c, ok := m.clients[spec.ID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c := NewStdioClient(spec, m.logger)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.clients[spec.ID]; ok {
		// Lost the race; keep the first client.
		go c.Close()
		return existing, nil
	}
	m.clients[spec.ID] = c
	return c, nil
}

// ConnectAll connects every configured server and registers its tools.
// A failing server is logged and skipped; the rest keep going.
func (m *Manager) ConnectAll(ctx context.Context) {
	for _, spec := range m.cfg.Servers {
		if err := m.Connect(ctx, spec.ID); err != nil {
			m.logger.Error("mcp server connect failed", "server", spec.ID, "error", err)
		}
	}
}

// Connect spawns the client for a server id and registers each remote tool
// as an ability named <prefix>_<server>__<tool>.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	spec, ok := m.spec(serverID)
	if !ok {
		return fmt.Errorf("unknown mcp server %q", serverID)
	}
	c, err := m.client(ctx, spec)
	if err != nil {
		return err
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		name := SafeToolName(fmt.Sprintf("%s_%s__%s", m.cfg.ToolPrefix, serverID, tool.Name))
		m.registry.Register(m.remoteAbility(name, serverID, tool))
		names = append(names, name)
	}

	m.mu.Lock()
	m.abilities[serverID] = names
	m.mu.Unlock()

	m.logger.Info("mcp tools registered", "server", serverID, "count", len(names))
	return nil
}

// remoteAbility wraps one remote tool as an Ability.
func (m *Manager) remoteAbility(name, serverID string, tool ToolInfo) abilities.Ability {
	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	description := tool.Description
	if description == "" {
		description = fmt.Sprintf("MCP tool %s.%s", serverID, tool.Name)
	}
	return &abilities.FuncAbility{
		AbilityName: name,
		Display:     tool.Name,
		Desc:        description,
		Kind:        abilities.TypePlugin,
		Group:       "mcp:" + serverID,
		Schema:      schema,
		Fn: func(ctx context.Context, params map[string]any, actx *abilities.Context) (*abilities.Result, error) {
			spec, ok := m.spec(serverID)
			if !ok {
				return nil, fmt.Errorf("unknown mcp server %q", serverID)
			}
			c, err := m.client(ctx, spec)
			if err != nil {
				return nil, err
			}
			result, err := c.CallTool(ctx, tool.Name, params)
			if err != nil {
				return nil, err
			}
			return &abilities.Result{
				Success: !result.IsError,
				Data:    result.Text(),
				Error:   errorText(result),
			}, nil
		},
	}
}

func errorText(result *ToolCallResult) string {
	if !result.IsError {
		return ""
	}
	return result.Text()
}

// Disconnect closes a server's client and unregisters its tools.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	c := m.clients[serverID]
	delete(m.clients, serverID)
	names := m.abilities[serverID]
	delete(m.abilities, serverID)
	m.mu.Unlock()

	for _, name := range names {
		m.registry.Unregister(name)
	}
	if c != nil {
		c.Close()
	}
}

// Close shuts down every client.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

func (m *Manager) spec(serverID string) (ServerSpec, bool) {
	for _, spec := range m.cfg.Servers {
		if spec.ID == serverID {
			return spec, true
		}
	}
	return ServerSpec{}, false
}

// SafeToolName constrains a tool name to [A-Za-z0-9_-], collapsing other
// runes to underscores, and truncates names longer than 64 characters by
// replacing the tail with _<sha1[:8]> of the full name.
func SafeToolName(name string) string {
	sanitized := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '-':
			sanitized = append(sanitized, ch)
		default:
			sanitized = append(sanitized, '_')
		}
	}
	s := string(sanitized)
	if len(s) <= maxToolNameLen {
		return s
	}
	sum := sha1.Sum([]byte(s))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return s[:maxToolNameLen-len(suffix)] + suffix
}
