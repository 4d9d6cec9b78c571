package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/infra"
	"github.com/arclabs/arcreactor/internal/tools"
	"github.com/arclabs/arcreactor/pkg/models"
)

// ServerStatus is the health of a managed server connection.
type ServerStatus int

const (
	StatusPending ServerStatus = iota
	StatusConnected
	StatusFailed
	StatusDisconnected
)

func (s ServerStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type managedServer struct {
	client *ServerClient
	status ServerStatus
	specs  []RemoteToolSpec
}

// Manager owns all MCP server connections: initial connect, periodic
// health checks, and reconnection with exponential backoff. Remote calls
// pass through a per-server circuit breaker.
type Manager struct {
	cfg      config.MCPConfig
	breakers *infra.CircuitBreakerRegistry
	logger   *slog.Logger

	// StatusChanged is invoked on every health transition.
	StatusChanged func(server string, status ServerStatus)

	mu      sync.RWMutex
	servers map[string]*managedServer

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager for the configured servers.
func NewManager(cfg config.MCPConfig, breakers *infra.CircuitBreakerRegistry, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: breakers,
		logger:   logger,
		servers:  make(map[string]*managedServer),
		stop:     make(chan struct{}),
	}
}

// Start connects every configured server and launches the health loop.
// Individual connection failures do not fail Start; failed servers are
// retried by the reconnect loop.
func (m *Manager) Start(ctx context.Context) error {
	for _, srvCfg := range m.cfg.Servers {
		ms := &managedServer{
			client: NewServerClient(srvCfg),
			status: StatusPending,
		}
		m.mu.Lock()
		m.servers[srvCfg.Name] = ms
		m.mu.Unlock()
		m.notify(srvCfg.Name, StatusPending)

		specs, err := ms.client.Connect(ctx)
		if err != nil {
			m.logger.Warn("mcp server connect failed", "server", srvCfg.Name, "error", err)
			m.setStatus(srvCfg.Name, StatusFailed)
			m.startReconnect(srvCfg.Name)
			continue
		}

		m.mu.Lock()
		ms.specs = specs
		m.mu.Unlock()
		m.setStatus(srvCfg.Name, StatusConnected)
		m.logger.Info("mcp server connected", "server", srvCfg.Name, "tools", len(specs))
	}

	m.wg.Add(1)
	go m.healthLoop()
	return nil
}

// Stop terminates the health loop and closes all connections.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ms := range m.servers {
		if err := ms.client.Close(); err != nil {
			m.logger.Warn("mcp server close failed", "server", name, "error", err)
		}
		ms.status = StatusDisconnected
	}
}

// RegisterTools wraps every remote tool and registers it with the runtime
// registry under a server-namespaced name.
func (m *Manager) RegisterTools(reg *tools.Registry) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ms := range m.servers {
		for _, remote := range ms.specs {
			reg.Register(&remoteTool{
				manager:    m,
				server:     name,
				remoteName: remote.Name,
				spec:       specFor(name, remote),
			})
		}
	}
}

// Status returns the health of one server.
func (m *Manager) Status(server string) (ServerStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.servers[server]
	if !ok {
		return StatusPending, false
	}
	return ms.status, true
}

// call routes a tool invocation through the server's circuit breaker.
func (m *Manager) call(ctx context.Context, server, tool string, args json.RawMessage) (string, error) {
	m.mu.RLock()
	ms, ok := m.servers[server]
	var status ServerStatus
	if ok {
		status = ms.status
	}
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("mcp: unknown server %q", server)
	}
	if status != StatusConnected {
		return "", fmt.Errorf("mcp: server %q is %s", server, status)
	}

	cb := m.breakers.Get("mcp:" + server)
	return infra.ExecuteWithResult(cb, ctx, func(ctx context.Context) (string, error) {
		return ms.client.CallTool(ctx, tool, args)
	})
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *Manager) checkAll() {
	m.mu.RLock()
	connected := make(map[string]*managedServer)
	for name, ms := range m.servers {
		if ms.status == StatusConnected {
			connected[name] = ms
		}
	}
	m.mu.RUnlock()

	for name, ms := range connected {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := ms.client.Ping(ctx)
		cancel()
		if err != nil {
			m.logger.Warn("mcp health check failed", "server", name, "error", err)
			ms.client.Close()
			m.setStatus(name, StatusDisconnected)
			m.startReconnect(name)
		}
	}
}

// startReconnect retries the connection with exponential backoff until it
// succeeds or the manager stops.
func (m *Manager) startReconnect(server string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		delay := m.cfg.ReconnectBaseDelay

		for {
			select {
			case <-m.stop:
				return
			case <-time.After(delay):
			}

			m.mu.RLock()
			ms := m.servers[server]
			m.mu.RUnlock()
			if ms == nil {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			specs, err := ms.client.Connect(ctx)
			cancel()
			if err == nil {
				m.mu.Lock()
				ms.specs = specs
				m.mu.Unlock()
				m.setStatus(server, StatusConnected)
				m.logger.Info("mcp server reconnected", "server", server, "tools", len(specs))
				return
			}

			m.logger.Warn("mcp reconnect failed", "server", server, "error", err, "next_delay", delay)
			delay *= 2
			if delay > m.cfg.ReconnectMaxDelay {
				delay = m.cfg.ReconnectMaxDelay
			}
		}
	}()
}

func (m *Manager) setStatus(server string, status ServerStatus) {
	m.mu.Lock()
	if ms, ok := m.servers[server]; ok {
		ms.status = status
	}
	m.mu.Unlock()
	m.notify(server, status)
}

func (m *Manager) notify(server string, status ServerStatus) {
	if m.StatusChanged != nil {
		m.StatusChanged(server, status)
	}
}

// remoteTool adapts one remote tool to the runtime tool interface.
type remoteTool struct {
	manager    *Manager
	server     string
	remoteName string
	spec       models.ToolSpec
}

func (t *remoteTool) Spec() models.ToolSpec { return t.spec }

func (t *remoteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.manager.call(ctx, t.server, t.remoteName, args)
}
