// Package tagman manages OPC UA server connections, monitors the selected
// tags and fans value changes out to the publishers.
package tagman

import (
	"sync"
	"sync/atomic"
	"time"

	"opclink/config"
	"opclink/uaclient"
)

// ConnectionStatus represents the state of a server connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ValueChange is a reported change of a monitored tag.
type ValueChange struct {
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	NodeID    string      `json:"node_id"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// ServerInfo is a point-in-time view of a managed server.
type ServerInfo struct {
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	Enabled   bool      `json:"enabled"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Tags      int       `json:"tags"`
	Monitored int       `json:"monitored"`
	Connected time.Time `json:"connected_at,omitempty"`
}

// ManagedServer is one OPC UA server under management.
type ManagedServer struct {
	Config *config.ServerConfig
	Client *uaclient.Client

	// connMu serializes Connect and Disconnect on Client.
	connMu sync.Mutex
	// enabled starts from Config.Enabled and follows Connect/Disconnect.
	enabled atomic.Bool

	mu          sync.RWMutex
	status      ConnectionStatus
	lastError   error
	sessionID   string
	connectedAt time.Time
	tags        []uaclient.Tag
	types       map[string]string // node id -> type name
	values      map[string]ValueChange
	handles     map[string]*uaclient.MonitorHandle
}

func newManagedServer(cfg *config.ServerConfig, client *uaclient.Client) *ManagedServer {
	s := &ManagedServer{
		Config:  cfg,
		Client:  client,
		status:  StatusDisconnected,
		types:   make(map[string]string),
		values:  make(map[string]ValueChange),
		handles: make(map[string]*uaclient.MonitorHandle),
	}
	s.enabled.Store(cfg.Enabled)
	return s
}

// IsEnabled reports whether the worker keeps this server connected.
func (s *ManagedServer) IsEnabled() bool {
	return s.enabled.Load()
}

// Name returns the configured server name.
func (s *ManagedServer) Name() string {
	return s.Config.Name
}

// GetStatus returns the current connection status thread-safely.
func (s *ManagedServer) GetStatus() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// GetError returns the last error thread-safely.
func (s *ManagedServer) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// GetTags returns the tags discovered on the last connection.
func (s *ManagedServer) GetTags() []uaclient.Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tags
}

// GetValues returns a copy of the latest value of each monitored tag.
func (s *ManagedServer) GetValues() map[string]ValueChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]ValueChange, len(s.values))
	for k, v := range s.values {
		result[k] = v
	}
	return result
}

// Info returns a snapshot for listing.
func (s *ManagedServer) Info() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := ServerInfo{
		Name:      s.Config.Name,
		Endpoint:  uaclient.NormalizeEndpoint(s.Config.Endpoint),
		Enabled:   s.enabled.Load(),
		Status:    s.status.String(),
		SessionID: s.sessionID,
		Tags:      len(s.tags),
		Monitored: len(s.handles),
		Connected: s.connectedAt,
	}
	if s.lastError != nil {
		info.Error = s.lastError.Error()
	}
	return info
}

func (s *ManagedServer) setStatus(status ConnectionStatus, err error) {
	s.mu.Lock()
	s.status = status
	s.lastError = err
	s.mu.Unlock()
}

// selection returns the configured selection for nodeID, or nil.
func (s *ManagedServer) selection(nodeID string) *config.TagSelection {
	return s.Config.FindTag(nodeID)
}

// tagName returns the published name of nodeID: the selection name, the
// discovered display name, or the node id itself.
func (s *ManagedServer) tagName(nodeID string) string {
	if sel := s.selection(nodeID); sel != nil && sel.Name != "" {
		return sel.Name
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tags {
		if t.NodeID == nodeID {
			return t.Name
		}
	}
	return nodeID
}
