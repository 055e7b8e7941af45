// Package config handles configuration persistence for the opclink gateway.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // instance namespace for topic/key isolation
	Servers   []ServerConfig `yaml:"servers"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Store     StoreConfig    `yaml:"store"`

	// ReconnectInterval is the delay between connection attempts of a
	// failed server worker.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// Callers that modify config should Lock(), modify, then UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// ServerConfig describes one OPC UA server connection.
type ServerConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"` // host:port or opc.tcp://host:port
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	SecurityPolicy string `yaml:"security_policy,omitempty"` // default Basic256Sha256
	SecurityMode   string `yaml:"security_mode,omitempty"`   // default SignAndEncrypt
	CertFile       string `yaml:"cert_file,omitempty"`
	KeyFile        string `yaml:"key_file,omitempty"`

	// DiscoverTags browses the full address space after connecting and
	// records the result in the tag catalog.
	DiscoverTags bool `yaml:"discover_tags"`
	// MonitorAll subscribes to every discovered tag, not only the selections.
	MonitorAll bool `yaml:"monitor_all,omitempty"`

	Tags         []TagSelection     `yaml:"tags,omitempty"`
	Subscription SubscriptionConfig `yaml:"subscription,omitempty"`
}

// TagSelection is a tag the gateway monitors and republishes.
type TagSelection struct {
	NodeID   string `yaml:"node_id" json:"node_id"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"` // defaults to the node's display name
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Writable bool   `yaml:"writable,omitempty" json:"writable,omitempty"`
}

// SubscriptionConfig overrides the client's subscription defaults.
// Zero values keep the defaults.
type SubscriptionConfig struct {
	PublishInterval  time.Duration `yaml:"publish_interval,omitempty"`
	SamplingInterval float64       `yaml:"sampling_interval,omitempty"` // ms
	QueueSize        uint32        `yaml:"queue_size,omitempty"`
	RequestTimeout   time.Duration `yaml:"request_timeout,omitempty"`
}

// WebConfig holds REST API server configuration.
type WebConfig struct {
	Enabled       bool      `yaml:"enabled"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port"`
	SessionSecret string    `yaml:"session_secret,omitempty"`
	Users         []WebUser `yaml:"users,omitempty"`
}

// WebUser is an API user. Without any users the API is open.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"`
}

// StoreConfig locates the tag catalog database.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite file or postgres:// URL; empty disables the catalog
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Servers: []ServerConfig{},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:              []MQTTConfig{},
		Valkey:            []ValkeyConfig{},
		Kafka:             []KafkaConfig{},
		ReconnectInterval: 5 * time.Second,
	}
}

// DefaultPath returns the default configuration file path (~/.opclink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".opclink", "config.yaml")
}

// DefaultStorePath returns the catalog path next to the config file.
func DefaultStorePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "tags.db")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back on a best-effort basis.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath(path)
		dirty = true
	}
	if cfg.Web.SessionSecret == "" {
		cfg.Web.SessionSecret = NewSessionSecret()
		dirty = true
	}

	if dirty {
		cfg.Save(path)
	}
	return cfg, nil
}

// NewSessionSecret returns a random base64 key for session cookies.
func NewSessionSecret() string {
	secret := make([]byte, 32)
	rand.Read(secret)
	return base64.StdEncoding.EncodeToString(secret)
}

// AddOnChangeListener registers a callback to be called when the config is saved.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}
	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals with the lock held and releases it before any I/O.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// config holds server passwords
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindServer returns the server config with the given name, or nil.
func (c *Config) FindServer(name string) *ServerConfig {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	return nil
}

// AddServer adds a new server configuration.
func (c *Config) AddServer(srv ServerConfig) {
	c.Servers = append(c.Servers, srv)
}

// RemoveServer removes a server by name.
func (c *Config) RemoveServer(name string) bool {
	for i, s := range c.Servers {
		if s.Name == name {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateServer replaces an existing server configuration.
func (c *Config) UpdateServer(name string, updated ServerConfig) bool {
	for i, s := range c.Servers {
		if s.Name == name {
			c.Servers[i] = updated
			return true
		}
	}
	return false
}

// FindTag returns the selection for nodeID, or nil.
func (s *ServerConfig) FindTag(nodeID string) *TagSelection {
	for i := range s.Tags {
		if s.Tags[i].NodeID == nodeID {
			return &s.Tags[i]
		}
	}
	return nil
}

// FindMQTT returns the MQTT config with the given name, or nil.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores and dots")
	}

	seen := make(map[string]bool)
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server with endpoint %q has no name", s.Endpoint)
		}
		if !IsValidNamespace(s.Name) {
			return fmt.Errorf("server %q: name must be usable in topics and keys", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Endpoint) == "" {
			return fmt.Errorf("server %q: endpoint is required", s.Name)
		}
		for _, t := range s.Tags {
			if t.NodeID == "" {
				return fmt.Errorf("server %q: tag selection without node_id", s.Name)
			}
		}
	}

	if c.Web.Enabled && (c.Web.Port < 0 || c.Web.Port > 65535) {
		return fmt.Errorf("invalid web port %d", c.Web.Port)
	}
	return nil
}

// IsValidNamespace reports whether ns contains only alphanumeric
// characters, hyphens, underscores and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// FindWebUser returns the web user with the given username, or nil.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new web user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// RemoveWebUser removes a web user by username.
func (c *Config) RemoveWebUser(username string) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users = append(c.Web.Users[:i], c.Web.Users[i+1:]...)
			return true
		}
	}
	return false
}
