package tagman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"opclink/config"
	"opclink/logging"
	"opclink/store"
	"opclink/uaclient"
)

var (
	ErrServerNotFound = errors.New("server not found")
	ErrNotWritable    = errors.New("tag is not writable")
)

// Catalog persists discovered tags. *store.Store satisfies it.
type Catalog interface {
	ReplaceTags(ctx context.Context, server string, tags []uaclient.Tag) error
	Tags(ctx context.Context, server string) ([]store.CatalogEntry, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithCatalog records discovered tags in c.
func WithCatalog(c Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithClientOptions passes opts to every uaclient.Client the manager creates.
func WithClientOptions(opts ...uaclient.Option) Option {
	return func(m *Manager) { m.clientOpts = append(m.clientOpts, opts...) }
}

// WithBatchInterval sets how often value changes are flushed to the
// OnValueChange callback.
func WithBatchInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.batchInterval = d
		}
	}
}

// Manager manages multiple OPC UA server connections.
type Manager struct {
	servers map[string]*ManagedServer
	order   []string
	workers map[string]*serverWorker
	mu      sync.RWMutex

	reconnectInterval time.Duration
	batchInterval     time.Duration
	catalog           Catalog
	clientOpts        []uaclient.Option

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onChange      func()
	onValueChange func(changes []ValueChange)
	onLog         func(format string, args ...interface{})

	changeChan  chan []ValueChange
	statusDirty int32
}

// NewManager creates a manager that retries failed servers every
// reconnectInterval.
func NewManager(reconnectInterval time.Duration, opts ...Option) *Manager {
	if reconnectInterval <= 0 {
		reconnectInterval = 5 * time.Second
	}
	m := &Manager{
		servers:           make(map[string]*ManagedServer),
		workers:           make(map[string]*serverWorker),
		reconnectInterval: reconnectInterval,
		batchInterval:     100 * time.Millisecond,
		changeChan:        make(chan []ValueChange, 100),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnChange sets a callback that fires when a server status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that receives batched value changes.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// SetOnLog sets the application log sink.
func (m *Manager) SetOnLog(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLog = fn
}

func (m *Manager) logf(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.onLog
	m.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges queues changes for the batch loop, dropping the oldest batch
// when the queue is full.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// clientConfig maps a server config onto the client parameters.
func clientConfig(cfg *config.ServerConfig) uaclient.Config {
	c := uaclient.DefaultConfig()
	if cfg.SecurityPolicy != "" {
		c.SecurityPolicy = cfg.SecurityPolicy
	}
	if cfg.SecurityMode != "" {
		c.SecurityMode = cfg.SecurityMode
	}
	c.CertFile = cfg.CertFile
	c.KeyFile = cfg.KeyFile
	sub := cfg.Subscription
	if sub.PublishInterval > 0 {
		c.PublishInterval = sub.PublishInterval
	}
	if sub.SamplingInterval != 0 {
		c.SamplingInterval = sub.SamplingInterval
	}
	if sub.QueueSize > 0 {
		c.QueueSize = sub.QueueSize
	}
	if sub.RequestTimeout > 0 {
		c.RequestTimeout = sub.RequestTimeout
	}
	return c
}

// AddServer puts a server under management. Adding an existing name is a
// no-op.
func (m *Manager) AddServer(cfg *config.ServerConfig) error {
	if cfg == nil || cfg.Name == "" {
		return fmt.Errorf("server config requires a name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[cfg.Name]; exists {
		return nil
	}

	client := uaclient.NewClient("opclink-"+cfg.Name, clientConfig(cfg), m.clientOpts...)
	srv := newManagedServer(cfg, client)
	m.servers[cfg.Name] = srv
	m.order = append(m.order, cfg.Name)

	if m.ctx != nil {
		w := newServerWorker(srv, m, m.reconnectInterval)
		m.workers[cfg.Name] = w
		w.Start()
	}
	return nil
}

// RemoveServer stops managing a server and disconnects it.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	srv, exists := m.servers[name]
	w := m.workers[name]
	if exists {
		delete(m.servers, name)
		delete(m.workers, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !exists {
		return ErrServerNotFound
	}
	if w != nil {
		w.Stop()
	}
	m.markStatusDirty()
	return m.teardown(srv, nil)
}

// LoadFromConfig adds all servers from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.Servers {
		m.AddServer(&cfg.Servers[i])
	}
}

// GetServer returns the managed server with the given name, or nil.
func (m *Manager) GetServer(name string) *ManagedServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[name]
}

func (m *Manager) lookup(name string) (*ManagedServer, error) {
	if srv := m.GetServer(name); srv != nil {
		return srv, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
}

// ListServers returns all managed servers in configuration order.
func (m *Manager) ListServers() []*ManagedServer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ManagedServer, 0, len(m.order))
	for _, name := range m.order {
		result = append(result, m.servers[name])
	}
	return result
}

// Servers returns a snapshot of every managed server in configuration order.
func (m *Manager) Servers() []ServerInfo {
	servers := m.ListServers()
	infos := make([]ServerInfo, len(servers))
	for i, srv := range servers {
		infos[i] = srv.Info()
	}
	return infos
}

// ServerInfo returns a snapshot of the named server.
func (m *Manager) ServerInfo(name string) (ServerInfo, error) {
	srv, err := m.lookup(name)
	if err != nil {
		return ServerInfo{}, err
	}
	return srv.Info(), nil
}

// Start launches one worker per server plus the change batch loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for name, srv := range m.servers {
		w := newServerWorker(srv, m, m.reconnectInterval)
		m.workers[name] = w
		w.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop()
}

// Stop halts the workers and the batch loop, then disconnects all servers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	workers := make([]*serverWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*serverWorker)
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()

	m.DisconnectAll()
}

func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pending []ValueChange
	for {
		select {
		case <-m.ctx.Done():
			if len(pending) > 0 {
				m.flushValueChanges(pending)
			}
			return

		case changes := <-m.changeChan:
			pending = append(pending, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}
			if len(pending) > 0 {
				m.flushValueChanges(pending)
				pending = nil
			}
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// connectServer connects srv, refreshes its tag catalog and monitors its
// selections.
func (m *Manager) connectServer(ctx context.Context, srv *ManagedServer) error {
	srv.connMu.Lock()
	defer srv.connMu.Unlock()

	if srv.GetStatus() == StatusConnected && srv.Client.IsConnected() {
		return nil
	}

	cfg := srv.Config
	srv.setStatus(StatusConnecting, nil)
	m.markStatusDirty()

	creds := uaclient.Credentials{Username: cfg.Username, Password: cfg.Password}
	if err := srv.Client.Connect(ctx, cfg.Endpoint, creds); err != nil {
		srv.setStatus(StatusError, err)
		m.markStatusDirty()
		return err
	}

	sessionID := uuid.NewString()
	logging.DebugLog("tagman", "%s: session %s on %s", cfg.Name, sessionID, srv.Client.Endpoint())

	var tags []uaclient.Tag
	if cfg.DiscoverTags || cfg.MonitorAll {
		discovered, err := srv.Client.GetAllTags(ctx)
		if err != nil {
			logging.DebugError("tagman", cfg.Name+" discovery", err)
			m.logf("Tag discovery on %s failed: %v", cfg.Name, err)
		} else {
			tags = discovered
			m.persistTags(ctx, cfg.Name, tags)
		}
	}

	srv.mu.Lock()
	srv.status = StatusConnected
	srv.lastError = nil
	srv.sessionID = sessionID
	srv.connectedAt = time.Now()
	if tags != nil {
		srv.tags = tags
	}
	srv.handles = make(map[string]*uaclient.MonitorHandle)
	srv.mu.Unlock()

	n := m.monitorSelected(ctx, srv)
	m.markStatusDirty()
	m.logf("Connected to %s (%d tags, %d monitored)", cfg.Name, len(srv.GetTags()), n)
	return nil
}

func (m *Manager) persistTags(ctx context.Context, server string, tags []uaclient.Tag) {
	if m.catalog == nil {
		return
	}
	if err := m.catalog.ReplaceTags(ctx, server, tags); err != nil {
		logging.DebugError("tagman", server+" catalog", err)
	}
}

// monitorTargets returns the enabled selections, plus every discovered tag
// when the server monitors all.
func monitorTargets(srv *ManagedServer) []uaclient.Tag {
	seen := make(map[string]bool)
	var targets []uaclient.Tag
	for _, sel := range srv.Config.Tags {
		if !sel.Enabled || seen[sel.NodeID] {
			continue
		}
		seen[sel.NodeID] = true
		targets = append(targets, uaclient.Tag{NodeID: sel.NodeID, Name: srv.tagName(sel.NodeID)})
	}
	if srv.Config.MonitorAll {
		for _, t := range srv.GetTags() {
			if seen[t.NodeID] {
				continue
			}
			seen[t.NodeID] = true
			targets = append(targets, t)
		}
	}
	return targets
}

// monitorSelected registers a monitor for each target and returns how many
// succeeded. Failures are logged and skipped.
func (m *Manager) monitorSelected(ctx context.Context, srv *ManagedServer) int {
	count := 0
	for _, tag := range monitorTargets(srv) {
		if dt, err := srv.Client.DataType(ctx, tag); err == nil {
			srv.mu.Lock()
			srv.types[tag.NodeID] = uaclient.TypeName(dt)
			srv.mu.Unlock()
		}

		h, err := srv.Client.MonitorTag(ctx, tag, m.changeHandler(srv, tag))
		if err != nil {
			logging.DebugError("tagman", srv.Name()+" monitor "+tag.NodeID, err)
			continue
		}
		srv.mu.Lock()
		srv.handles[tag.NodeID] = h
		srv.mu.Unlock()
		count++
	}
	return count
}

func (m *Manager) changeHandler(srv *ManagedServer, tag uaclient.Tag) func(interface{}) {
	server := srv.Name()
	writable := m.IsWritable(server, tag.NodeID)
	return func(value interface{}) {
		srv.mu.Lock()
		vc := ValueChange{
			Server:    server,
			Tag:       tag.Name,
			NodeID:    tag.NodeID,
			Value:     value,
			Type:      srv.types[tag.NodeID],
			Writable:  writable,
			Timestamp: time.Now(),
		}
		srv.values[tag.NodeID] = vc
		srv.mu.Unlock()
		m.sendChanges([]ValueChange{vc})
	}
}

// teardown disconnects srv. A nil cause leaves it Disconnected, otherwise
// it is marked Error with cause.
func (m *Manager) teardown(srv *ManagedServer, cause error) error {
	srv.connMu.Lock()
	defer srv.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), srv.Client.Config().RequestTimeout)
	defer cancel()

	err := srv.Client.Disconnect(ctx)

	srv.mu.Lock()
	srv.handles = make(map[string]*uaclient.MonitorHandle)
	srv.sessionID = ""
	switch {
	case err != nil:
		srv.status = StatusError
		srv.lastError = err
	case cause != nil:
		srv.status = StatusError
		srv.lastError = cause
	default:
		srv.status = StatusDisconnected
		srv.lastError = nil
	}
	srv.mu.Unlock()
	m.markStatusDirty()
	return err
}

// Connect connects the named server now and keeps it enabled.
func (m *Manager) Connect(ctx context.Context, name string) error {
	srv, err := m.lookup(name)
	if err != nil {
		return err
	}
	srv.enabled.Store(true)
	return m.connectServer(ctx, srv)
}

// Disconnect disconnects the named server and disables reconnection until
// the next Connect.
func (m *Manager) Disconnect(name string) error {
	srv, err := m.lookup(name)
	if err != nil {
		return err
	}
	srv.enabled.Store(false)
	m.logf("Disconnected from %s", name)
	return m.teardown(srv, nil)
}

// DisconnectAll disconnects every server without changing its enabled flag.
func (m *Manager) DisconnectAll() {
	for _, srv := range m.ListServers() {
		if srv.Client.State() == uaclient.StateDisconnected {
			continue
		}
		if err := m.teardown(srv, nil); err != nil {
			logging.DebugError("tagman", srv.Name()+" disconnect", err)
		}
	}
}

// Tags returns the known tags of a server: the tags discovered on the live
// connection, else the stored catalog, else the configured selections.
func (m *Manager) Tags(ctx context.Context, name string) ([]uaclient.Tag, error) {
	srv, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if tags := srv.GetTags(); tags != nil {
		return tags, nil
	}
	if m.catalog != nil {
		entries, err := m.catalog.Tags(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			tags := make([]uaclient.Tag, len(entries))
			for i, e := range entries {
				tags[i] = e.Tag
			}
			return tags, nil
		}
	}
	tags := make([]uaclient.Tag, 0, len(srv.Config.Tags))
	for _, sel := range srv.Config.Tags {
		tags = append(tags, uaclient.Tag{NodeID: sel.NodeID, Name: srv.tagName(sel.NodeID)})
	}
	return tags, nil
}

// Browse rediscovers the tags of a connected server and updates the catalog.
func (m *Manager) Browse(ctx context.Context, name string) ([]uaclient.Tag, error) {
	srv, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	tags, err := srv.Client.GetAllTags(ctx)
	if err != nil {
		return nil, err
	}
	srv.mu.Lock()
	srv.tags = tags
	srv.mu.Unlock()
	m.persistTags(ctx, name, tags)
	m.markStatusDirty()
	return tags, nil
}

// Read reads the current value of a tag from the server.
func (m *Manager) Read(ctx context.Context, server, nodeID string) (ValueChange, error) {
	srv, err := m.lookup(server)
	if err != nil {
		return ValueChange{}, err
	}
	tag := uaclient.Tag{NodeID: nodeID, Name: srv.tagName(nodeID)}
	value, err := srv.Client.ReadTag(ctx, tag)
	if err != nil {
		return ValueChange{}, err
	}
	return ValueChange{
		Server:    server,
		Tag:       tag.Name,
		NodeID:    nodeID,
		Value:     value,
		Type:      m.DataTypeName(ctx, server, nodeID),
		Writable:  m.IsWritable(server, nodeID),
		Timestamp: time.Now(),
	}, nil
}

// Write writes value to a tag selected as writable and waits for the
// server's verdict.
func (m *Manager) Write(ctx context.Context, server, nodeID string, value interface{}) error {
	srv, err := m.lookup(server)
	if err != nil {
		return err
	}
	if !m.IsWritable(server, nodeID) {
		return fmt.Errorf("%w: %s/%s", ErrNotWritable, server, nodeID)
	}
	tag := uaclient.Tag{NodeID: nodeID, Name: srv.tagName(nodeID)}
	if err := srv.Client.WriteTag(ctx, tag, value); err != nil {
		logging.DebugError("tagman", "write "+server+"/"+nodeID, err)
		return err
	}
	logging.DebugLog("tagman", "WRITE %s/%s = %v", server, nodeID, value)
	return nil
}

// WriteByName resolves a tag by its published name or node id and writes it.
// It serves the broker write-back paths, which address tags by name.
func (m *Manager) WriteByName(ctx context.Context, server, tagName string, value interface{}) error {
	return m.Write(ctx, server, m.ResolveNodeID(server, tagName), value)
}

// ResolveNodeID maps a published tag name to its node id. Unknown names are
// returned unchanged so callers may pass node ids directly.
func (m *Manager) ResolveNodeID(server, tagName string) string {
	srv := m.GetServer(server)
	if srv == nil {
		return tagName
	}
	for _, sel := range srv.Config.Tags {
		if sel.NodeID == tagName || sel.Name == tagName {
			return sel.NodeID
		}
	}
	for _, t := range srv.GetTags() {
		if t.Name == tagName {
			return t.NodeID
		}
	}
	return tagName
}

// Permissions reads the access level of a tag.
func (m *Manager) Permissions(ctx context.Context, server, nodeID string) (uaclient.Permissions, error) {
	srv, err := m.lookup(server)
	if err != nil {
		return uaclient.Permissions{}, err
	}
	return srv.Client.GetTagPermissions(ctx, uaclient.Tag{NodeID: nodeID})
}

// Discover lists the servers registered with a discovery endpoint.
func (m *Manager) Discover(ctx context.Context, url string) ([]uaclient.ServerInfo, error) {
	return uaclient.DiscoverServers(ctx, url)
}

// IsWritable reports whether a tag is selected for writes on server.
func (m *Manager) IsWritable(server, nodeID string) bool {
	srv := m.GetServer(server)
	if srv == nil {
		return false
	}
	sel := srv.selection(nodeID)
	return sel != nil && sel.Enabled && sel.Writable
}

// DataTypeName returns the data type name of a tag, reading it from the
// server when not cached. It returns "" when unknown.
func (m *Manager) DataTypeName(ctx context.Context, server, nodeID string) string {
	srv := m.GetServer(server)
	if srv == nil {
		return ""
	}
	srv.mu.RLock()
	name, ok := srv.types[nodeID]
	srv.mu.RUnlock()
	if ok {
		return name
	}

	dt, err := srv.Client.DataType(ctx, uaclient.Tag{NodeID: nodeID})
	if err != nil {
		return ""
	}
	name = uaclient.TypeName(dt)
	srv.mu.Lock()
	srv.types[nodeID] = name
	srv.mu.Unlock()
	return name
}

// GetAllCurrentValues returns the latest value of every monitored tag. It is
// used to prime a publisher that has just connected.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var results []ValueChange
	for _, srv := range m.ListServers() {
		for _, v := range srv.GetValues() {
			results = append(results, v)
		}
	}
	return results
}
