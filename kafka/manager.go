package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"opclink/config"
	"opclink/logging"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// TagMessage is the JSON structure produced for tag changes.
type TagMessage struct {
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	NodeID    string      `json:"node_id,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// StatusMessage is the JSON structure produced for server status changes.
type StatusMessage struct {
	Server    string `json:"server"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string // empty for messages without change tracking
	value    interface{}
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages multiple Kafka producers and a shared publish worker pool.
type Manager struct {
	producers  map[string]*Producer
	mu         sync.RWMutex
	lastValues map[string]interface{} // cluster/server/tag -> value
	lastMu     sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		producers:    make(map[string]*Producer),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(m.stopChan, m.publishQueue)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload)
			cancel()
			if err != nil {
				logKafka("Failed to publish to %s: %v", job.topic, err)
				continue
			}
			if job.cacheKey != "" {
				m.updateLastValue(job.cacheKey, job.value)
			}
		}
	}
}

func (m *Manager) shouldPublish(cacheKey string, value interface{}, force bool) bool {
	if force {
		return true
	}
	m.lastMu.RLock()
	last, exists := m.lastValues[cacheKey]
	m.lastMu.RUnlock()
	return !exists || fmt.Sprintf("%v", last) != fmt.Sprintf("%v", value)
}

func (m *Manager) updateLastValue(cacheKey string, value interface{}) {
	m.lastMu.Lock()
	m.lastValues[cacheKey] = value
	m.lastMu.Unlock()
}

// ClearLastValues forgets published values so the next changes are all sent.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}

// AddCluster adds a producer for cfg. Existing names are kept.
func (m *Manager) AddCluster(cfg *config.KafkaConfig, ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg, ns)
}

// RemoveCluster disconnects and removes a cluster.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	p, exists := m.producers[name]
	delete(m.producers, name)
	m.mu.Unlock()

	if exists {
		p.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) list() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		result = append(result, p)
	}
	return result
}

// LoadFromConfig adds a producer per cluster configuration.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, ns string) {
	for i := range cfgs {
		m.AddCluster(&cfgs[i], ns)
	}
}

// Connect connects the named cluster.
func (m *Manager) Connect(ctx context.Context, name string) error {
	p := m.GetProducer(name)
	if p == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return p.Connect(ctx)
}

// ConnectEnabled connects every enabled cluster and returns how many
// connected.
func (m *Manager) ConnectEnabled(ctx context.Context) int {
	m.startWorkers()

	connected := 0
	for _, p := range m.list() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(ctx); err != nil {
			logKafka("Failed to connect %s: %v", p.Name(), err)
			continue
		}
		connected++
	}
	return connected
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	started := m.started
	oldStop := m.stopChan
	if started {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if started {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, p := range m.list() {
		p.Disconnect()
	}
}

// GetClusterStatus returns the status and last error of a cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("kafka cluster not found: %s", name)
	}
	return p.GetStatus(), p.GetError()
}

func (m *Manager) enqueue(job publishJob) {
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logKafka("Publish queue full, dropping message for %s", job.topic)
	}
}

// Publish queues a tag value for every connected cluster whose last sent
// value differs, or unconditionally when force is set.
func (m *Manager) Publish(server, tag, nodeID, typeName string, value interface{}, writable, force bool) {
	m.startWorkers()

	for _, p := range m.list() {
		if p.GetStatus() != StatusConnected {
			continue
		}

		cacheKey := p.Name() + "/" + server + "/" + tag
		if !m.shouldPublish(cacheKey, value, force) {
			continue
		}

		payload, err := json.Marshal(TagMessage{
			Server:    server,
			Tag:       tag,
			NodeID:    nodeID,
			Value:     value,
			Type:      typeName,
			Writable:  writable,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}

		m.enqueue(publishJob{
			producer: p,
			topic:    p.builder.KafkaTagTopic(),
			key:      []byte(p.builder.KafkaMessageKey(server, tag)),
			payload:  payload,
			cacheKey: cacheKey,
			value:    value,
		})
	}
}

// PublishStatus queues a server status for every connected cluster.
func (m *Manager) PublishStatus(server, status, errMsg string) {
	m.startWorkers()

	payload, err := json.Marshal(StatusMessage{
		Server:    server,
		Online:    status == "Connected",
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	for _, p := range m.list() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    p.builder.KafkaStatusTopic(),
			key:      []byte(server),
			payload:  payload,
		})
	}
}

// AnyConnected reports whether any cluster is connected.
func (m *Manager) AnyConnected() bool {
	for _, p := range m.list() {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}
