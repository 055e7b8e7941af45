// Package mqtt publishes tag value changes to MQTT brokers and accepts
// write-back requests.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"opclink/config"
	"opclink/logging"
	"opclink/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// newClient is replaced in tests.
var newClient = pahomqtt.NewClient

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

type writeJob struct {
	client pahomqtt.Client
	server string
	tag    string
	value  interface{}
	err    error // set for requests rejected before reaching the handler
}

// TagMessage is the JSON structure published for a tag value.
type TagMessage struct {
	Topic     string      `json:"topic"`
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	NodeID    string      `json:"node_id,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// StatusMessage is the JSON structure published for a server's connection status.
type StatusMessage struct {
	Server    string `json:"server"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests. The
// server comes from the topic; a server field, when present, must match.
type WriteRequest struct {
	Server string      `json:"server,omitempty"`
	Tag    string      `json:"tag"`
	Value  interface{} `json:"value"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a write requested over MQTT.
type WriteHandler func(server, tag string, value interface{}) error

// WriteValidator reports whether a tag accepts writes.
type WriteValidator func(server, tag string) bool

// Publisher publishes tag values to a single broker.
type Publisher struct {
	config  *config.MQTTConfig
	builder *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates a publisher for one broker under namespace ns.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:     cfg,
		builder:    namespace.New(ns, cfg.Selector),
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Builder returns the topic builder.
func (p *Publisher) Builder() *namespace.Builder {
	return p.builder
}

func (p *Publisher) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "opclink-" + p.config.Name
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	// Write subscriptions are restored on every (re)connect.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.subscribeWrites(c)
	})
	return opts
}

// Start connects to the broker.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	client := newClient(p.clientOptions())
	logMQTT("Connecting to %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logMQTT("Connection to %s timed out", p.Address())
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		logMQTT("Connection to %s failed: %v", p.Address(), err)
		return err
	}
	logMQTT("Connected to %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.Unlock()

	// Republish everything on the next change.
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
	return nil
}

func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				p.mu.RLock()
				handler := p.writeHandler
				p.mu.RUnlock()
				if handler == nil {
					err = fmt.Errorf("no write handler configured")
				} else {
					logMQTT("Executing write: %s/%s = %v", job.server, job.tag, job.value)
					err = handler(job.server, job.tag, job.value)
				}
			}
			if err != nil {
				logMQTT("Write %s/%s failed: %v", job.server, job.tag, err)
			}
			p.publishWriteResponse(job.client, job.server, job.tag, job.value, err)
		}
	}
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

// Publish sends a tag value if it differs from the last one sent, or
// unconditionally when force is set. Tag values are retained.
func (p *Publisher) Publish(server, tag, nodeID, typeName string, value interface{}, writable, force bool) bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return false
	}

	topic := p.builder.MQTTTagTopic(server, tag)

	p.lastMu.RLock()
	last, exists := p.lastValues[topic]
	p.lastMu.RUnlock()
	if exists && !force && fmt.Sprintf("%v", last) == fmt.Sprintf("%v", value) {
		return false
	}

	payload, err := json.Marshal(TagMessage{
		Topic:     p.builder.MQTTBase(),
		Server:    server,
		Tag:       tag,
		NodeID:    nodeID,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logMQTT("Marshal %s failed: %v", topic, err)
		return false
	}

	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[topic] = value
	p.lastMu.Unlock()
	return true
}

// PublishStatus sends a server's connection status, retained.
func (p *Publisher) PublishStatus(server, status, errMsg string) bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return false
	}

	payload, _ := json.Marshal(StatusMessage{
		Server:    server,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	token := client.Publish(p.builder.MQTTStatusTopic(server), 1, true, payload)
	return token.WaitTimeout(publishTimeout) && token.Error() == nil
}

// SetWriteHandler sets the callback for write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback that screens write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// subscribeWrites subscribes to the write topic of every server.
func (p *Publisher) subscribeWrites(client pahomqtt.Client) {
	topic := p.builder.MQTTWriteWildcard()
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(publishTimeout) {
		logMQTT("Subscribe timeout for %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		logMQTT("Subscribe error for %s: %v", topic, err)
		return
	}
	logMQTT("Subscribed to %s", topic)
}

// handleWriteMessage validates a write request and queues it for the
// write workers.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Write request on %s: %s", msg.Topic(), string(msg.Payload()))

	server := p.builder.ServerFromWriteTopic(msg.Topic())
	if server == "" {
		logMQTT("Ignoring write on unexpected topic %s", msg.Topic())
		return
	}

	p.mu.RLock()
	validator := p.writeValidator
	p.mu.RUnlock()

	var req WriteRequest
	var rejected error
	switch err := decodeWriteRequest(msg.Payload(), &req); {
	case err != nil:
		rejected = fmt.Errorf("invalid JSON: %v", err)
	case req.Server != "" && req.Server != server:
		rejected = fmt.Errorf("server mismatch: topic is %s, payload names %s", server, req.Server)
	case req.Tag == "":
		rejected = fmt.Errorf("missing tag")
	case validator != nil && !validator(server, req.Tag):
		rejected = fmt.Errorf("tag not writable: %s/%s", server, req.Tag)
	}

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()

	job := writeJob{client: client, server: server, tag: req.Tag, value: req.Value, err: rejected}
	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s/%s", server, req.Tag)
		go p.publishWriteResponse(client, server, req.Tag, req.Value, fmt.Errorf("write queue full, try again later"))
	}
}

// decodeWriteRequest keeps numbers as json.Number so 64-bit integers reach
// the OPC UA coercion exactly.
func decodeWriteRequest(data []byte, req *WriteRequest) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(req)
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, server, tag string, value interface{}, err error) {
	resp := WriteResponse{
		Server:    server,
		Tag:       tag,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)

	token := client.Publish(p.builder.MQTTWriteResponseTopic(server), 1, false, payload)
	token.WaitTimeout(publishTimeout)
}
