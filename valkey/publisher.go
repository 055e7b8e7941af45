// Package valkey stores tag values in Valkey/Redis, announces changes over
// pub/sub and serves a write-back queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"opclink/config"
	"opclink/logging"
	"opclink/namespace"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

var newClient = func(opts *redis.Options) redisClient {
	return redis.NewClient(opts)
}

// blpopTimeout bounds each wait on the write queue so Stop is noticed.
var blpopTimeout = time.Second

// TagMessage is the JSON value stored under a tag key.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	NodeID    string      `json:"node_id,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusMessage is the JSON value stored under a server's status key.
type StatusMessage struct {
	Namespace string    `json:"namespace"`
	Server    string    `json:"server"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteRequest is an entry of the write queue.
type WriteRequest struct {
	Server string      `json:"server"`
	Tag    string      `json:"tag"`
	Value  interface{} `json:"value"`
}

// WriteResponse is published on the write response channel.
type WriteResponse struct {
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher publishes tag values to one Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	builder *namespace.Builder
	client  redisClient
	running bool
	mu      sync.RWMutex

	writeHandler      func(server, tag string, value interface{}) error
	writeValidator    func(server, tag string) bool
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher under namespace ns.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:   cfg,
		builder:  namespace.New(ns, cfg.Selector),
		stopChan: make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the server and, when enabled, starts the write-back
// listener.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := newClient(opts)
	debugLog("Connecting to %s (DB: %d, TLS: %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Connection to %s failed: %v", p.config.Address, err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	debugLog("Connected to %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(blpopTimeout + 500*time.Millisecond):
		debugLog("Timeout waiting for write listener on %s", p.config.Name)
	}

	return client.Close()
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Builder returns the key builder.
func (p *Publisher) Builder() *namespace.Builder {
	return p.builder
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) active() redisClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// Publish stores a tag value and, when enabled, announces it on the
// server and all-changes channels. A stopped publisher ignores the call.
func (p *Publisher) Publish(server, tag, nodeID, typeName string, value interface{}, writable bool) error {
	client := p.active()
	if client == nil {
		return nil
	}

	data, err := json.Marshal(TagMessage{
		Namespace: p.builder.Namespace(),
		Server:    server,
		Tag:       tag,
		NodeID:    nodeID,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.builder.ValkeyTagKey(server, tag), data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if p.config.PublishChanges {
		if err := client.Publish(ctx, p.builder.ValkeyChangesChannel(server), data).Err(); err != nil {
			return fmt.Errorf("failed to publish change: %w", err)
		}
		if err := client.Publish(ctx, p.builder.ValkeyAllChangesChannel(), data).Err(); err != nil {
			return fmt.Errorf("failed to publish change: %w", err)
		}
	}
	return nil
}

// PublishStatus stores a server's connection status.
func (p *Publisher) PublishStatus(server, status, errMsg string) error {
	client := p.active()
	if client == nil {
		return nil
	}

	data, err := json.Marshal(StatusMessage{
		Namespace: p.builder.Namespace(),
		Server:    server,
		Online:    status == "Connected",
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.builder.ValkeyStatusKey(server)
	if err := client.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set status key: %w", err)
	}
	if p.config.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler func(server, tag string, value interface{}) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator func(server, tag string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetOnConnectCallback sets a callback run after each successful Start.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests off the queue until stop closes.
func (p *Publisher) writebackListener(client redisClient, stop <-chan struct{}) {
	defer p.wg.Done()

	queue := p.builder.ValkeyWriteQueue()
	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), blpopTimeout+time.Second)
		result, err := client.BLPop(ctx, blpopTimeout, queue).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(blpopTimeout):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := decodeWriteRequest(result[1], &req); err != nil {
			debugLog("Failed to parse write request: %v", err)
			continue
		}
		p.processWriteRequest(client, req)
	}
}

// decodeWriteRequest keeps numbers as json.Number so 64-bit integers reach
// the OPC UA coercion exactly.
func decodeWriteRequest(data string, req *WriteRequest) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	return dec.Decode(req)
}

func (p *Publisher) processWriteRequest(client redisClient, req WriteRequest) {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()

	resp := WriteResponse{
		Server:    req.Server,
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	switch {
	case req.Server == "" || req.Tag == "":
		resp.Error = "server and tag are required"
	case validator != nil && !validator(req.Server, req.Tag):
		resp.Error = "tag is not writable"
	case handler == nil:
		resp.Error = "no write handler configured"
	default:
		if err := handler(req.Server, req.Tag, req.Value); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}

	data, _ := json.Marshal(resp)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Publish(ctx, p.builder.ValkeyWriteResponseChannel(), data).Err(); err != nil {
		debugLog("Failed to publish write response: %v", err)
	}

	debugLog("Write %s/%s = %v -> success=%v", req.Server, req.Tag, req.Value, resp.Success)
}
