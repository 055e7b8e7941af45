package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"opclink/config"
	"opclink/logging"
	"opclink/namespace"
)

// ConnectionStatus represents the state of a Kafka connection.
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

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// newWriter and dialBroker are replaced in tests.
var (
	newWriter = func(cfg *config.KafkaConfig, topic string, transport *kafka.Transport) messageWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			Transport:              transport,
			RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
			MaxAttempts:            cfg.MaxRetries,
			BatchSize:              100,
			BatchBytes:             1048576,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		}
	}

	dialBroker = func(ctx context.Context, dialer *kafka.Dialer, addr string) error {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
)

// Producer produces messages to one Kafka cluster.
type Producer struct {
	config  config.KafkaConfig
	builder *namespace.Builder
	writers map[string]messageWriter // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a producer for cfg under namespace ns.
func NewProducer(cfg *config.KafkaConfig, ns string) *Producer {
	return &Producer{
		config:  settings(*cfg),
		builder: namespace.New(ns, cfg.Selector),
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Builder returns the topic builder.
func (p *Producer) Builder() *namespace.Builder {
	return p.builder
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

func (p *Producer) fail(err error) error {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
	logging.DebugConnectError("kafka", p.config.Name, err)
	return err
}

// Connect verifies that at least one broker accepts a connection.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	if len(p.config.Brokers) == 0 {
		return p.fail(fmt.Errorf("no brokers configured"))
	}

	mechanism, err := saslMechanism(&p.config)
	if err != nil {
		return p.fail(err)
	}
	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(&p.config),
		SASLMechanism: mechanism,
	}

	logging.DebugConnect("kafka", strings.Join(p.config.Brokers, ","))

	var lastErr error
	for _, broker := range p.config.Brokers {
		if lastErr = dialBroker(ctx, dialer, broker); lastErr == nil {
			break
		}
		logging.DebugLog("kafka", "%s: broker %s unreachable: %v", p.config.Name, broker, lastErr)
	}
	if lastErr != nil {
		return p.fail(fmt.Errorf("failed to connect: %w", lastErr))
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()
	logging.DebugConnectSuccess("kafka", p.config.Name, strings.Join(p.config.Brokers, ","))
	return nil
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			logging.DebugError("kafka", "close writer "+topic, err)
		}
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", p.config.Name, "closed")
}

// getWriter returns or creates the writer for topic.
func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster %s not connected", p.config.Name)
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}

	mechanism, err := saslMechanism(&p.config)
	if err != nil {
		return nil, err
	}
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(&p.config),
		SASL:        mechanism,
	}

	w := newWriter(&p.config, topic, transport)
	p.writers[topic] = w
	logging.DebugLog("kafka", "%s: created writer for topic %s", p.config.Name, topic)
	return w, nil
}

// Produce sends one message and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	w, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	err = w.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.messagesError++
		p.lastErr = err
		logging.DebugLog("kafka", "%s: produce to %s failed: %v", p.config.Name, topic, err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	return nil
}

// ProduceWithRetry retries Produce up to the configured MaxRetries with a
// linearly growing backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.RetryBackoff * time.Duration(attempt)):
			}
		}
		if lastErr = p.Produce(ctx, topic, key, value); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}
