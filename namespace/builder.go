// Package namespace builds topic and key paths with consistent namespace
// prefixing across the MQTT, Valkey and Kafka publishers.
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder. The selector is an optional
// sub-namespace appended after the namespace.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// Namespace returns the configured namespace.
func (b *Builder) Namespace() string { return b.namespace }

// Selector returns the configured selector.
func (b *Builder) Selector() string { return b.selector }

// mqttEscaper replaces characters that would split or wildcard a topic level.
var mqttEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// valkeyEscaper replaces the key delimiter.
var valkeyEscaper = strings.NewReplacer(":", "_")

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag value: {ns}[/{sel}]/{server}/tags/{tag}
func (b *Builder) MQTTTagTopic(server, tag string) string {
	return b.mqttBase() + "/" + mqttEscaper.Replace(server) + "/tags/" + mqttEscaper.Replace(tag)
}

// MQTTStatusTopic returns the topic for connection status: {ns}[/{sel}]/{server}/status
func (b *Builder) MQTTStatusTopic(server string) string {
	return b.mqttBase() + "/" + mqttEscaper.Replace(server) + "/status"
}

// MQTTWriteTopic returns the topic for write requests: {ns}[/{sel}]/{server}/write
func (b *Builder) MQTTWriteTopic(server string) string {
	return b.mqttBase() + "/" + mqttEscaper.Replace(server) + "/write"
}

// MQTTWriteWildcard subscribes to write requests of every server: {ns}[/{sel}]/+/write
func (b *Builder) MQTTWriteWildcard() string {
	return b.mqttBase() + "/+/write"
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}[/{sel}]/{server}/write/response
func (b *Builder) MQTTWriteResponseTopic(server string) string {
	return b.mqttBase() + "/" + mqttEscaper.Replace(server) + "/write/response"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

// ServerFromWriteTopic extracts the server segment from a write topic,
// or returns "" when topic is not one of this builder's write topics.
func (b *Builder) ServerFromWriteTopic(topic string) string {
	prefix := b.mqttBase() + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/write") {
		return ""
	}
	server := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/write")
	if server == "" || strings.Contains(server, "/") {
		return ""
	}
	return server
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyTagKey returns the key for a tag value: {ns}[:{sel}]:{server}:tags:{tag}
func (b *Builder) ValkeyTagKey(server, tag string) string {
	return b.valkeyBase() + ":" + valkeyEscaper.Replace(server) + ":tags:" + valkeyEscaper.Replace(tag)
}

// ValkeyStatusKey returns the key for connection status: {ns}[:{sel}]:{server}:status
func (b *Builder) ValkeyStatusKey(server string) string {
	return b.valkeyBase() + ":" + valkeyEscaper.Replace(server) + ":status"
}

// ValkeyChangesChannel returns the channel for a server's changes: {ns}[:{sel}]:{server}:changes
func (b *Builder) ValkeyChangesChannel(server string) string {
	return b.valkeyBase() + ":" + valkeyEscaper.Replace(server) + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeyWriteQueue returns the list key for write requests: {ns}[:{sel}]:writes
func (b *Builder) ValkeyWriteQueue() string {
	return b.valkeyBase() + ":writes"
}

// ValkeyWriteResponseChannel returns the channel for write responses: {ns}[:{sel}]:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.valkeyBase() + ":write:responses"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for status) ---

// KafkaTagTopic returns the topic for tag values: {ns}[-{sel}]
// Messages are keyed by server and tag for partitioning.
func (b *Builder) KafkaTagTopic() string {
	return b.kafkaBase()
}

// KafkaStatusTopic returns the topic for connection status: {ns}[-{sel}].status
func (b *Builder) KafkaStatusTopic() string {
	return b.kafkaBase() + ".status"
}

// KafkaMessageKey returns the partition key for a tag: {server}.{tag}
func (b *Builder) KafkaMessageKey(server, tag string) string {
	return server + "." + tag
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
