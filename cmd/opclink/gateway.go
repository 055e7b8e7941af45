package main

import (
	"context"
	"time"

	"opclink/mqtt"
	"opclink/tagman"
)

// Publisher views of the managers, so the fan-out can be exercised without
// live brokers.
type (
	mqttSink interface {
		Publish(server, tag, nodeID, typeName string, value interface{}, writable, force bool)
		PublishStatus(server, status, errMsg string)
		AnyRunning() bool
		SetWriteHandler(handler mqtt.WriteHandler)
		SetWriteValidator(validator mqtt.WriteValidator)
	}

	valkeySink interface {
		Publish(server, tag, nodeID, typeName string, value interface{}, writable bool)
		PublishStatus(server, status, errMsg string)
		AnyRunning() bool
		SetWriteHandler(handler func(server, tag string, value interface{}) error)
		SetWriteValidator(validator func(server, tag string) bool)
		SetOnConnectCallback(callback func())
	}

	kafkaSink interface {
		Publish(server, tag, nodeID, typeName string, value interface{}, writable, force bool)
		PublishStatus(server, status, errMsg string)
		AnyConnected() bool
	}

	streamSink interface {
		BroadcastChanges(changes []tagman.ValueChange)
		BroadcastStatus(infos []tagman.ServerInfo)
	}
)

const writeTimeout = 10 * time.Second

// gateway connects the tag manager to the publishers.
type gateway struct {
	manager *tagman.Manager
	mqtt    mqttSink
	valkey  valkeySink
	kafka   kafkaSink
	api     streamSink
	logf    func(format string, args ...interface{})

	lastStatus map[string]string // server -> status|error last published
}

// wire installs the manager callbacks and the broker write-back handlers.
func (g *gateway) wire() {
	g.lastStatus = make(map[string]string)

	g.manager.SetOnValueChange(g.onValueChange)
	g.manager.SetOnChange(g.onStatusChange)

	g.mqtt.SetWriteHandler(g.writeTag)
	g.mqtt.SetWriteValidator(g.isWritable)

	g.valkey.SetWriteHandler(g.writeTag)
	g.valkey.SetWriteValidator(g.isWritable)
	g.valkey.SetOnConnectCallback(g.republishValkey)
}

// writeTag serves broker write-back requests, which address tags by name.
func (g *gateway) writeTag(server, tag string, value interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := g.manager.WriteByName(ctx, server, tag, value)
	if err != nil {
		g.logf("Write %s/%s failed: %v", server, tag, err)
	} else {
		g.logf("Write %s/%s = %v", server, tag, value)
	}
	return err
}

func (g *gateway) isWritable(server, tag string) bool {
	return g.manager.IsWritable(server, g.manager.ResolveNodeID(server, tag))
}

func (g *gateway) onValueChange(changes []tagman.ValueChange) {
	if g.api != nil {
		g.api.BroadcastChanges(changes)
	}

	mqttRunning := g.mqtt.AnyRunning()
	valkeyRunning := g.valkey.AnyRunning()
	kafkaConnected := g.kafka.AnyConnected()
	if !mqttRunning && !valkeyRunning && !kafkaConnected {
		return
	}

	for _, c := range changes {
		if mqttRunning {
			g.mqtt.Publish(c.Server, c.Tag, c.NodeID, c.Type, c.Value, c.Writable, false)
		}
		if valkeyRunning {
			g.valkey.Publish(c.Server, c.Tag, c.NodeID, c.Type, c.Value, c.Writable)
		}
		if kafkaConnected {
			g.kafka.Publish(c.Server, c.Tag, c.NodeID, c.Type, c.Value, c.Writable, false)
		}
	}
}

// onStatusChange publishes the status of every server whose status or error
// changed since the last call.
func (g *gateway) onStatusChange() {
	infos := g.manager.Servers()
	if g.api != nil {
		g.api.BroadcastStatus(infos)
	}

	for _, info := range infos {
		key := info.Status + "|" + info.Error
		if g.lastStatus[info.Name] == key {
			continue
		}
		g.lastStatus[info.Name] = key
		g.logf("%s: %s %s", info.Name, info.Status, info.Error)

		g.mqtt.PublishStatus(info.Name, info.Status, info.Error)
		g.valkey.PublishStatus(info.Name, info.Status, info.Error)
		g.kafka.PublishStatus(info.Name, info.Status, info.Error)
	}
}

func (g *gateway) republishMQTT() {
	values := g.manager.GetAllCurrentValues()
	g.logf("MQTT: publishing %d current values", len(values))
	for _, v := range values {
		g.mqtt.Publish(v.Server, v.Tag, v.NodeID, v.Type, v.Value, v.Writable, true)
	}
}

func (g *gateway) republishValkey() {
	values := g.manager.GetAllCurrentValues()
	g.logf("Valkey: publishing %d current values", len(values))
	for _, v := range values {
		g.valkey.Publish(v.Server, v.Tag, v.NodeID, v.Type, v.Value, v.Writable)
	}
}

func (g *gateway) republishKafka() {
	values := g.manager.GetAllCurrentValues()
	g.logf("Kafka: publishing %d current values", len(values))
	for _, v := range values {
		g.kafka.Publish(v.Server, v.Tag, v.NodeID, v.Type, v.Value, v.Writable, true)
	}
}
