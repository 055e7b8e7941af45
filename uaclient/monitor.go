package uaclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopcua/opcua/ua"

	"opclink/logging"
)

// MonitorHandle is an active change subscription for one tag.
type MonitorHandle struct {
	client       *Client
	tag          Tag
	clientHandle uint32
	callback     func(value interface{})

	mu       sync.Mutex
	itemID   uint32
	stopping bool // unmonitor request in flight
	done     bool
}

// Tag returns the monitored tag.
func (h *MonitorHandle) Tag() Tag {
	return h.tag
}

func (h *MonitorHandle) terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// silenced reports whether notifications for the handle are dropped.
func (h *MonitorHandle) silenced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done || h.stopping
}

// Terminate stops notifications for the tag. It is a no-op when the handle
// was already terminated or the client has disconnected since. The handle
// stays registered until the server confirms the item is deleted, so a
// failed Terminate can be retried and a later Disconnect still releases it.
func (h *MonitorHandle) Terminate(ctx context.Context) error {
	c := h.client

	c.mu.RLock()
	live := c.state == StateConnected && c.monitors[h.clientHandle] == h
	sub := c.sub
	c.mu.RUnlock()

	h.mu.Lock()
	if !live {
		h.done = true
		h.mu.Unlock()
		return nil
	}
	if h.done || h.stopping {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	itemID := h.itemID
	h.mu.Unlock()

	resp, err := sub.Unmonitor(ctx, itemID)
	if err == nil && resp != nil && len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		err = resp.Results[0]
	}
	if err != nil {
		h.mu.Lock()
		h.stopping = false
		h.mu.Unlock()
		return fmt.Errorf("unmonitor %s: %w", h.tag.NodeID, err)
	}

	c.mu.Lock()
	if c.monitors[h.clientHandle] == h {
		delete(c.monitors, h.clientHandle)
	}
	c.mu.Unlock()

	h.mu.Lock()
	h.stopping = false
	h.done = true
	h.mu.Unlock()
	logging.DebugLog("opcua/monitor", "UNMONITOR %s (item %d)", h.tag.NodeID, itemID)
	return nil
}

// MonitorTag registers a monitored item on the shared subscription. The
// callback runs on the client's dispatch goroutine once per reported change;
// notifications for one tag arrive in server order.
func (c *Client) MonitorTag(ctx context.Context, tag Tag, callback func(value interface{})) (*MonitorHandle, error) {
	if _, err := c.active("monitorTag"); err != nil {
		return nil, err
	}
	if callback == nil {
		return nil, fmt.Errorf("monitor %s: nil callback", tag.NodeID)
	}
	nodeID, err := parseNodeID(tag)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.sub == nil {
		c.mu.Unlock()
		return nil, notConnected("monitorTag")
	}
	c.nextHandle++
	h := &MonitorHandle{
		client:       c,
		tag:          tag,
		clientHandle: c.nextHandle,
		callback:     callback,
	}
	// Registered before the request so early notifications are not lost.
	c.monitors[h.clientHandle] = h
	sub := c.sub
	c.mu.Unlock()

	req := &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     h.clientHandle,
			SamplingInterval: c.cfg.SamplingInterval,
			QueueSize:        c.cfg.QueueSize,
			DiscardOldest:    !c.cfg.DiscardNewest,
		},
	}

	resp, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err == nil && (resp == nil || len(resp.Results) == 0) {
		err = fmt.Errorf("monitor %s: empty response", tag.NodeID)
	}
	if err == nil && resp.Results[0].StatusCode != ua.StatusOK {
		err = fmt.Errorf("monitor %s: %w", tag.NodeID, resp.Results[0].StatusCode)
	}
	if err != nil {
		c.mu.Lock()
		if c.monitors[h.clientHandle] == h {
			delete(c.monitors, h.clientHandle)
		}
		c.mu.Unlock()
		return nil, err
	}

	h.mu.Lock()
	h.itemID = resp.Results[0].MonitoredItemID
	h.mu.Unlock()

	logging.DebugLog("opcua/monitor", "MONITOR %s (handle %d, item %d)", tag.NodeID, h.clientHandle, h.itemID)
	return h, nil
}

// MonitorCount returns the number of outstanding monitor handles.
func (c *Client) MonitorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.monitors)
}
