package tagman

import (
	"context"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"opclink/store"
	"opclink/uaclient"
)

// fakeSession serves a flat address space: every tag is a variable directly
// below the Objects folder.
type fakeSession struct {
	mu       sync.Mutex
	tags     []uaclient.Tag
	values   map[string]interface{}
	types    map[string]uint32
	writes   map[string]interface{}
	handles  map[string]uint32 // node id -> client handle
	notifyCh chan<- *opcua.PublishNotificationData
	nextItem uint32
	closed   bool
}

func newFakeSession(tags ...uaclient.Tag) *fakeSession {
	return &fakeSession{
		tags:    tags,
		values:  map[string]interface{}{"i=2259": int32(0)},
		types:   make(map[string]uint32),
		writes:  make(map[string]interface{}),
		handles: make(map[string]uint32),
	}
}

func (f *fakeSession) Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.BrowseResponse{}
	for _, d := range req.NodesToBrowse {
		result := &ua.BrowseResult{StatusCode: ua.StatusOK}
		if d.NodeID.String() == uaclient.RootFolder.String() {
			for _, t := range f.tags {
				nid := ua.MustParseNodeID(t.NodeID)
				result.References = append(result.References, &ua.ReferenceDescription{
					NodeID:      &ua.ExpandedNodeID{NodeID: nid},
					BrowseName:  &ua.QualifiedName{NamespaceIndex: nid.Namespace(), Name: t.Name},
					DisplayName: &ua.LocalizedText{Text: t.Name},
					NodeClass:   ua.NodeClassVariable,
				})
			}
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}

func (f *fakeSession) BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
	return &ua.BrowseNextResponse{}, nil
}

func (f *fakeSession) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.ReadResponse{}
	for _, rv := range req.NodesToRead {
		key := rv.NodeID.String()
		var v interface{}
		var ok bool
		switch rv.AttributeID {
		case ua.AttributeIDValue:
			v, ok = f.values[key]
		case ua.AttributeIDDataType:
			var t uint32
			t, ok = f.types[key]
			v = ua.NewNumericNodeID(0, t)
		case ua.AttributeIDAccessLevel:
			v, ok = byte(3), true
		}
		if !ok {
			resp.Results = append(resp.Results, &ua.DataValue{Status: ua.StatusBadNodeIDUnknown})
			continue
		}
		resp.Results = append(resp.Results, &ua.DataValue{
			EncodingMask: ua.DataValueValue,
			Value:        ua.MustVariant(v),
			Status:       ua.StatusOK,
		})
	}
	return resp, nil
}

func (f *fakeSession) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.WriteResponse{}
	for _, wv := range req.NodesToWrite {
		f.writes[wv.NodeID.String()] = wv.Value.Value.Value()
		resp.Results = append(resp.Results, ua.StatusOK)
	}
	return resp, nil
}

func (f *fakeSession) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (uaclient.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCh = notifyCh
	return &fakeSub{f: f}, nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) written(nodeID string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.writes[nodeID]
	return v, ok
}

func (f *fakeSession) monitored(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handles[nodeID]
	return ok
}

// notify reports a value change for a monitored node.
func (f *fakeSession) notify(nodeID string, value interface{}) {
	f.mu.Lock()
	handle := f.handles[nodeID]
	ch := f.notifyCh
	f.mu.Unlock()
	ch <- &opcua.PublishNotificationData{
		Value: &ua.DataChangeNotification{
			MonitoredItems: []*ua.MonitoredItemNotification{{
				ClientHandle: handle,
				Value:        &ua.DataValue{EncodingMask: ua.DataValueValue, Value: ua.MustVariant(value)},
			}},
		},
	}
}

type fakeSub struct {
	f *fakeSession
}

func (s *fakeSub) Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	resp := &ua.CreateMonitoredItemsResponse{}
	for _, item := range items {
		s.f.nextItem++
		s.f.handles[item.ItemToMonitor.NodeID.String()] = item.RequestedParameters.ClientHandle
		resp.Results = append(resp.Results, &ua.MonitoredItemCreateResult{StatusCode: ua.StatusOK, MonitoredItemID: s.f.nextItem})
	}
	return resp, nil
}

func (s *fakeSub) Unmonitor(ctx context.Context, ids ...uint32) (*ua.DeleteMonitoredItemsResponse, error) {
	resp := &ua.DeleteMonitoredItemsResponse{}
	for range ids {
		resp.Results = append(resp.Results, ua.StatusOK)
	}
	return resp, nil
}

func (s *fakeSub) Cancel(ctx context.Context) error { return nil }

func dialerFor(sess *fakeSession) uaclient.Option {
	return uaclient.WithDialer(func(ctx context.Context, endpoint string, dc uaclient.DialConfig) (uaclient.Session, error) {
		return sess, nil
	})
}

// memCatalog is an in-memory Catalog.
type memCatalog struct {
	mu   sync.Mutex
	tags map[string][]uaclient.Tag
}

func newMemCatalog() *memCatalog {
	return &memCatalog{tags: make(map[string][]uaclient.Tag)}
}

func (c *memCatalog) ReplaceTags(ctx context.Context, server string, tags []uaclient.Tag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[server] = append([]uaclient.Tag(nil), tags...)
	return nil
}

func (c *memCatalog) Tags(ctx context.Context, server string) ([]store.CatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.CatalogEntry
	for _, t := range c.tags[server] {
		out = append(out, store.CatalogEntry{Tag: t})
	}
	return out, nil
}
