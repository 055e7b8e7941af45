package uaclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// fakeServer is an in-memory stand-in for an OPC UA session.
type fakeServer struct {
	mu sync.Mutex

	refs  map[string][]*ua.ReferenceDescription // node id -> children
	attrs map[string]map[ua.AttributeID]interface{}

	browseErr error
	closeErr  error

	// pageSize > 0 splits references into pages joined by continuation
	// points. The next* fields fail BrowseNext calls that fetch a page.
	pageSize   int
	cursors    map[string]browseCursor
	cpSeq      int
	nextErr    error
	nextStatus ua.StatusCode
	nextEmpty  bool
	nextCalls  int
	released   []string

	calls    int64
	writes   []*ua.WriteValue
	notifyCh chan<- *opcua.PublishNotificationData
	sub      *fakeSubscription
	params   *opcua.SubscriptionParameters
	closed   bool
}

type browseCursor struct {
	node   string
	offset int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		refs:    make(map[string][]*ua.ReferenceDescription),
		attrs:   make(map[string]map[ua.AttributeID]interface{}),
		cursors: make(map[string]browseCursor),
	}
}

func (f *fakeServer) callCount() int64 {
	return atomic.LoadInt64(&f.calls)
}

func (f *fakeServer) addRef(parent string, nodeID *ua.NodeID, name string, class ua.NodeClass) {
	f.refs[parent] = append(f.refs[parent], &ua.ReferenceDescription{
		NodeID:      &ua.ExpandedNodeID{NodeID: nodeID},
		BrowseName:  &ua.QualifiedName{NamespaceIndex: nodeID.Namespace(), Name: name},
		DisplayName: &ua.LocalizedText{Text: name},
		NodeClass:   class,
		IsForward:   true,
	})
}

func (f *fakeServer) setAttr(nodeID string, attr ua.AttributeID, v interface{}) {
	if f.attrs[nodeID] == nil {
		f.attrs[nodeID] = make(map[ua.AttributeID]interface{})
	}
	f.attrs[nodeID][attr] = v
}

func (f *fakeServer) Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.browseErr != nil {
		return nil, f.browseErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.BrowseResponse{}
	for _, d := range req.NodesToBrowse {
		resp.Results = append(resp.Results, f.page(d.NodeID.String(), 0))
	}
	return resp, nil
}

// page returns the references of node starting at offset, with a
// continuation point when more remain. Callers hold f.mu.
func (f *fakeServer) page(node string, offset int) *ua.BrowseResult {
	all := f.refs[node]
	if f.pageSize <= 0 || len(all)-offset <= f.pageSize {
		return &ua.BrowseResult{StatusCode: ua.StatusOK, References: all[offset:]}
	}
	end := offset + f.pageSize
	f.cpSeq++
	cp := fmt.Sprintf("cp-%d", f.cpSeq)
	f.cursors[cp] = browseCursor{node: node, offset: end}
	return &ua.BrowseResult{
		StatusCode:        ua.StatusOK,
		References:        all[offset:end],
		ContinuationPoint: []byte(cp),
	}
}

func (f *fakeServer) BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &ua.BrowseNextResponse{}
	if req.ReleaseContinuationPoints {
		for _, cp := range req.ContinuationPoints {
			f.released = append(f.released, string(cp))
			delete(f.cursors, string(cp))
			resp.Results = append(resp.Results, &ua.BrowseResult{StatusCode: ua.StatusOK})
		}
		return resp, nil
	}

	f.nextCalls++
	switch {
	case f.nextErr != nil:
		return nil, f.nextErr
	case f.nextEmpty:
		return resp, nil
	case f.nextStatus != ua.StatusOK:
		resp.Results = append(resp.Results, &ua.BrowseResult{StatusCode: f.nextStatus})
		return resp, nil
	}
	for _, cp := range req.ContinuationPoints {
		cur, ok := f.cursors[string(cp)]
		if !ok {
			resp.Results = append(resp.Results, &ua.BrowseResult{StatusCode: ua.StatusBadContinuationPointInvalid})
			continue
		}
		delete(f.cursors, string(cp))
		resp.Results = append(resp.Results, f.page(cur.node, cur.offset))
	}
	return resp, nil
}

// pending returns the continuation points the server still holds.
func (f *fakeServer) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cursors)
}

func (f *fakeServer) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.ReadResponse{}
	for _, rv := range req.NodesToRead {
		v, ok := f.attrs[rv.NodeID.String()][rv.AttributeID]
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

func (f *fakeServer) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.WriteResponse{}
	for _, wv := range req.NodesToWrite {
		f.writes = append(f.writes, wv)
		resp.Results = append(resp.Results, ua.StatusOK)
	}
	return resp, nil
}

func (f *fakeServer) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (Subscription, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCh = notifyCh
	f.params = params
	f.sub = &fakeSubscription{items: make(map[uint32]uint32)}
	return f.sub, nil
}

func (f *fakeServer) Close(ctx context.Context) error {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

// notify simulates a server-side data change for a client handle.
func (f *fakeServer) notify(clientHandle uint32, value interface{}) {
	f.mu.Lock()
	ch := f.notifyCh
	f.mu.Unlock()
	ch <- &opcua.PublishNotificationData{
		Value: &ua.DataChangeNotification{
			MonitoredItems: []*ua.MonitoredItemNotification{
				{
					ClientHandle: clientHandle,
					Value: &ua.DataValue{
						EncodingMask: ua.DataValueValue,
						Value:        ua.MustVariant(value),
					},
				},
			},
		},
	}
}

type fakeSubscription struct {
	mu           sync.Mutex
	nextID       uint32
	items        map[uint32]uint32 // item id -> client handle
	requests     []*ua.MonitoredItemCreateRequest
	unmonitorErr error
	cancelled    bool
}

func (s *fakeSubscription) Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &ua.CreateMonitoredItemsResponse{}
	for _, item := range items {
		s.nextID++
		s.items[s.nextID] = item.RequestedParameters.ClientHandle
		s.requests = append(s.requests, item)
		resp.Results = append(resp.Results, &ua.MonitoredItemCreateResult{
			StatusCode:      ua.StatusOK,
			MonitoredItemID: s.nextID,
		})
	}
	return resp, nil
}

func (s *fakeSubscription) Unmonitor(ctx context.Context, ids ...uint32) (*ua.DeleteMonitoredItemsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unmonitorErr != nil {
		return nil, s.unmonitorErr
	}
	resp := &ua.DeleteMonitoredItemsResponse{}
	for _, id := range ids {
		if _, ok := s.items[id]; !ok {
			resp.Results = append(resp.Results, ua.StatusBadMonitoredItemIDInvalid)
			continue
		}
		delete(s.items, id)
		resp.Results = append(resp.Results, ua.StatusOK)
	}
	return resp, nil
}

func (s *fakeSubscription) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeSubscription) failUnmonitor(err error) {
	s.mu.Lock()
	s.unmonitorErr = err
	s.mu.Unlock()
}

func (s *fakeSubscription) itemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// fakeDialer returns a Dialer that hands out srv and records endpoints.
type fakeDialer struct {
	mu        sync.Mutex
	srv       *fakeServer
	endpoints []string
	failures  int   // number of leading dial attempts that fail
	failErr   error // returned by failing attempts, errDialRefused if nil
	configs   []DialConfig
}

var errDialRefused = errors.New("connection refused")

func (d *fakeDialer) dial(ctx context.Context, endpoint string, dc DialConfig) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = append(d.endpoints, endpoint)
	d.configs = append(d.configs, dc)
	if d.failures > 0 {
		d.failures--
		if d.failErr != nil {
			return nil, d.failErr
		}
		return nil, errDialRefused
	}
	return d.srv, nil
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}
