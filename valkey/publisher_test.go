package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"opclink/config"
)

// fakeRedis keeps keys in memory, records publishes and serves BLPOP from
// a channel.
type fakeRedis struct {
	pingErr error

	mu        sync.Mutex
	keys      map[string]string
	ttls      map[string]time.Duration
	published map[string][]string
	closed    bool

	queue     chan string
	responses chan string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		keys:      make(map[string]string),
		ttls:      make(map[string]time.Duration),
		published: make(map[string][]string),
		queue:     make(chan string, 10),
		responses: make(chan string, 10),
	}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	msg := string(message.([]byte))
	f.mu.Lock()
	f.published[channel] = append(f.published[channel], msg)
	f.mu.Unlock()
	if channel == "plant:write:responses" {
		f.responses <- msg
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	select {
	case v := <-f.queue:
		return redis.NewStringSliceResult([]string{keys[0], v}, nil)
	case <-time.After(timeout):
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRedis) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	return v, ok
}

func (f *fakeRedis) publishedOn(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[channel]...)
}

func useFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	fr := newFakeRedis()
	origClient, origTimeout := newClient, blpopTimeout
	newClient = func(opts *redis.Options) redisClient { return fr }
	blpopTimeout = 20 * time.Millisecond
	t.Cleanup(func() {
		newClient = origClient
		blpopTimeout = origTimeout
	})
	return fr
}

func startPublisher(t *testing.T, cfg *config.ValkeyConfig) (*Publisher, *fakeRedis) {
	t.Helper()
	fr := useFakeRedis(t)
	pub := NewPublisher(cfg, "plant")
	if err := pub.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { pub.Stop() })
	return pub, fr
}

func TestAddress(t *testing.T) {
	tests := []struct {
		useTLS bool
		want   string
	}{
		{false, "redis://localhost:6379"},
		{true, "rediss://localhost:6379"},
	}
	for _, tt := range tests {
		pub := NewPublisher(&config.ValkeyConfig{Address: "localhost:6379", UseTLS: tt.useTLS}, "plant")
		if got := pub.Address(); got != tt.want {
			t.Errorf("Address() = %q, want %q", got, tt.want)
		}
	}
}

func TestStartPingFailure(t *testing.T) {
	fr := useFakeRedis(t)
	cause := errors.New("connection refused")
	fr.pingErr = cause

	pub := NewPublisher(&config.ValkeyConfig{Name: "v", Address: "localhost:6379"}, "plant")
	err := pub.Start()
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped ping error, got %v", err)
	}
	if pub.IsRunning() {
		t.Error("publisher should not run after a failed ping")
	}
	if !fr.closed {
		t.Error("client should be closed after a failed ping")
	}
}

func TestPublishStoresValue(t *testing.T) {
	pub, fr := startPublisher(t, &config.ValkeyConfig{Name: "v", KeyTTL: time.Minute})

	if err := pub.Publish("kep", "Speed", "ns=2;s=Speed", "Double", 12.5, true); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	raw, ok := fr.get("plant:kep:tags:Speed")
	if !ok {
		t.Fatalf("tag key not set; keys: %v", fr.keys)
	}
	var msg TagMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Namespace != "plant" || msg.Server != "kep" || msg.Tag != "Speed" || msg.NodeID != "ns=2;s=Speed" {
		t.Errorf("unexpected message identity: %+v", msg)
	}
	if msg.Value != 12.5 || msg.Type != "Double" || !msg.Writable {
		t.Errorf("unexpected message payload: %+v", msg)
	}
	if fr.ttls["plant:kep:tags:Speed"] != time.Minute {
		t.Errorf("TTL = %v", fr.ttls["plant:kep:tags:Speed"])
	}
	if len(fr.publishedOn("plant:kep:changes")) != 0 {
		t.Error("changes should not be published unless enabled")
	}
}

func TestPublishChanges(t *testing.T) {
	pub, fr := startPublisher(t, &config.ValkeyConfig{Name: "v", Selector: "line1", PublishChanges: true})

	if err := pub.Publish("kep", "Speed", "", "Double", 1.0, false); err != nil {
		t.Fatal(err)
	}
	if len(fr.publishedOn("plant:line1:kep:changes")) != 1 {
		t.Error("expected a server change announcement")
	}
	if len(fr.publishedOn("plant:line1:_all:changes")) != 1 {
		t.Error("expected an all-changes announcement")
	}
}

func TestPublishStatus(t *testing.T) {
	pub, fr := startPublisher(t, &config.ValkeyConfig{Name: "v"})

	if err := pub.PublishStatus("kep", "Connected", ""); err != nil {
		t.Fatal(err)
	}
	raw, ok := fr.get("plant:kep:status")
	if !ok {
		t.Fatal("status key not set")
	}
	var msg StatusMessage
	json.Unmarshal([]byte(raw), &msg)
	if !msg.Online || msg.Status != "Connected" {
		t.Errorf("unexpected status: %+v", msg)
	}
}

func TestPublishWhenStopped(t *testing.T) {
	pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "plant")
	if err := pub.Publish("kep", "Speed", "", "", 1, false); err != nil {
		t.Errorf("stopped publisher should ignore publishes, got %v", err)
	}
	if err := pub.Stop(); err != nil {
		t.Errorf("Stop on a stopped publisher: %v", err)
	}
}

func TestWriteback(t *testing.T) {
	tests := []struct {
		name      string
		request   string
		writable  bool
		handleErr error
		wantError string
	}{
		{"success", `{"server":"kep","tag":"Speed","value":42}`, true, nil, ""},
		{"handler error", `{"server":"kep","tag":"Speed","value":42}`, true, errors.New("Bad_OutOfRange"), "Bad_OutOfRange"},
		{"not writable", `{"server":"kep","tag":"Speed","value":42}`, false, nil, "tag is not writable"},
		{"missing server", `{"tag":"Speed","value":42}`, true, nil, "server and tag are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, fr := startPublisher(t, &config.ValkeyConfig{Name: "v", EnableWriteback: true})
			pub.SetWriteValidator(func(server, tag string) bool { return tt.writable })
			pub.SetWriteHandler(func(server, tag string, value interface{}) error {
				if server != "kep" || tag != "Speed" || value != json.Number("42") {
					t.Errorf("handler got %s/%s = %v", server, tag, value)
				}
				return tt.handleErr
			})

			fr.queue <- tt.request

			var raw string
			select {
			case raw = <-fr.responses:
			case <-time.After(2 * time.Second):
				t.Fatal("no write response")
			}
			var resp WriteResponse
			if err := json.Unmarshal([]byte(raw), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Success != (tt.wantError == "") || resp.Error != tt.wantError {
				t.Errorf("response = %+v, want error %q", resp, tt.wantError)
			}
		})
	}
}

func TestWritebackSkipsInvalidJSON(t *testing.T) {
	pub, fr := startPublisher(t, &config.ValkeyConfig{Name: "v", EnableWriteback: true})
	pub.SetWriteHandler(func(server, tag string, value interface{}) error { return nil })

	fr.queue <- `{not json`
	fr.queue <- `{"server":"kep","tag":"Speed","value":1}`

	select {
	case raw := <-fr.responses:
		var resp WriteResponse
		json.Unmarshal([]byte(raw), &resp)
		if !resp.Success || resp.Tag != "Speed" {
			t.Errorf("unexpected response: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener stalled after invalid request")
	}
}

func TestOnConnectCallback(t *testing.T) {
	useFakeRedis(t)
	pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "plant")
	called := make(chan struct{}, 1)
	pub.SetOnConnectCallback(func() { called <- struct{}{} })

	if err := pub.Start(); err != nil {
		t.Fatal(err)
	}
	defer pub.Stop()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("on-connect callback not run")
	}
}

func TestManager(t *testing.T) {
	fr := useFakeRedis(t)
	m := NewManager()
	m.LoadFromConfig([]config.ValkeyConfig{
		{Name: "a", Enabled: true},
		{Name: "b", Enabled: false},
	}, "plant")
	m.SetWriteValidator(func(server, tag string) bool { return true })

	if n := m.StartAll(); n != 1 {
		t.Errorf("StartAll started %d, want 1", n)
	}
	defer m.StopAll()
	if !m.AnyRunning() || m.Get("b").IsRunning() {
		t.Error("only enabled publishers should start")
	}

	m.Publish("kep", "Speed", "", "Double", 3.0, false)
	if _, ok := fr.get("plant:kep:tags:Speed"); !ok {
		t.Error("manager publish did not reach the running publisher")
	}
	m.PublishStatus("kep", "Error", "timeout")
	if _, ok := fr.get("plant:kep:status"); !ok {
		t.Error("manager status did not reach the running publisher")
	}

	added := m.Add(&config.ValkeyConfig{Name: "c"}, "plant")
	if len(m.List()) != 3 || m.Get("c") != added {
		t.Error("Add should register the publisher")
	}
	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove should succeed once")
	}
	if m.AnyRunning() {
		t.Error("removed publisher should be stopped")
	}
}

func TestDecodeWriteRequestKeepsIntegers(t *testing.T) {
	var req WriteRequest
	if err := decodeWriteRequest(`{"server":"kep","tag":"Counter","value":9007199254740993}`, &req); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if req.Value != json.Number("9007199254740993") {
		t.Errorf("value = %v (%T), want exact json.Number", req.Value, req.Value)
	}
	if err := decodeWriteRequest(`{bad`, &req); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
