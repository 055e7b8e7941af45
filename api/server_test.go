package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"opclink/config"
	"opclink/tagman"
	"opclink/uaclient"
)

// fakeBackend serves one server "kep" with two tags; Speed is writable.
type fakeBackend struct {
	mu          sync.Mutex
	connected   bool
	writes      map[string]interface{}
	browsed     bool
	discoverURL string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{writes: make(map[string]interface{})}
}

func (f *fakeBackend) info() tagman.ServerInfo {
	status := "Disconnected"
	if f.connected {
		status = "Connected"
	}
	return tagman.ServerInfo{Name: "kep", Endpoint: "opc.tcp://plc:4840", Enabled: f.connected, Status: status, Tags: 2}
}

func (f *fakeBackend) check(name string) error {
	if name != "kep" {
		return fmt.Errorf("%w: %s", tagman.ErrServerNotFound, name)
	}
	return nil
}

func (f *fakeBackend) Servers() []tagman.ServerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []tagman.ServerInfo{f.info()}
}

func (f *fakeBackend) ServerInfo(name string) (tagman.ServerInfo, error) {
	if err := f.check(name); err != nil {
		return tagman.ServerInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info(), nil
}

func (f *fakeBackend) Connect(ctx context.Context, name string) error {
	if err := f.check(name); err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Disconnect(name string) error {
	if err := f.check(name); err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Tags(ctx context.Context, name string) ([]uaclient.Tag, error) {
	if err := f.check(name); err != nil {
		return nil, err
	}
	return []uaclient.Tag{
		{NodeID: "ns=2;s=Line1/Speed", Name: "Speed"},
		{NodeID: "ns=2;s=Line1/Temp", Name: "Temp"},
	}, nil
}

func (f *fakeBackend) Browse(ctx context.Context, name string) ([]uaclient.Tag, error) {
	f.mu.Lock()
	f.browsed = true
	f.mu.Unlock()
	return f.Tags(ctx, name)
}

func (f *fakeBackend) Read(ctx context.Context, server, nodeID string) (tagman.ValueChange, error) {
	if err := f.check(server); err != nil {
		return tagman.ValueChange{}, err
	}
	if !f.connected {
		return tagman.ValueChange{}, &uaclient.Error{Kind: uaclient.KindNotConnected, Op: "readTag"}
	}
	return tagman.ValueChange{
		Server:    server,
		Tag:       "Speed",
		NodeID:    nodeID,
		Value:     12.5,
		Type:      "Double",
		Writable:  true,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func (f *fakeBackend) Permissions(ctx context.Context, server, nodeID string) (uaclient.Permissions, error) {
	if err := f.check(server); err != nil {
		return uaclient.Permissions{}, err
	}
	return uaclient.DecodeAccessLevel(uaclient.AccessLevelRead), nil
}

func (f *fakeBackend) WriteByName(ctx context.Context, server, tag string, value interface{}) error {
	if err := f.check(server); err != nil {
		return err
	}
	if tag != "Speed" {
		return fmt.Errorf("%w: %s/%s", tagman.ErrNotWritable, server, tag)
	}
	f.mu.Lock()
	f.writes[tag] = value
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Discover(ctx context.Context, url string) ([]uaclient.ServerInfo, error) {
	f.mu.Lock()
	f.discoverURL = url
	f.mu.Unlock()
	return []uaclient.ServerInfo{{Name: "KEPServerEX", URLs: []string{"opc.tcp://plc:49320"}}}, nil
}

func newTestServer(t *testing.T, users ...config.WebUser) (*Server, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	cfg := &config.WebConfig{Host: "127.0.0.1", Port: 0, SessionSecret: config.NewSessionSecret(), Users: users}
	return NewServer(backend, cfg), backend
}

func testUser(t *testing.T, name, password, role string) config.WebUser {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return config.WebUser{Username: name, PasswordHash: string(hash), Role: role}
}

func do(t *testing.T, srv *Server, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, fn := range mutate {
		fn(req)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, "not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Error("Content-Type should be application/json")
	}
	var result map[string]string
	decode(t, rec, &result)
	if result["error"] != "not found" {
		t.Errorf("expected error 'not found', got %s", result["error"])
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", tagman.ErrServerNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", tagman.ErrNotWritable), http.StatusForbidden},
		{&uaclient.Error{Kind: uaclient.KindNotConnected, Op: "readTag"}, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("Bad_TypeMismatch"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCorsPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodOptions, "/kep/write", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 for OPTIONS, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin header")
	}
}

func TestListAndDetails(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d", rec.Code)
	}
	var servers []tagman.ServerInfo
	decode(t, rec, &servers)
	if len(servers) != 1 || servers[0].Name != "kep" {
		t.Errorf("unexpected servers: %+v", servers)
	}

	rec = do(t, srv, http.MethodGet, "/kep", "")
	var info tagman.ServerInfo
	decode(t, rec, &info)
	if rec.Code != http.StatusOK || info.Endpoint != "opc.tcp://plc:4840" {
		t.Errorf("GET /kep = %d %+v", rec.Code, info)
	}

	if rec := do(t, srv, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown server = %d, want 404", rec.Code)
	}
}

func TestConnectDisconnect(t *testing.T) {
	srv, backend := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/kep/connect", "")
	var info tagman.ServerInfo
	decode(t, rec, &info)
	if rec.Code != http.StatusOK || info.Status != "Connected" || !backend.connected {
		t.Errorf("connect = %d %+v", rec.Code, info)
	}

	rec = do(t, srv, http.MethodPost, "/kep/disconnect", "")
	decode(t, rec, &info)
	if rec.Code != http.StatusOK || info.Status != "Disconnected" {
		t.Errorf("disconnect = %d %+v", rec.Code, info)
	}

	if rec := do(t, srv, http.MethodPost, "/nope/connect", ""); rec.Code != http.StatusNotFound {
		t.Errorf("connect unknown = %d, want 404", rec.Code)
	}
}

func TestTags(t *testing.T) {
	srv, backend := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/kep/tags", "")
	var tags []uaclient.Tag
	decode(t, rec, &tags)
	if len(tags) != 2 || tags[0].Name != "Speed" {
		t.Errorf("unexpected tags: %+v", tags)
	}
	if backend.browsed {
		t.Error("plain listing should not browse")
	}

	do(t, srv, http.MethodGet, "/kep/tags?refresh=true", "")
	if !backend.browsed {
		t.Error("refresh should browse")
	}
}

func TestReadTag(t *testing.T) {
	srv, backend := newTestServer(t)

	path := "/kep/tags/ns=2;s=Line1%2FSpeed"
	if rec := do(t, srv, http.MethodGet, path, ""); rec.Code != http.StatusConflict {
		t.Errorf("read while disconnected = %d, want 409", rec.Code)
	}

	backend.Connect(context.Background(), "kep")
	rec := do(t, srv, http.MethodGet, path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read = %d: %s", rec.Code, rec.Body.String())
	}
	var tag TagResponse
	decode(t, rec, &tag)
	if tag.NodeID != "ns=2;s=Line1/Speed" || tag.Value != 12.5 || tag.Type != "Double" || !tag.Writable {
		t.Errorf("unexpected tag: %+v", tag)
	}
	if tag.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("timestamp = %q", tag.Timestamp)
	}
}

func TestPermissions(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/kep/tags/ns=2;s=Line1/Temp/permissions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("permissions = %d", rec.Code)
	}
	var perms PermissionsResponse
	decode(t, rec, &perms)
	if perms.NodeID != "ns=2;s=Line1/Temp" || !perms.CanRead || perms.CanWrite {
		t.Errorf("unexpected permissions: %+v", perms)
	}
}

func TestWrite(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantOK     bool
	}{
		{"success", `{"tag":"Speed","value":42.5}`, http.StatusOK, true},
		{"not writable", `{"tag":"Temp","value":1}`, http.StatusForbidden, false},
		{"invalid json", `{bad`, http.StatusBadRequest, false},
		{"missing tag", `{"value":1}`, http.StatusBadRequest, false},
		{"missing value", `{"tag":"Speed"}`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, backend := newTestServer(t)
			rec := do(t, srv, http.MethodPost, "/kep/write", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusBadRequest {
				return
			}
			var resp WriteResponse
			decode(t, rec, &resp)
			if resp.Success != tt.wantOK {
				t.Errorf("unexpected response: %+v", resp)
			}
			if tt.wantOK && backend.writes["Speed"] != json.Number("42.5") {
				t.Errorf("backend writes = %v", backend.writes)
			}
		})
	}
}

func TestWriteKeepsIntegerPrecision(t *testing.T) {
	srv, backend := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/kep/write", `{"tag":"Speed","value":9223372036854775807}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := backend.writes["Speed"]; got != json.Number("9223372036854775807") {
		t.Errorf("backend received %v (%T), want the exact integer", got, got)
	}
	if !strings.Contains(rec.Body.String(), "9223372036854775807") {
		t.Errorf("response should echo the exact value: %s", rec.Body.String())
	}
}

func TestDiscover(t *testing.T) {
	srv, backend := newTestServer(t)

	if rec := do(t, srv, http.MethodGet, "/discover", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing url = %d, want 400", rec.Code)
	}

	rec := do(t, srv, http.MethodGet, "/discover?url=opc.tcp://plc:4840", "")
	var servers []uaclient.ServerInfo
	decode(t, rec, &servers)
	if len(servers) != 1 || servers[0].Name != "KEPServerEX" {
		t.Errorf("unexpected servers: %+v", servers)
	}
	if backend.discoverURL != "opc.tcp://plc:4840" {
		t.Errorf("discover url = %q", backend.discoverURL)
	}
}

func TestAuthBasic(t *testing.T) {
	srv, _ := newTestServer(t,
		testUser(t, "admin", "secret", config.RoleAdmin),
		testUser(t, "op", "viewer", config.RoleViewer),
	)

	rec := do(t, srv, http.MethodGet, "/", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	basic := func(user, pass string) func(*http.Request) {
		return func(r *http.Request) { r.SetBasicAuth(user, pass) }
	}

	if rec := do(t, srv, http.MethodGet, "/", "", basic("admin", "wrong")); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password = %d, want 401", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/", "", basic("op", "viewer")); rec.Code != http.StatusOK {
		t.Errorf("viewer read = %d, want 200", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/kep/connect", "", basic("op", "viewer")); rec.Code != http.StatusForbidden {
		t.Errorf("viewer connect = %d, want 403", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/kep/connect", "", basic("admin", "secret")); rec.Code != http.StatusOK {
		t.Errorf("admin connect = %d, want 200", rec.Code)
	}
}

func TestLoginSession(t *testing.T) {
	srv, _ := newTestServer(t, testUser(t, "admin", "secret", config.RoleAdmin))

	if rec := do(t, srv, http.MethodPost, "/login", `{"username":"admin","password":"nope"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login = %d, want 401", rec.Code)
	}

	rec := do(t, srv, http.MethodPost, "/login", `{"username":"admin","password":"secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no session cookie")
	}
	withCookies := func(r *http.Request) {
		for _, c := range cookies {
			r.AddCookie(c)
		}
	}

	if rec := do(t, srv, http.MethodGet, "/kep", "", withCookies); rec.Code != http.StatusOK {
		t.Errorf("session read = %d, want 200", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/kep/write", `{"tag":"Speed","value":1}`, withCookies); rec.Code != http.StatusOK {
		t.Errorf("session write = %d, want 200", rec.Code)
	}
}

func TestLoginWithoutUsers(t *testing.T) {
	srv, _ := newTestServer(t)
	if rec := do(t, srv, http.MethodPost, "/login", `{"username":"a","password":"b"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("login without users = %d, want 400", rec.Code)
	}
}

func TestStream(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream?server=kep"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var event struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&event); err != nil || event.Type != eventConnected {
		t.Fatalf("first event = %+v, %v", event, err)
	}
	if srv.StreamClients() != 1 {
		t.Errorf("StreamClients = %d", srv.StreamClients())
	}

	srv.BroadcastChanges([]tagman.ValueChange{
		{Server: "other", Tag: "X", Value: 1},
		{Server: "kep", Tag: "Speed", NodeID: "ns=2;s=Speed", Value: 7.0},
	})

	if err := conn.ReadJSON(&event); err != nil {
		t.Fatal(err)
	}
	var change tagman.ValueChange
	json.Unmarshal(event.Data, &change)
	if event.Type != eventValueChange || change.Server != "kep" || change.Tag != "Speed" {
		t.Errorf("unexpected event %s: %+v", event.Type, change)
	}

	srv.BroadcastStatus([]tagman.ServerInfo{{Name: "kep", Status: "Error"}})
	if err := conn.ReadJSON(&event); err != nil || event.Type != eventStatusChange {
		t.Errorf("expected status event, got %+v, %v", event, err)
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer(t)

	if srv.IsRunning() {
		t.Error("server should not be running initially")
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !srv.IsRunning() {
		t.Error("server should be running after Start")
	}
	if err := srv.Start(); err != nil {
		t.Errorf("second Start should not error: %v", err)
	}

	resp, err := http.Get(srv.Address() + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / = %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if srv.IsRunning() {
		t.Error("server should not be running after Stop")
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop should not error: %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	if !checkPassword("secret", hash) || checkPassword("other", hash) {
		t.Error("hash does not verify")
	}
}
