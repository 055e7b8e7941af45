// Package uaclient provides an OPC UA client for tag discovery, typed
// read/write, and change subscriptions against an industrial automation
// server such as KEPServerEX.
package uaclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"opclink/logging"
)

// EndpointScheme is the OPC UA binary TCP scheme prefix.
const EndpointScheme = "opc.tcp://"

// State is the lifecycle state of a client connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnectFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnectFailed:
		return "DisconnectFailed"
	default:
		return "Unknown"
	}
}

// Credentials authenticate the session. An empty Username is anonymous.
type Credentials struct {
	Username string
	Password string
}

// Config holds connection, subscription and monitoring parameters.
// Zero values are replaced by the DefaultConfig values.
type Config struct {
	SecurityPolicy string // short name or URI, default Basic256Sha256
	SecurityMode   string // None, Sign, SignAndEncrypt
	CertFile       string
	KeyFile        string
	RequestTimeout time.Duration

	// Transport-level retry only; the session is never retried.
	// Negative disables retries.
	ConnectRetries int
	ConnectBackoff time.Duration

	PublishInterval            time.Duration
	KeepAliveCount             uint32
	LifetimeCount              uint32
	MaxNotificationsPerPublish uint32

	// SamplingInterval in milliseconds; -1 samples at the publish interval.
	SamplingInterval float64
	QueueSize        uint32
	DiscardNewest    bool // false drops the oldest queued sample on overflow
}

// DefaultConfig returns the parameters used against Kepware-family servers.
func DefaultConfig() Config {
	return Config{
		SecurityPolicy:             "Basic256Sha256",
		SecurityMode:               "SignAndEncrypt",
		RequestTimeout:             10 * time.Second,
		ConnectRetries:             1,
		ConnectBackoff:             time.Second,
		PublishInterval:            300 * time.Millisecond,
		KeepAliveCount:             10,
		LifetimeCount:              100,
		MaxNotificationsPerPublish: 500,
		SamplingInterval:           -1,
		QueueSize:                  10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = d.SecurityPolicy
	}
	if c.SecurityMode == "" {
		c.SecurityMode = d.SecurityMode
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = d.ConnectRetries
	} else if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = d.ConnectBackoff
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = d.PublishInterval
	}
	if c.KeepAliveCount == 0 {
		c.KeepAliveCount = d.KeepAliveCount
	}
	if c.LifetimeCount == 0 {
		c.LifetimeCount = d.LifetimeCount
	}
	if c.MaxNotificationsPerPublish == 0 {
		c.MaxNotificationsPerPublish = d.MaxNotificationsPerPublish
	}
	if c.SamplingInterval == 0 {
		c.SamplingInterval = d.SamplingInterval
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the gopcua dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// Client is a single logical link to an OPC UA server.
// Connect and Disconnect must be serialized by the owner; reads, writes and
// monitor calls may be issued concurrently while connected.
type Client struct {
	name string
	cfg  Config
	dial Dialer

	mu       sync.RWMutex
	state    State
	endpoint string
	session  Session
	sub      Subscription
	stop     chan struct{}

	monitors   map[uint32]*MonitorHandle
	nextHandle uint32
}

// NewClient creates an unconnected client presenting name to the server.
func NewClient(name string, cfg Config, opts ...Option) *Client {
	c := &Client{
		name:     name,
		cfg:      cfg.withDefaults(),
		dial:     DialGopcua,
		state:    StateDisconnected,
		monitors: make(map[uint32]*MonitorHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the client name presented to the server.
func (c *Client) Name() string {
	return c.name
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client has a live session.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Endpoint returns the normalized endpoint of the current or last connection.
func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// NormalizeEndpoint prepends the opc.tcp scheme when it is missing.
func NormalizeEndpoint(url string) string {
	url = strings.TrimSpace(url)
	if strings.HasPrefix(url, EndpointScheme) {
		return url
	}
	return EndpointScheme + url
}

// dialWithRetry dials the endpoint, retrying transport failures
// ConnectRetries times with a fixed backoff. Configuration errors are
// returned at once.
func (c *Client) dialWithRetry(ctx context.Context, endpoint string, creds Credentials) (Session, error) {
	dc := DialConfig{Name: c.name, Config: c.cfg, Credentials: creds}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(c.cfg.ConnectBackoff):
			}
			logging.DebugLog("opcua", "RETRY %s (attempt %d)", endpoint, attempt+1)
		}
		sess, err := c.dial(ctx, endpoint, dc)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if isPermanent(err) {
			break
		}
	}
	return nil, lastErr
}

// Connect opens a session to endpointURL and creates the shared
// subscription. A connected client is disconnected first.
func (c *Client) Connect(ctx context.Context, endpointURL string, creds Credentials) error {
	if c.IsConnected() {
		if err := c.Disconnect(ctx); err != nil {
			logging.DebugError("opcua", "reconnect", err)
		}
	}

	endpoint := NormalizeEndpoint(endpointURL)

	c.mu.Lock()
	c.state = StateConnecting
	c.endpoint = endpoint
	c.mu.Unlock()

	logging.DebugConnect("opcua", endpoint)

	sess, err := c.dialWithRetry(ctx, endpoint, creds)
	if err != nil {
		c.setState(StateDisconnected)
		logging.DebugConnectError("opcua", endpoint, err)
		return &Error{Kind: KindConnect, Op: "connect", Err: err}
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 256)
	params := &opcua.SubscriptionParameters{
		Interval:                   c.cfg.PublishInterval,
		MaxKeepAliveCount:          c.cfg.KeepAliveCount,
		LifetimeCount:              c.cfg.LifetimeCount,
		MaxNotificationsPerPublish: c.cfg.MaxNotificationsPerPublish,
	}
	sub, err := sess.Subscribe(ctx, params, notifyCh)
	if err != nil {
		if cerr := sess.Close(ctx); cerr != nil {
			logging.DebugError("opcua", "close after subscribe failure", cerr)
		}
		c.setState(StateDisconnected)
		logging.DebugConnectError("opcua", endpoint, err)
		return &Error{Kind: KindConnect, Op: "connect", Err: fmt.Errorf("create subscription: %w", err)}
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.session = sess
	c.sub = sub
	c.stop = stop
	c.state = StateConnected
	c.mu.Unlock()

	go c.dispatch(notifyCh, stop)

	logging.DebugConnectSuccess("opcua", endpoint, fmt.Sprintf("client=%s publish=%v", c.name, c.cfg.PublishInterval))
	return nil
}

// Disconnect terminates outstanding monitors, cancels the subscription and
// closes the session. It is a no-op when there is no session. The client
// reaches Disconnected only after the close is confirmed; a failed close
// leaves it in DisconnectFailed, unusable until the next Connect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil
	}
	sess, sub := c.session, c.sub
	handles := make([]*MonitorHandle, 0, len(c.monitors))
	for _, h := range c.monitors {
		handles = append(handles, h)
	}
	c.monitors = make(map[uint32]*MonitorHandle)
	c.session = nil
	c.sub = nil
	c.state = StateDisconnecting
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	endpoint := c.endpoint
	c.mu.Unlock()

	c.releaseMonitors(ctx, sub, handles)

	if err := sub.Cancel(ctx); err != nil {
		logging.DebugError("opcua", "cancel subscription", err)
	}

	if err := sess.Close(ctx); err != nil {
		c.setState(StateDisconnectFailed)
		logging.DebugError("opcua", "close session", err)
		return &Error{Kind: KindDisconnect, Op: "disconnect", Err: err}
	}

	c.setState(StateDisconnected)
	logging.DebugDisconnect("opcua", endpoint, "closed by client")
	return nil
}

// releaseMonitors unregisters the given monitored items in one request.
func (c *Client) releaseMonitors(ctx context.Context, sub Subscription, handles []*MonitorHandle) {
	if len(handles) == 0 {
		return
	}
	ids := make([]uint32, 0, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		h.done = true
		if h.itemID != 0 {
			ids = append(ids, h.itemID)
		}
		h.mu.Unlock()
	}
	if len(ids) == 0 {
		return
	}
	if _, err := sub.Unmonitor(ctx, ids...); err != nil {
		logging.DebugError("opcua", "unmonitor on disconnect", err)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// active returns the live session or a not-connected error for op.
func (c *Client) active(op string) (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected || c.session == nil {
		return nil, notConnected(op)
	}
	return c.session, nil
}

// dispatch delivers data-change notifications to monitor callbacks. A single
// goroutine keeps per-item notifications in server order.
func (c *Client) dispatch(notifyCh <-chan *opcua.PublishNotificationData, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-notifyCh:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			if msg.Error != nil {
				logging.DebugError("opcua", "publish", msg.Error)
				continue
			}
			switch v := msg.Value.(type) {
			case *ua.DataChangeNotification:
				for _, item := range v.MonitoredItems {
					c.deliver(item)
				}
			default:
				logging.DebugLog("opcua", "unhandled notification %T", msg.Value)
			}
		}
	}
}

func (c *Client) deliver(item *ua.MonitoredItemNotification) {
	if item == nil {
		return
	}
	c.mu.RLock()
	h := c.monitors[item.ClientHandle]
	c.mu.RUnlock()
	if h == nil || h.silenced() {
		return
	}
	var value interface{}
	if item.Value != nil && item.Value.Value != nil {
		value = item.Value.Value.Value()
	}
	h.callback(value)
}
