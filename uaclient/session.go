package uaclient

import (
	"context"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// Session is the subset of an OPC UA session the client orchestrates.
// *opcua.Client satisfies it through gopcuaSession.
type Session interface {
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
	BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error)
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (Subscription, error)
	Close(ctx context.Context) error
}

// Subscription is a server-side subscription holding monitored items.
// *opcua.Subscription satisfies it directly.
type Subscription interface {
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Unmonitor(ctx context.Context, monitoredItemIDs ...uint32) (*ua.DeleteMonitoredItemsResponse, error)
	Cancel(ctx context.Context) error
}

// DialConfig carries what a Dialer needs besides the endpoint.
type DialConfig struct {
	Name        string
	Config      Config
	Credentials Credentials
}

// Dialer opens a transport connection and session to endpoint.
type Dialer func(ctx context.Context, endpoint string, dc DialConfig) (Session, error)

// DialGopcua is the default Dialer backed by github.com/gopcua/opcua. The
// channel security is negotiated against the server's endpoint list.
func DialGopcua(ctx context.Context, endpoint string, dc DialConfig) (Session, error) {
	sec, err := resolveSecurity(ctx, endpoint, dc.Config, dc.Credentials)
	if err != nil {
		return nil, err
	}
	opts := append(sessionOptions(dc), sec.options()...)

	c, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, permanent(err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return &gopcuaSession{client: c}, nil
}

// sessionOptions returns the options that do not depend on the endpoint.
// Authentication must precede SecurityFromEndpoint so the policy id lands on
// the chosen token.
func sessionOptions(dc DialConfig) []opcua.Option {
	opts := []opcua.Option{
		opcua.ApplicationName(dc.Name),
		opcua.SessionName(dc.Name),
		opcua.RequestTimeout(dc.Config.RequestTimeout),
		opcua.AutoReconnect(false),
	}
	if dc.Credentials.Username != "" {
		opts = append(opts, opcua.AuthUsername(dc.Credentials.Username, dc.Credentials.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

type gopcuaSession struct {
	client *opcua.Client
}

func (s *gopcuaSession) Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	return s.client.Browse(ctx, req)
}

func (s *gopcuaSession) BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
	return s.client.BrowseNext(ctx, req)
}

func (s *gopcuaSession) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	return s.client.Read(ctx, req)
}

func (s *gopcuaSession) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	return s.client.Write(ctx, req)
}

func (s *gopcuaSession) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (Subscription, error) {
	sub, err := s.client.Subscribe(ctx, params, notifyCh)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *gopcuaSession) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
