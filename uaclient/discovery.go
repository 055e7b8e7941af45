package uaclient

import (
	"context"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"opclink/logging"
)

// ServerInfo describes a server registered with a discovery endpoint.
type ServerInfo struct {
	Name           string   `json:"name"`
	ApplicationURI string   `json:"application_uri,omitempty"`
	URLs           []string `json:"urls"`
}

// findServers is a package-level var to allow test injection.
var findServers = func(ctx context.Context, endpoint string) ([]*ua.ApplicationDescription, error) {
	return opcua.FindServers(ctx, endpoint)
}

// DiscoverServers queries a discovery endpoint and returns the registered
// servers, leaving out pure clients. No connection is required.
func DiscoverServers(ctx context.Context, discoveryURL string) ([]ServerInfo, error) {
	endpoint := NormalizeEndpoint(discoveryURL)
	logging.DebugLog("opcua/discovery", "DISCOVER %s", endpoint)

	apps, err := findServers(ctx, endpoint)
	if err != nil {
		logging.DebugError("opcua/discovery", "discover "+endpoint, err)
		return nil, &Error{Kind: KindDiscovery, Op: "discoverServers", Err: err}
	}

	servers := make([]ServerInfo, 0, len(apps))
	for _, app := range apps {
		if app == nil {
			continue
		}
		if app.ApplicationType != ua.ApplicationTypeServer && app.ApplicationType != ua.ApplicationTypeClientAndServer {
			continue
		}
		info := ServerInfo{
			ApplicationURI: app.ApplicationURI,
			URLs:           append([]string(nil), app.DiscoveryURLs...),
		}
		if app.ApplicationName != nil {
			info.Name = app.ApplicationName.Text
		}
		servers = append(servers, info)
	}
	logging.DebugLog("opcua/discovery", "DISCOVER %s: %d servers", endpoint, len(servers))
	return servers, nil
}
