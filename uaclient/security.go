package uaclient

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/gopcua/opcua/uatest"

	"opclink/logging"
)

// getEndpoints is replaced in tests.
var getEndpoints = opcua.GetEndpoints

// configError marks a dial failure that retrying cannot fix.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

func isPermanent(err error) bool {
	var ce *configError
	return errors.As(err, &ce)
}

// channelSecurity is the negotiated security of one connection.
type channelSecurity struct {
	endpoint *ua.EndpointDescription
	authType ua.UserTokenType

	// Either the configured files or an in-memory key pair; both empty for
	// security mode None.
	certFile string
	keyFile  string
	key      *rsa.PrivateKey
	cert     []byte
}

func (s *channelSecurity) options() []opcua.Option {
	var opts []opcua.Option
	switch {
	case s.certFile != "":
		opts = append(opts, opcua.CertificateFile(s.certFile), opcua.PrivateKeyFile(s.keyFile))
	case s.key != nil:
		opts = append(opts, opcua.Certificate(s.cert), opcua.PrivateKey(s.key))
	}
	return append(opts, opcua.SecurityFromEndpoint(s.endpoint, s.authType))
}

// resolveSecurity fetches the server's endpoints, picks the one matching the
// configured policy and mode, and supplies the client key pair it requires.
func resolveSecurity(ctx context.Context, endpoint string, cfg Config, creds Credentials) (*channelSecurity, error) {
	policy, mode := cfg.SecurityPolicy, ua.MessageSecurityModeFromString(cfg.SecurityMode)
	if mode == ua.MessageSecurityModeInvalid {
		return nil, permanent(fmt.Errorf("invalid security mode %q", cfg.SecurityMode))
	}
	if mode == ua.MessageSecurityModeNone {
		policy = "None"
	}

	eps, err := getEndpoints(ctx, endpoint, opcua.RequestTimeout(cfg.RequestTimeout))
	if err != nil {
		return nil, fmt.Errorf("get endpoints: %w", err)
	}
	ep := opcua.SelectEndpoint(append([]*ua.EndpointDescription(nil), eps...), policy, mode)
	if ep == nil {
		return nil, permanent(fmt.Errorf("server offers no endpoint with policy %s and mode %s", policy, cfg.SecurityMode))
	}
	logging.DebugLog("opcua", "ENDPOINT %s: %s %v (level %d)", endpoint, ep.SecurityPolicyURI, ep.SecurityMode, ep.SecurityLevel)

	sec := &channelSecurity{endpoint: ep, authType: ua.UserTokenTypeAnonymous}
	if creds.Username != "" {
		sec.authType = ua.UserTokenTypeUserName
	}
	if ep.SecurityMode == ua.MessageSecurityModeNone {
		return sec, nil
	}

	if len(ep.ServerCertificate) == 0 {
		return nil, permanent(fmt.Errorf("endpoint %s carries no server certificate", ep.EndpointURL))
	}
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		sec.certFile, sec.keyFile = cfg.CertFile, cfg.KeyFile
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, permanent(errors.New("cert_file and key_file must be set together"))
	default:
		key, cert, err := ephemeralCertificate()
		if err != nil {
			return nil, permanent(err)
		}
		sec.key, sec.cert = key, cert
	}
	return sec, nil
}

var ephemeral struct {
	sync.Mutex
	key  *rsa.PrivateKey
	cert []byte
}

// ephemeralCertificate returns a self-signed application instance
// certificate generated once per process.
func ephemeralCertificate() (*rsa.PrivateKey, []byte, error) {
	ephemeral.Lock()
	defer ephemeral.Unlock()
	if ephemeral.key != nil {
		return ephemeral.key, ephemeral.cert, nil
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	appURI := applicationURI(host)
	certPEM, keyPEM, err := uatest.GenerateCert(appURI, 2048, 365*24*time.Hour)
	if err != nil {
		return nil, nil, fmt.Errorf("generate client certificate: %w", err)
	}
	key, cert, err := parseKeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, err
	}
	logging.DebugLog("opcua", "generated ephemeral client certificate for %s", appURI)
	ephemeral.key, ephemeral.cert = key, cert
	return key, cert, nil
}

// applicationURI is the application URI presented by clients on host. It is
// the first URI SAN of the certificate, where gopcua reads it from.
func applicationURI(host string) string {
	return "urn:" + host + ":opclink:client"
}

// parseKeyPair returns the RSA key and DER certificate of a PEM pair.
func parseKeyPair(certPEM, keyPEM []byte) (*rsa.PrivateKey, []byte, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("client key pair: %w", err)
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("client key pair: %T is not an RSA key", pair.PrivateKey)
	}
	return key, pair.Certificate[0], nil
}
