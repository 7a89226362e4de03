package deploy

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// daemonBaseURL is the URL prefix of an http(s) daemon. Unix sockets are
// addressed as http://localhost and dialled through the socket path.
func daemonBaseURL(daemon *types.DaemonConfig) string {
	if daemon.IsLocalSocket() {
		return "http://localhost"
	}
	protocol := daemon.Protocol
	if protocol == "" {
		protocol = types.ProtocolHTTP
	}
	return strings.TrimRight(string(protocol)+"://"+daemon.Host, "/")
}

// clientTLSOptions maps a daemon's deploy config onto TLS client options
func clientTLSOptions(s Settings, daemon *types.DaemonConfig, insecure bool) security.ClientTLSOptions {
	return security.ClientTLSOptions{
		CABundlePath:       s.CABundlePath,
		CertPEM:            daemon.DeployConfig.SSLCert,
		KeyPEM:             daemon.DeployConfig.SSLKey,
		KeyPassword:        daemon.DeployConfig.SSLKeyPassword,
		InsecureSkipVerify: insecure,
	}
}

// newTransport builds the transport for one daemon: unix socket dialing or
// TLS verification against the CA bundle with an optional client cert
func newTransport(s Settings, daemon *types.DaemonConfig, insecure bool) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if daemon.IsLocalSocket() {
		socket := daemon.Host
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
		return transport, nil
	}

	if daemon.Protocol == types.ProtocolHTTPS {
		tlsConfig, err := security.NewClientTLSConfig(clientTLSOptions(s, daemon, insecure))
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return transport, nil
}

// newDaemonHTTPClient returns a client for JSON daemons (HaRP, AIO). Timeouts
// are applied per call through the request context.
func newDaemonHTTPClient(s Settings, daemon *types.DaemonConfig, insecure bool) (*http.Client, error) {
	transport, err := newTransport(s, daemon, insecure)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}
