package s2s

import "time"

// TransportProtocol selects which transaction engine variant a
// RemoteClusterConfig uses.
type TransportProtocol int

const (
	TransportHTTP TransportProtocol = iota
	TransportTCPSocket
)

// ProxyConfig describes an optional HTTP(S) proxy used to reach a remote
// cluster, mirroring the iOS client's NiFiProxyConfig (see
// original_source/nifi-ios-s2s/s2s/NiFiSiteToSiteConfig.h).
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// NewProxyConfig builds a ProxyConfig for url with no credentials, matching
// the convenience constructor NiFiProxyConfig exposes
// (+proxyConfigWithUrl:).
func NewProxyConfig(url string) *ProxyConfig {
	return &ProxyConfig{URL: url}
}

// RemoteClusterConfig describes one remote NiFi cluster: its bootstrap
// URLs, transport, credentials and TLS settings.
type RemoteClusterConfig struct {
	// URLs are tried in order by the peer registry's refresh() until one
	// responds.
	URLs []string

	Transport TransportProtocol

	Username string
	Password string

	TLS   *TLSConfig
	Proxy *ProxyConfig
}

// ClientConfig is the full configuration surface recognized by a
// QueuedSiteToSiteClient (§6).
type ClientConfig struct {
	RemoteClusters []RemoteClusterConfig

	// PortName / PortID identify the target input port; at least one is
	// required, and PortID wins when both are set.
	PortName string
	PortID   string

	Timeout time.Duration

	// PeerUpdateInterval <= 0 disables periodic peer refresh; only the
	// initial refresh is then performed.
	PeerUpdateInterval time.Duration

	MaxQueuedPacketCount int
	MaxQueuedPacketSize  int64

	PreferredBatchCount int
	PreferredBatchSize  int64

	Prioritizer Prioritizer
}

// DefaultClientConfig returns a ClientConfig populated with the defaults
// named in §6, analogous to the teacher's DefaultTCPTransporterConfig().
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:              30 * time.Second,
		PeerUpdateInterval:   0,
		MaxQueuedPacketCount: 10_000,
		MaxQueuedPacketSize:  100 * 1024 * 1024,
		PreferredBatchCount:  100,
		PreferredBatchSize:   1024 * 1024,
		Prioritizer:          DefaultPrioritizer{},
	}
}

// PeerCooldown is the duration a peer is excluded from selection after a
// failure, per §4.3.
const PeerCooldown = 30 * time.Second
