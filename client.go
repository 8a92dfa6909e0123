package s2s

import (
	"context"
	"io"
	"time"
)

// QueuedSiteToSiteClient is the composition root: it wires a ClientConfig's
// primary remote cluster to a durable Queue, a PeerRegistry and a
// Coordinator. It is deliberately not the "one-shot sendDataPacket(s)"
// façade the original exposes — out of scope per §1 — only enqueue() and
// the scheduler-driven process()/cleanup() pair.
type QueuedSiteToSiteClient struct {
	cfg         ClientConfig
	queue       Queue
	peers       *PeerRegistry
	coordinator *Coordinator
	logger      *Logger
}

// NewQueuedSiteToSiteClient resolves cfg's target port against its primary
// remote cluster (cfg.RemoteClusters[0]; any further entries are ignored,
// and no failover to them takes place), builds the matching
// transaction factory (HTTP or TCP per RemoteClusterConfig.Transport), and
// wires queue + peers + factory into a Coordinator.
func NewQueuedSiteToSiteClient(ctx context.Context, cfg ClientConfig, queue Queue, httpClient HTTPClient, logger *Logger) (*QueuedSiteToSiteClient, error) {
	if len(cfg.RemoteClusters) == 0 {
		return nil, newError(ErrKindSiteToSiteClient, "no remote clusters configured")
	}
	remote := cfg.RemoteClusters[0]

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultClientConfig().Timeout
	}

	peers := NewPeerRegistry(remote, httpClient, timeout, cfg.PeerUpdateInterval, logger)
	if err := peers.Refresh(ctx); err != nil {
		return nil, err
	}

	rest := NewRESTClient(remote.URLs[0], httpClient, remote, logger)
	portID, err := rest.ResolvePortID(ctx, cfg.PortID, cfg.PortName)
	if err != nil {
		return nil, err
	}

	var factory TransactionFactory
	switch remote.Transport {
	case TransportTCPSocket:
		factory = &tcpTransactionFactory{
			timeout:       timeout,
			tlsConfig:     remote.TLS,
			portID:        portID,
			requestExpiry: timeout,
			handshake: TCPHandshakeOptions{
				BatchCount: cfg.PreferredBatchCount,
				BatchSize:  cfg.PreferredBatchSize,
			},
			logger: logger,
		}
	default:
		factory = &httpTransactionFactory{rest: rest, portID: portID, logger: logger}
	}

	coordinator := NewCoordinator(queue, peers, factory, cfg, logger)

	return &QueuedSiteToSiteClient{
		cfg:         cfg,
		queue:       queue,
		peers:       peers,
		coordinator: coordinator,
		logger:      logger,
	}, nil
}

// Enqueue stores p durably, computing priority and expiry via cfg's
// Prioritizer (or DefaultPrioritizer when none was configured). No network
// I/O occurs here; delivery happens on the next Process call.
func (c *QueuedSiteToSiteClient) Enqueue(ctx context.Context, p *DataPacket) error {
	prioritizer := c.cfg.Prioritizer
	if prioritizer == nil {
		prioritizer = DefaultPrioritizer{}
	}

	attrs, err := EncodeAttributes(p.Attributes())
	if err != nil {
		return err
	}

	content, err := readAllContent(p)
	if err != nil {
		return wrapError(ErrKindSiteToSiteClient, err, "reading packet content for enqueue")
	}

	now := time.Now()
	entity := QueuedPacketEntity{
		AttributesBlob:  attrs,
		ContentBlob:     content,
		EstimatedSize:   int64(len(attrs)) + int64(len(content)),
		CreatedAtMillis: now.UnixMilli(),
		ExpiresAtMillis: now.Add(prioritizer.TTL(p)).UnixMilli(),
		Priority:        prioritizer.Priority(p),
	}
	return c.queue.Insert(ctx, entity)
}

// Process runs one coordinator iteration; see Coordinator.Process.
func (c *QueuedSiteToSiteClient) Process(ctx context.Context) (*TransactionResult, error) {
	return c.coordinator.Process(ctx)
}

// Cleanup runs age-off and truncation only; see Coordinator.Cleanup.
func (c *QueuedSiteToSiteClient) Cleanup(ctx context.Context) error {
	return c.coordinator.Cleanup(ctx)
}

// Close releases the underlying queue's resources.
func (c *QueuedSiteToSiteClient) Close() error {
	return c.queue.Close()
}

func readAllContent(p *DataPacket) ([]byte, error) {
	if p.DataLength() == 0 {
		return nil, nil
	}
	buf := make([]byte, p.DataLength())
	if _, err := io.ReadFull(p.Content(), buf); err != nil {
		return nil, err
	}
	return buf, nil
}
