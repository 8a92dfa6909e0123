package s2s

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransactionFactory builds a Transaction against peer, hiding whether the
// remote cluster speaks HTTP (§4.4) or the TCP socket protocol (§4.5) from
// the coordinator.
type TransactionFactory interface {
	NewTransaction(ctx context.Context, peer *Peer) (Transaction, error)
}

// httpTransactionFactory builds HTTPTransactions against one remote
// cluster's REST surface.
type httpTransactionFactory struct {
	rest   *RESTClient
	portID string
	logger *Logger
}

func (f *httpTransactionFactory) NewTransaction(ctx context.Context, peer *Peer) (Transaction, error) {
	return NewHTTPTransaction(ctx, f.rest, f.portID, peer, f.logger)
}

// tcpTransactionFactory dials a fresh Transport per transaction and drives
// the §4.5 handshake over it.
type tcpTransactionFactory struct {
	timeout       time.Duration
	tlsConfig     *TLSConfig
	portID        string
	requestExpiry time.Duration
	handshake     TCPHandshakeOptions
	logger        *Logger
}

func (f *tcpTransactionFactory) NewTransaction(ctx context.Context, peer *Peer) (Transaction, error) {
	peerURL, err := url.Parse(peer.URL)
	if err != nil {
		return nil, wrapError(ErrKindCouldNotCreateTransaction, err, "parsing TCP peer URL "+peer.URL)
	}
	transport, err := DialTransport("tcp", peerURL.Host, f.timeout, f.tlsConfig, f.logger)
	if err != nil {
		return nil, wrapError(ErrKindCouldNotCreateTransaction, err, "dialing TCP peer "+peer.URL)
	}
	tx, err := NewTCPTransaction(transport, f.portID, f.requestExpiry, f.handshake, peer, f.logger)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Coordinator runs §4.7's process()/cleanup() loop: it drains at most one
// batch per Process call, constructing a transaction against a selected
// peer and committing or retrying the whole batch as a unit.
type Coordinator struct {
	mu        sync.Mutex
	queue     Queue
	peers     *PeerRegistry
	txFactory TransactionFactory
	logger    *Logger

	maxQueuedPacketCount int
	maxQueuedPacketSize  int64
	preferredBatchCount  int
	preferredBatchSize   int64
}

// NewCoordinator wires the queue, peer registry and transaction factory
// together per cfg's batching and capacity limits.
func NewCoordinator(queue Queue, peers *PeerRegistry, txFactory TransactionFactory, cfg ClientConfig, logger *Logger) *Coordinator {
	return &Coordinator{
		queue:                queue,
		peers:                peers,
		txFactory:            txFactory,
		logger:               logger,
		maxQueuedPacketCount: cfg.MaxQueuedPacketCount,
		maxQueuedPacketSize:  cfg.MaxQueuedPacketSize,
		preferredBatchCount:  cfg.PreferredBatchCount,
		preferredBatchSize:   cfg.PreferredBatchSize,
	}
}

// packetEntityAttributes decodes the JSON-encoded attribute map insert()
// stored alongside a queued packet.
func packetEntityAttributes(e QueuedPacketEntity) (map[string]string, error) {
	if len(e.AttributesBlob) == 0 {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal(e.AttributesBlob, &attrs); err != nil {
		return nil, wrapError(ErrKindDatabaseRead, err, "decoding queued packet attributes")
	}
	return attrs, nil
}

// EncodeAttributes is the inverse used by insert() to populate
// QueuedPacketEntity.AttributesBlob from a DataPacket's attribute map.
func EncodeAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	blob, err := json.Marshal(attrs)
	if err != nil {
		return nil, wrapError(ErrKindDatabaseWrite, err, "encoding packet attributes")
	}
	return blob, nil
}

// Process drains up to one batch, per §4.7. A nil result with a nil error
// means no free rows were available; the caller should try again later or
// simply not worry about it (parity with "no change" status).
func (c *Coordinator) Process(ctx context.Context) (*TransactionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if err := c.cleanupLocked(ctx, now); err != nil {
		c.logger.Warnf("cleanup before process failed: %v", err)
	}

	txID := uuid.New().String()
	rows, err := c.queue.CreateBatch(ctx, txID, c.preferredBatchCount, c.preferredBatchSize)
	if err != nil {
		return nil, wrapError(ErrKindDatabaseTransaction, err, "creating batch")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	if err := c.peers.EnsureFresh(ctx); err != nil {
		_ = c.queue.MarkForRetry(ctx, txID)
		return nil, err
	}
	peer, err := c.peers.Select(now)
	if err != nil {
		_ = c.queue.MarkForRetry(ctx, txID)
		return nil, err
	}

	tx, err := c.txFactory.NewTransaction(ctx, peer)
	if err != nil {
		_ = c.queue.MarkForRetry(ctx, txID)
		c.peers.MarkFailure(peer, now)
		return nil, err
	}

	for _, row := range rows {
		attrs, err := packetEntityAttributes(row)
		if err != nil {
			_ = tx.Cancel("decoding queued attributes failed")
			_ = c.queue.MarkForRetry(ctx, txID)
			c.peers.MarkFailure(peer, now)
			return nil, err
		}
		packet := NewDataPacket(attrs, row.ContentBlob)
		if err := tx.SendData(packet); err != nil {
			_ = c.queue.MarkForRetry(ctx, txID)
			c.peers.MarkFailure(peer, now)
			return nil, err
		}
	}

	result, err := tx.ConfirmAndComplete()
	if err != nil {
		_ = c.queue.MarkForRetry(ctx, txID)
		c.peers.MarkFailure(peer, now)
		return nil, err
	}

	if err := c.queue.Delete(ctx, txID); err != nil {
		c.logger.Warnf("deleting committed batch %s failed: %v", txID, err)
	}
	c.peers.ClearFailure(peer)
	return result, nil
}

// Cleanup performs age-off and truncation only, per §4.7's cleanup().
// The first error from age-off or truncation is returned to the caller and
// is not logged here; no distinction is made between a transient failure
// and an unusable queue.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(ctx, time.Now())
}

// cleanupLocked assumes c.mu is already held by the caller.
func (c *Coordinator) cleanupLocked(ctx context.Context, now time.Time) error {
	if _, err := c.queue.AgeOffExpired(ctx, now.UnixMilli()); err != nil {
		return wrapError(ErrKindDatabaseWrite, err, "aging off expired packets")
	}

	if c.maxQueuedPacketCount > 0 {
		count, err := c.queue.Count(ctx)
		if err != nil {
			return wrapError(ErrKindDatabaseRead, err, "reading queue count for truncation")
		}
		if count > int64(c.maxQueuedPacketCount) {
			if _, err := c.queue.TruncateMaxRows(ctx, c.maxQueuedPacketCount); err != nil {
				return wrapError(ErrKindDatabaseWrite, err, "truncating to max rows")
			}
		}
	}
	if c.maxQueuedPacketSize > 0 {
		sum, err := c.queue.SumSize(ctx)
		if err != nil {
			return wrapError(ErrKindDatabaseRead, err, "reading queue size for truncation")
		}
		if sum > c.maxQueuedPacketSize {
			if _, err := c.queue.TruncateMaxBytes(ctx, c.maxQueuedPacketSize); err != nil {
				return wrapError(ErrKindDatabaseWrite, err, "truncating to max bytes")
			}
		}
	}
	return nil
}
