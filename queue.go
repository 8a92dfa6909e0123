package s2s

import "context"

// schemaSQL creates the durable queue's single table (§4.6) plus the three
// indexes the coordinator's access patterns need: priority order for batch
// selection, transaction lookup for commit/retry, and expiry for age-off.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS queued_packets (
	packet_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	attributes_blob    BLOB NOT NULL,
	content_blob       BLOB NOT NULL,
	estimated_size     INTEGER NOT NULL,
	created_at_millis  INTEGER NOT NULL,
	expires_at_millis  INTEGER NOT NULL,
	priority           INTEGER NOT NULL,
	transaction_id     TEXT
);

CREATE INDEX IF NOT EXISTS idx_queued_packets_priority
	ON queued_packets (priority, created_at_millis, packet_id);

CREATE INDEX IF NOT EXISTS idx_queued_packets_transaction
	ON queued_packets (transaction_id);

CREATE INDEX IF NOT EXISTS idx_queued_packets_expires
	ON queued_packets (expires_at_millis);
`

// resetInFlightSQL clears every transactionId on open, per §4.6's "on
// startup, all transactionId values are reset to null" invariant: a crash
// mid-transaction must not strand rows out of circulation.
const resetInFlightSQL = `UPDATE queued_packets SET transaction_id = NULL WHERE transaction_id IS NOT NULL`

// Queue is the durable send queue described in §4.6. PacketIDs are assigned
// by storage; a zero-valued TransactionID field on a row means it is free
// for the next createBatch.
type Queue interface {
	Insert(ctx context.Context, entity QueuedPacketEntity) error
	InsertMany(ctx context.Context, entities []QueuedPacketEntity) error

	CreateBatch(ctx context.Context, txID string, countLimit int, byteLimit int64) ([]QueuedPacketEntity, error)
	GetPackets(ctx context.Context, txID string) ([]QueuedPacketEntity, error)
	Delete(ctx context.Context, txID string) error
	MarkForRetry(ctx context.Context, txID string) error

	AgeOffExpired(ctx context.Context, nowMillis int64) (int64, error)
	TruncateMaxRows(ctx context.Context, k int) (int64, error)
	TruncateMaxBytes(ctx context.Context, b int64) (int64, error)

	Count(ctx context.Context) (int64, error)
	SumSize(ctx context.Context) (int64, error)
	AverageSize(ctx context.Context) (float64, error)

	Close() error
}
