package s2s

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteQueue is the Queue implementation backed by database/sql and
// github.com/mattn/go-sqlite3. Each OpenSQLiteQueue call opens its own
// *sql.DB, and SetMaxOpenConns(1) below limits that handle to a single
// connection; separate opens of the same dsn do not share a handle.
type SQLiteQueue struct {
	db                   *sql.DB
	maxQueuedPacketCount int
	maxQueuedPacketSize  int64
	logger               *Logger
}

var _ Queue = (*SQLiteQueue)(nil)

// OpenSQLiteQueue opens (creating if necessary) the SQLite file at dsn,
// applies the schema, and resets any in-flight transactionId left over from
// an unclean shutdown. dsn may be ":memory:" for tests.
func OpenSQLiteQueue(dsn string, maxQueuedPacketCount int, maxQueuedPacketSize int64, logger *Logger) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapError(ErrKindDatabase, err, "opening sqlite queue at "+dsn)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, wrapError(ErrKindDatabase, err, "applying queue schema")
	}
	if _, err := db.Exec(resetInFlightSQL); err != nil {
		db.Close()
		return nil, wrapError(ErrKindDatabase, err, "resetting in-flight transaction ids")
	}

	return &SQLiteQueue{
		db:                   db,
		maxQueuedPacketCount: maxQueuedPacketCount,
		maxQueuedPacketSize:  maxQueuedPacketSize,
		logger:               logger,
	}, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Insert is InsertMany with a single entity, matching §4.6's combined
// insert/insertMany description.
func (q *SQLiteQueue) Insert(ctx context.Context, entity QueuedPacketEntity) error {
	return q.InsertMany(ctx, []QueuedPacketEntity{entity})
}

// InsertMany writes as many entities as fit under maxQueuedPacketCount and
// maxQueuedPacketSize, in order, committing the prefix that fits and
// reporting "queue full" for the remainder — the partial-commit semantics
// §4.6 and testable-property boundary behaviors call for.
func (q *SQLiteQueue) InsertMany(ctx context.Context, entities []QueuedPacketEntity) error {
	if len(entities) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError(ErrKindDatabaseTransaction, err, "beginning insert transaction")
	}
	defer tx.Rollback()

	count, sumSize, err := q.countAndSizeTx(ctx, tx)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO queued_packets
		(attributes_blob, content_blob, estimated_size, created_at_millis, expires_at_millis, priority, transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`)
	if err != nil {
		return wrapError(ErrKindDatabaseWrite, err, "preparing insert statement")
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entities {
		if q.maxQueuedPacketCount > 0 && count+int64(inserted)+1 > int64(q.maxQueuedPacketCount) {
			break
		}
		if q.maxQueuedPacketSize > 0 && sumSize+e.EstimatedSize > q.maxQueuedPacketSize {
			break
		}
		if _, err := stmt.ExecContext(ctx, e.AttributesBlob, e.ContentBlob, e.EstimatedSize, e.CreatedAtMillis, e.ExpiresAtMillis, e.Priority); err != nil {
			return wrapError(ErrKindDatabaseWrite, err, "inserting queued packet")
		}
		sumSize += e.EstimatedSize
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return wrapError(ErrKindDatabaseTransaction, err, "committing insert transaction")
	}

	if inserted < len(entities) {
		return newError(ErrKindDatabaseWrite, "queue full")
	}
	return nil
}

func (q *SQLiteQueue) countAndSizeTx(ctx context.Context, tx *sql.Tx) (int64, int64, error) {
	var count int64
	var sumSize sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(estimated_size), 0) FROM queued_packets`)
	if err := row.Scan(&count, &sumSize); err != nil {
		return 0, 0, wrapError(ErrKindDatabaseRead, err, "reading queue count/size")
	}
	return count, sumSize.Int64, nil
}

// CreateBatch atomically reserves up to countLimit rows (0 = unbounded)
// whose running estimated_size stays within byteLimit (0 = unbounded),
// ordered by (priority, created_at_millis, packet_id) ascending among free
// rows, guaranteeing at least one row when any free row exists.
func (q *SQLiteQueue) CreateBatch(ctx context.Context, txID string, countLimit int, byteLimit int64) ([]QueuedPacketEntity, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError(ErrKindDatabaseTransaction, err, "beginning batch transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT packet_id, attributes_blob, content_blob, estimated_size, created_at_millis, expires_at_millis, priority
		FROM queued_packets WHERE transaction_id IS NULL
		ORDER BY priority ASC, created_at_millis ASC, packet_id ASC`)
	if err != nil {
		return nil, wrapError(ErrKindDatabaseRead, err, "selecting free rows")
	}

	var candidates []QueuedPacketEntity
	var runningSize int64
	for rows.Next() {
		var e QueuedPacketEntity
		if err := rows.Scan(&e.PacketID, &e.AttributesBlob, &e.ContentBlob, &e.EstimatedSize, &e.CreatedAtMillis, &e.ExpiresAtMillis, &e.Priority); err != nil {
			rows.Close()
			return nil, wrapError(ErrKindDatabaseRead, err, "scanning free row")
		}
		if countLimit > 0 && len(candidates) >= countLimit {
			break
		}
		if byteLimit > 0 && len(candidates) > 0 && runningSize+e.EstimatedSize > byteLimit {
			break
		}
		candidates = append(candidates, e)
		runningSize += e.EstimatedSize
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapError(ErrKindDatabaseRead, err, "iterating free rows")
	}
	rows.Close()

	if len(candidates) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, wrapError(ErrKindDatabaseTransaction, err, "committing empty batch")
		}
		return nil, nil
	}

	ids := make([]any, len(candidates))
	placeholders := ""
	for i, e := range candidates {
		ids[i] = e.PacketID
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	args := append([]any{txID}, ids...)
	if _, err := tx.ExecContext(ctx, `UPDATE queued_packets SET transaction_id = ? WHERE packet_id IN (`+placeholders+`)`, args...); err != nil {
		return nil, wrapError(ErrKindDatabaseWrite, err, "reserving batch rows")
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapError(ErrKindDatabaseTransaction, err, "committing batch reservation")
	}

	for i := range candidates {
		candidates[i].TransactionID = txID
	}
	return candidates, nil
}

// GetPackets returns txID's reserved rows, ordered the same way CreateBatch
// selected them.
func (q *SQLiteQueue) GetPackets(ctx context.Context, txID string) ([]QueuedPacketEntity, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT packet_id, attributes_blob, content_blob, estimated_size, created_at_millis, expires_at_millis, priority, transaction_id
		FROM queued_packets WHERE transaction_id = ?
		ORDER BY priority ASC, created_at_millis ASC, packet_id ASC`, txID)
	if err != nil {
		return nil, wrapError(ErrKindDatabaseRead, err, "selecting batch rows")
	}
	defer rows.Close()

	var out []QueuedPacketEntity
	for rows.Next() {
		var e QueuedPacketEntity
		var gotTxID sql.NullString
		if err := rows.Scan(&e.PacketID, &e.AttributesBlob, &e.ContentBlob, &e.EstimatedSize, &e.CreatedAtMillis, &e.ExpiresAtMillis, &e.Priority, &gotTxID); err != nil {
			return nil, wrapError(ErrKindDatabaseRead, err, "scanning batch row")
		}
		e.TransactionID = gotTxID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete drops every row reserved under txID, on successful commit.
func (q *SQLiteQueue) Delete(ctx context.Context, txID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queued_packets WHERE transaction_id = ?`, txID); err != nil {
		return wrapError(ErrKindDatabaseWrite, err, "deleting committed batch")
	}
	return nil
}

// MarkForRetry reopens txID's rows for future batches, preserving their
// priority position per the at-least-once retry invariant.
func (q *SQLiteQueue) MarkForRetry(ctx context.Context, txID string) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE queued_packets SET transaction_id = NULL WHERE transaction_id = ?`, txID); err != nil {
		return wrapError(ErrKindDatabaseWrite, err, "marking batch for retry")
	}
	return nil
}

// AgeOffExpired deletes rows whose expiry has passed, returning the number
// removed.
func (q *SQLiteQueue) AgeOffExpired(ctx context.Context, nowMillis int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_packets WHERE expires_at_millis <= ?`, nowMillis)
	if err != nil {
		return 0, wrapError(ErrKindDatabaseWrite, err, "aging off expired packets")
	}
	return res.RowsAffected()
}

// TruncateMaxRows keeps the k priority-minimal rows and deletes the rest,
// returning the number removed.
func (q *SQLiteQueue) TruncateMaxRows(ctx context.Context, k int) (int64, error) {
	if k < 0 {
		return 0, errors.New("k must be >= 0")
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_packets WHERE packet_id NOT IN (
		SELECT packet_id FROM queued_packets ORDER BY priority ASC, created_at_millis ASC, packet_id ASC LIMIT ?
	)`, k)
	if err != nil {
		return 0, wrapError(ErrKindDatabaseWrite, err, "truncating to max rows")
	}
	return res.RowsAffected()
}

// TruncateMaxBytes keeps the priority-minimal prefix whose summed
// estimated_size stays within b, deleting the remainder.
func (q *SQLiteQueue) TruncateMaxBytes(ctx context.Context, b int64) (int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT packet_id, estimated_size FROM queued_packets
		ORDER BY priority ASC, created_at_millis ASC, packet_id ASC`)
	if err != nil {
		return 0, wrapError(ErrKindDatabaseRead, err, "selecting rows for byte truncation")
	}

	var keep []int64
	var running int64
	for rows.Next() {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			rows.Close()
			return 0, wrapError(ErrKindDatabaseRead, err, "scanning row for byte truncation")
		}
		if running+size > b {
			break
		}
		keep = append(keep, id)
		running += size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, wrapError(ErrKindDatabaseRead, err, "iterating rows for byte truncation")
	}
	rows.Close()

	if len(keep) == 0 {
		res, err := q.db.ExecContext(ctx, `DELETE FROM queued_packets`)
		if err != nil {
			return 0, wrapError(ErrKindDatabaseWrite, err, "truncating all rows")
		}
		return res.RowsAffected()
	}

	placeholders := ""
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_packets WHERE packet_id NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, wrapError(ErrKindDatabaseWrite, err, "truncating to max bytes")
	}
	return res.RowsAffected()
}

func (q *SQLiteQueue) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_packets`).Scan(&count); err != nil {
		return 0, wrapError(ErrKindDatabaseRead, err, "counting queue rows")
	}
	return count, nil
}

func (q *SQLiteQueue) SumSize(ctx context.Context) (int64, error) {
	var sum sql.NullInt64
	if err := q.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(estimated_size), 0) FROM queued_packets`).Scan(&sum); err != nil {
		return 0, wrapError(ErrKindDatabaseRead, err, "summing queue row sizes")
	}
	return sum.Int64, nil
}

func (q *SQLiteQueue) AverageSize(ctx context.Context) (float64, error) {
	count, err := q.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	sum, err := q.SumSize(ctx)
	if err != nil {
		return 0, err
	}
	return float64(sum) / float64(count), nil
}
