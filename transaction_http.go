package s2s

import "context"

// HTTPTransaction drives one send transaction over the HTTP-framed
// transport (§4.4). It composes a TransactionCore rather than inheriting
// from it, per the design note that transaction variants share state but
// not a base class.
type HTTPTransaction struct {
	*TransactionCore

	ctx      context.Context
	rest     *RESTClient
	resource *TransactionResource
}

var _ Transaction = (*HTTPTransaction)(nil)

// NewHTTPTransaction creates a transaction: initiateSendTransactionToPortId
// is called immediately, and a TTL keepalive timer is started at
// serverSideTtl/2.
func NewHTTPTransaction(ctx context.Context, rest *RESTClient, portID string, peer *Peer, logger *Logger) (*HTTPTransaction, error) {
	resource, err := rest.InitiateSendTransactionToPortId(ctx, portID)
	if err != nil {
		return nil, wrapError(ErrKindCouldNotCreateTransaction, err, "creating HTTP transaction")
	}

	t := &HTTPTransaction{
		TransactionCore: newTransactionCore(peer, logger),
		ctx:             ctx,
		rest:            rest,
		resource:        resource,
	}
	t.startKeepalive(resource.ServerSideTTL/2, func() error {
		return rest.ExtendTTLForTransaction(ctx, resource.TransactionURL)
	})
	return t, nil
}

// Resource exposes the transaction's mutable HTTP resource handle.
func (t *HTTPTransaction) Resource() *TransactionResource {
	return t.resource
}

// SendData appends p to the encoder without performing network I/O,
// advancing TRANSACTION_STARTED -> DATA_EXCHANGED (or remaining there).
func (t *HTTPTransaction) SendData(p *DataPacket) error {
	if err := t.transition(DataExchanged); err != nil {
		return err
	}
	if err := t.enc.AppendDataPacket(p); err != nil {
		t.stopKeepalive()
		_ = t.transition(TransactionError)
		t.bestEffortCancel()
		return wrapError(ErrKindSiteToSiteTransaction, err, "encoding data packet")
	}
	t.resource.FlowFilesSent++
	return nil
}

// ConfirmAndComplete sends the buffered batch via sendFlowFiles, compares
// checksums, and on a match commits via endTransaction(CONFIRM). A CRC
// mismatch or I/O failure transitions to TransactionError and attempts a
// best-effort cancel.
func (t *HTTPTransaction) ConfirmAndComplete() (*TransactionResult, error) {
	serverCRC, err := t.rest.SendFlowFiles(t.ctx, t.resource.TransactionURL, t.enc.Reader())
	if err != nil {
		t.stopKeepalive()
		_ = t.transition(TransactionError)
		t.bestEffortCancel()
		return nil, err
	}

	localCRC := t.enc.EncodedDataCrcChecksum()
	if serverCRC != localCRC {
		t.stopKeepalive()
		_ = t.transition(TransactionError)
		t.bestEffortCancel()
		return nil, newError(ErrKindTransactionInvalidResponse, "CRC mismatch between client and server")
	}

	if err := t.transition(TransactionConfirmed); err != nil {
		t.stopKeepalive()
		return nil, err
	}

	result, err := t.rest.EndTransaction(t.ctx, t.resource.TransactionURL, RespConfirmTransaction, localCRC)
	t.stopKeepalive()
	if err != nil {
		_ = t.transition(TransactionError)
		t.bestEffortCancel()
		return nil, err
	}

	_ = t.transition(TransactionCompleted)
	return result, nil
}

// Cancel aborts the transaction via endTransaction(CANCEL) from any
// non-terminal state.
func (t *HTTPTransaction) Cancel(reason string) error {
	if err := t.transition(TransactionCanceled); err != nil {
		return err
	}
	t.stopKeepalive()
	_, err := t.rest.EndTransaction(t.ctx, t.resource.TransactionURL, RespCancelTransaction, 0)
	if err != nil {
		t.logger.Warnf("cancel of transaction %s reported: %v (reason: %s)", t.resource.TransactionID, err, reason)
	}
	return err
}

// bestEffortCancel issues endTransaction(CANCEL) and swallows its error,
// per §7: "the transaction engine ... attempts best-effort cancel".
func (t *HTTPTransaction) bestEffortCancel() {
	_, err := t.rest.EndTransaction(t.ctx, t.resource.TransactionURL, RespCancelTransaction, 0)
	if err != nil {
		t.logger.Warnf("best-effort cancel of transaction %s failed: %v", t.resource.TransactionID, err)
	}
}
