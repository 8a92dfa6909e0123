package s2s

import (
	"sync"
	"time"
)

// Transaction is the common abstract contract shared by the HTTP and TCP
// socket variants (§4.4/§4.5): both drive the same state machine, differing
// only in wire I/O. Per the design note, neither variant inherits from an
// abstract base class — each composes a TransactionCore value and
// implements this interface directly.
type Transaction interface {
	// SendData appends one packet to the transaction's outbound batch. The
	// HTTP variant only buffers it in the encoder; the TCP variant writes
	// the CONTINUE_TRANSACTION marker and the packet frame to the socket.
	SendData(p *DataPacket) error

	// ConfirmAndComplete sends the buffered batch, verifies the server's
	// CRC32 against the local one, and on success commits the
	// transaction. On CRC mismatch or I/O failure the transaction
	// transitions to TransactionError and a best-effort cancel is issued.
	ConfirmAndComplete() (*TransactionResult, error)

	// Cancel aborts a non-terminal transaction.
	Cancel(reason string) error

	State() TransactionState
	Peer() *Peer
}

// TransactionCore is the shared value composed into both transaction
// variants: the state machine, the packet encoder, and the peer the
// transaction is running against.
type TransactionCore struct {
	mu    sync.Mutex
	state TransactionState
	enc   *Encoder
	peer  *Peer

	logger *Logger

	keepaliveStop chan struct{}
	keepaliveDone chan struct{}
}

func newTransactionCore(peer *Peer, logger *Logger) *TransactionCore {
	return &TransactionCore{
		state:  TransactionStarted,
		enc:    NewEncoder(),
		peer:   peer,
		logger: logger,
	}
}

// State returns the transaction's current state.
func (c *TransactionCore) State() TransactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the peer this transaction is running against.
func (c *TransactionCore) Peer() *Peer {
	return c.peer
}

// transition moves the state machine to next, returning an error if the
// transaction is already terminal (§3: "Once terminal, the transaction
// object is immutable; further operations fail with an error").
func (c *TransactionCore) transition(next TransactionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() {
		return newError(ErrKindSiteToSiteTransaction, "transaction is already terminal ("+c.state.String()+")")
	}
	c.state = next
	return nil
}

// startKeepalive launches a ticking goroutine that calls extend every
// interval while the transaction remains non-terminal, per §4.4's TTL
// renewal requirement and §5's "every blocking call carries a timeout"
// cancellation expectations. Failure of extend marks the transaction
// TransactionError.
func (c *TransactionCore) startKeepalive(interval time.Duration, extend func() error) {
	if interval <= 0 {
		return
	}
	c.keepaliveStop = make(chan struct{})
	c.keepaliveDone = make(chan struct{})

	go func() {
		defer close(c.keepaliveDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.keepaliveStop:
				return
			case <-ticker.C:
				if c.State().IsTerminal() {
					return
				}
				if err := extend(); err != nil {
					c.logger.Errorf("keepalive failed: %v", err)
					_ = c.transition(TransactionError)
					return
				}
			}
		}
	}()
}

// stopKeepalive stops the keepalive goroutine, if running, and waits for it
// to exit.
func (c *TransactionCore) stopKeepalive() {
	if c.keepaliveStop == nil {
		return
	}
	close(c.keepaliveStop)
	<-c.keepaliveDone
	c.keepaliveStop = nil
	c.keepaliveDone = nil
}
