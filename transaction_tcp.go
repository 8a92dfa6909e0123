package s2s

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	tcpProtocolVersion = uint32(5)

	magicNiFi = "NiFi"
)

// tcpMagic is the opening handshake byte sequence, 0x4E 0x69 0x46 0x69.
var tcpMagic = []byte(magicNiFi)

// handshakeProperty is one key/value pair sent during step 3 of §4.5.
type handshakeProperty struct {
	Key   string
	Value string
}

// TCPTransaction drives one send transaction over the length-prefixed TCP
// socket transport (§4.5). It composes the same TransactionCore as
// HTTPTransaction and implements the same Transaction interface; only the
// wire I/O differs.
type TCPTransaction struct {
	*TransactionCore

	transport Transport
	r         *bufio.Reader

	portID        string
	requestExpiry time.Duration
	batchCount    int
	batchSize     int64
	batchDuration time.Duration
}

var _ Transaction = (*TCPTransaction)(nil)

// TCPHandshakeOptions carries the optional batch hint properties §4.5 step 3
// allows a client to advertise.
type TCPHandshakeOptions struct {
	BatchCount    int
	BatchSize     int64
	BatchDuration time.Duration
}

// NewTCPTransaction performs the full §4.5 handshake over transport (magic,
// version negotiation, handshake properties) and returns a transaction
// ready for SendData. The keepalive timer is not used on this variant: TTL
// renewal is implicit in keeping the socket open, so startKeepalive is never
// called here.
func NewTCPTransaction(transport Transport, portID string, requestExpiry time.Duration, opts TCPHandshakeOptions, peer *Peer, logger *Logger) (*TCPTransaction, error) {
	t := &TCPTransaction{
		TransactionCore: newTransactionCore(peer, logger),
		transport:       transport,
		r:               bufio.NewReader(transport),
		portID:          portID,
		requestExpiry:   requestExpiry,
		batchCount:      opts.BatchCount,
		batchSize:       opts.BatchSize,
		batchDuration:   opts.BatchDuration,
	}

	if err := t.handshake(); err != nil {
		_ = t.transition(TransactionError)
		_ = t.transport.Close()
		return nil, err
	}
	return t, nil
}

func (t *TCPTransaction) handshake() error {
	if _, err := t.transport.Write(tcpMagic); err != nil {
		return wrapError(ErrKindTimeout, err, "writing TCP handshake magic")
	}

	if err := t.writeUint32(tcpProtocolVersion); err != nil {
		return wrapError(ErrKindTimeout, err, "writing protocol version")
	}

	code, err := t.readResponseCode()
	if err != nil {
		return err
	}
	switch code {
	case RespMoreData: // 20: accept
		// proceed
	case RespNoMoreData: // 21: server proposes a different version
		preferred, err := t.readUint32()
		if err != nil {
			return wrapError(ErrKindTimeout, err, "reading server-preferred protocol version")
		}
		if preferred > tcpProtocolVersion {
			return newError(ErrKindTransactionInvalidResponse, fmt.Sprintf("server requires protocol version %d, client supports up to %d", preferred, tcpProtocolVersion))
		}
		if err := t.writeUint32(preferred); err != nil {
			return wrapError(ErrKindTimeout, err, "re-sending accepted protocol version")
		}
		confirm, err := t.readResponseCode()
		if err != nil {
			return err
		}
		if confirm != RespMoreData {
			return newError(ErrKindTransactionInvalidResponse, "server rejected accepted protocol version "+strconv.FormatUint(uint64(preferred), 10))
		}
	default:
		return newError(ErrKindTransactionInvalidResponse, "unexpected response code during version negotiation: "+code.String())
	}

	props := t.handshakeProperties()
	if err := t.writeUint32(uint32(len(props))); err != nil {
		return wrapError(ErrKindTimeout, err, "writing handshake property count")
	}
	for _, p := range props {
		if err := t.writeString(p.Key); err != nil {
			return wrapError(ErrKindTimeout, err, "writing handshake property key "+p.Key)
		}
		if err := t.writeString(p.Value); err != nil {
			return wrapError(ErrKindTimeout, err, "writing handshake property value for "+p.Key)
		}
	}

	code, err = t.readResponseCode()
	if err != nil {
		return err
	}
	if code != RespPropertiesOK {
		return newError(ErrKindTransactionInvalidResponse, "handshake properties rejected: "+code.String())
	}
	return nil
}

func (t *TCPTransaction) handshakeProperties() []handshakeProperty {
	props := []handshakeProperty{
		{Key: "GZIP", Value: "false"},
		{Key: "PORT_IDENTIFIER", Value: t.portID},
		{Key: "REQUEST_EXPIRATION_MILLIS", Value: strconv.FormatInt(t.requestExpiry.Milliseconds(), 10)},
	}
	if t.batchCount > 0 {
		props = append(props, handshakeProperty{Key: "BATCH_COUNT", Value: strconv.Itoa(t.batchCount)})
	}
	if t.batchSize > 0 {
		props = append(props, handshakeProperty{Key: "BATCH_SIZE", Value: strconv.FormatInt(t.batchSize, 10)})
	}
	if t.batchDuration > 0 {
		props = append(props, handshakeProperty{Key: "BATCH_DURATION", Value: strconv.FormatInt(t.batchDuration.Milliseconds(), 10)})
	}
	return props
}

// SendData writes CONTINUE_TRANSACTION followed by the packet's §4.1 frame,
// advancing TRANSACTION_STARTED -> DATA_EXCHANGED.
func (t *TCPTransaction) SendData(p *DataPacket) error {
	if err := t.transition(DataExchanged); err != nil {
		return err
	}

	frame, err := encodePacketFrame(p)
	if err != nil {
		_, err := t.fail(wrapError(ErrKindSiteToSiteTransaction, err, "encoding data packet"))
		return err
	}

	marker := []byte{byte(RespContinueTransaction)}
	if _, werr := t.transport.Write(marker); werr != nil {
		_, err := t.fail(wrapError(ErrKindTimeout, werr, "writing CONTINUE_TRANSACTION marker"))
		return err
	}
	t.enc.AppendData(marker)

	if _, werr := t.transport.Write(frame); werr != nil {
		_, err := t.fail(wrapError(ErrKindTimeout, werr, "writing data packet frame"))
		return err
	}
	t.enc.AppendData(frame)

	return nil
}

// ConfirmAndComplete writes FINISH_TRANSACTION, reads the server's
// CONFIRM_TRANSACTION + CRC32, replies CONFIRM_TRANSACTION+"OK" on a match
// or BAD_CHECKSUM on a mismatch, and reads the completion response.
func (t *TCPTransaction) ConfirmAndComplete() (*TransactionResult, error) {
	start := time.Now()

	finish := []byte{byte(RespFinishTransaction)}
	if _, err := t.transport.Write(finish); err != nil {
		return t.fail(wrapError(ErrKindTimeout, err, "writing FINISH_TRANSACTION marker"))
	}
	t.enc.AppendData(finish)

	code, err := t.readResponseCode()
	if err != nil {
		return t.fail(err)
	}
	if code != RespConfirmTransaction {
		return t.fail(newError(ErrKindTransactionInvalidResponse, "expected CONFIRM_TRANSACTION, got "+code.String()))
	}

	crcLine, err := t.readString()
	if err != nil {
		return t.fail(wrapError(ErrKindTimeout, err, "reading server CRC32"))
	}
	serverCRC, err := strconv.ParseUint(strings.TrimSpace(crcLine), 10, 32)
	if err != nil {
		return t.fail(wrapError(ErrKindTransactionInvalidResponse, err, "parsing server CRC32 "+crcLine))
	}

	localCRC := t.enc.EncodedDataCrcChecksum()
	if uint32(serverCRC) != localCRC {
		if _, err := t.transport.Write([]byte{byte(RespBadChecksum)}); err != nil {
			t.logger.Warnf("writing BAD_CHECKSUM failed: %v", err)
		}
		return t.fail(newError(ErrKindTransactionInvalidResponse, "CRC mismatch between client and server"))
	}

	if err := t.transition(TransactionConfirmed); err != nil {
		return nil, err
	}
	if _, err := t.transport.Write([]byte{byte(RespConfirmTransaction)}); err != nil {
		return t.fail(wrapError(ErrKindTimeout, err, "writing CONFIRM_TRANSACTION acknowledgement"))
	}
	if err := t.writeString("OK"); err != nil {
		return t.fail(wrapError(ErrKindTimeout, err, "writing confirmation OK"))
	}

	code, err = t.readResponseCode()
	if err != nil {
		return t.fail(err)
	}
	if code != RespTransactionFinished && code != RespTransactionFinishedButDestinationFull {
		return t.fail(newError(ErrKindTransactionInvalidResponse, "expected TRANSACTION_FINISHED, got "+code.String()))
	}

	explanation, _ := t.readString()

	_ = t.transition(TransactionCompleted)
	return &TransactionResult{
		ResponseCode:           code,
		DataPacketsTransferred: uint64(t.enc.DataPacketCount()),
		Message:                explanation,
		Duration:               time.Since(start),
	}, nil
}

// fail transitions to TransactionError and closes the socket, matching
// §4.5's "on timeout the transaction transitions to TRANSACTION_ERROR and
// the socket is closed" for any I/O or protocol failure during
// confirmation.
func (t *TCPTransaction) fail(err error) (*TransactionResult, error) {
	_ = t.transition(TransactionError)
	_ = t.transport.Close()
	return nil, err
}

// Cancel closes the socket without performing the confirmation exchange;
// the TCP variant has no out-of-band cancel message, so an abrupt close is
// the best-effort signal available to the peer.
func (t *TCPTransaction) Cancel(reason string) error {
	if err := t.transition(TransactionCanceled); err != nil {
		return err
	}
	t.logger.Warnf("canceling TCP transaction: %s", reason)
	return t.transport.Close()
}

func (t *TCPTransaction) writeUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := t.transport.Write(buf[:])
	return err
}

func (t *TCPTransaction) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(t.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (t *TCPTransaction) writeString(s string) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := t.transport.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := t.transport.Write([]byte(s))
	return err
}

func (t *TCPTransaction) readString() (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(t.r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(t.r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// readResponseCode reads the single response-code byte common to both
// handshake and confirmation exchanges, per §3.
func (t *TCPTransaction) readResponseCode() (TransactionResponseCode, error) {
	b, err := t.r.ReadByte()
	if err != nil {
		return 0, wrapError(ErrKindTimeout, err, "reading response code")
	}
	return TransactionResponseCode(b), nil
}
