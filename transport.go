package s2s

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the TLS-capable byte stream collaborator the TCP transaction
// engine drives: a stream with timeout-bounded read/write and connect/close,
// named here as an interface per §1 ("Out of scope ... the raw TLS-capable
// byte transport") with one concrete net.Conn-backed implementation below.
type Transport interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	RemoteAddr() string
}

// TLSConfig carries the settings needed to optionally upgrade a Transport's
// underlying connection to TLS. It replaces the CFStream TLS dictionary
// named in the source client's design notes with an explicit typed struct.
type TLSConfig struct {
	CACertPEM         []byte
	ClientCertPEM     []byte
	ClientKeyPEM      []byte
	InsecureSkipHostnameVerify bool
	ALPN              []string
}

func (c *TLSConfig) toStdTLS(serverName string) (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: c.InsecureSkipHostnameVerify,
		NextProtos:         c.ALPN,
	}
	if len(c.CACertPEM) > 0 {
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(c.CACertPEM); !ok {
			return nil, newError(ErrKindSiteToSiteClient, "failed to parse CA certificate bundle")
		}
		cfg.RootCAs = pool
	}
	if len(c.ClientCertPEM) > 0 && len(c.ClientKeyPEM) > 0 {
		cert, err := tls.X509KeyPair(c.ClientCertPEM, c.ClientKeyPEM)
		if err != nil {
			return nil, wrapError(ErrKindSiteToSiteClient, err, "failed to load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// tcpTransport is the default Transport implementation, backed by a
// net.Conn with an optional TLS upgrade. Its read/write/deadline handling
// mirrors the teacher's TCPTransporter: a single mutex-guarded connection,
// an atomic closed flag, and per-call deadlines cleared after use.
type tcpTransport struct {
	conn    net.Conn
	timeout time.Duration
	logger  *Logger

	mu     sync.Mutex
	closed int32
}

// DialTransport connects to address (host:port) within timeout and,
// if tlsConfig is non-nil, performs a TLS handshake using it.
func DialTransport(network, address string, timeout time.Duration, tlsConfig *TLSConfig, logger *Logger) (Transport, error) {
	dialer := &net.Dialer{Timeout: timeout}

	if tlsConfig == nil {
		conn, err := dialer.Dial(network, address)
		if err != nil {
			return nil, wrapError(ErrKindTimeout, err, "connecting to "+address)
		}
		return &tcpTransport{conn: conn, timeout: timeout, logger: logger}, nil
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	stdTLS, err := tlsConfig.toStdTLS(host)
	if err != nil {
		return nil, err
	}
	conn, err := tls.DialWithDialer(dialer, network, address, stdTLS)
	if err != nil {
		return nil, wrapError(ErrKindTimeout, err, "establishing TLS connection to "+address)
	}
	return &tcpTransport{conn: conn, timeout: timeout, logger: logger}, nil
}

// NewTransport wraps an already-established net.Conn (e.g. one accepted by
// a test harness via net.Pipe) as a Transport.
func NewTransport(conn net.Conn, timeout time.Duration, logger *Logger) Transport {
	return &tcpTransport{conn: conn, timeout: timeout, logger: logger}
}

func (t *tcpTransport) setDeadline() error {
	if t.timeout <= 0 {
		return nil
	}
	return t.conn.SetDeadline(time.Now().Add(t.timeout))
}

func (t *tcpTransport) clearDeadline() {
	_ = t.conn.SetDeadline(time.Time{})
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	if atomic.LoadInt32(&t.closed) == 1 {
		return 0, newError(ErrKindSiteToSiteTransaction, "transport is closed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.setDeadline(); err != nil {
		return 0, wrapError(ErrKindTimeout, err, "setting write deadline")
	}
	defer t.clearDeadline()

	n, err := t.conn.Write(p)
	if err != nil {
		t.logf("write failed after %d bytes: %v", n, err)
		return n, wrapError(ErrKindTimeout, err, "writing to transport")
	}
	return n, nil
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	if atomic.LoadInt32(&t.closed) == 1 {
		return 0, newError(ErrKindSiteToSiteTransaction, "transport is closed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.setDeadline(); err != nil {
		return 0, wrapError(ErrKindTimeout, err, "setting read deadline")
	}
	defer t.clearDeadline()

	n, err := t.conn.Read(p)
	if err != nil {
		return n, wrapError(ErrKindTimeout, err, "reading from transport")
	}
	return n, nil
}

func (t *tcpTransport) SetDeadline(deadline time.Time) error {
	return t.conn.SetDeadline(deadline)
}

func (t *tcpTransport) RemoteAddr() string {
	if t.conn == nil || t.conn.RemoteAddr() == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	return t.conn.Close()
}

func (t *tcpTransport) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Errorf(format, args...)
	}
}
