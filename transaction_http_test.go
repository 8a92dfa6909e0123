package s2s

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// httpTxnStub serves just enough of the REST surface to drive one
// HTTPTransaction through its full lifecycle in isolation from the
// coordinator.
type httpTxnStub struct {
	crcOverride  string
	responseCode int
	cancelCalled bool
	server       *httptest.Server
}

func newHTTPTxnStub(responseCode int, crcOverride string) *httpTxnStub {
	s := &httpTxnStub{responseCode: responseCode, crcOverride: crcOverride}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *httpTxnStub) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/flow-files"):
		body, _ := io.ReadAll(r.Body)
		if s.crcOverride != "" {
			fmt.Fprint(w, s.crcOverride)
			return
		}
		enc := NewEncoder()
		enc.AppendData(body)
		fmt.Fprintf(w, "%d", enc.EncodedDataCrcChecksum())

	case r.Method == http.MethodPost:
		w.Header().Set("Location", s.server.URL+"/nifi-api/data-transfer/input-ports/P/transactions/T1")
		w.Header().Set("x-server-side-transaction-ttl", "30")
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodPut:
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete:
		if r.URL.Query().Get("responseCode") == fmt.Sprintf("%d", RespCancelTransaction) {
			s.cancelCalled = true
		}
		fmt.Fprintf(w, `{"flowFilesSent": 1, "responseCode": %d}`, s.responseCode)
	}
}

func (s *httpTxnStub) Close() { s.server.Close() }

// TestHTTPTransactionFullLifecycle drives initiate -> SendData ->
// ConfirmAndComplete to a successful TRANSACTION_FINISHED.
func TestHTTPTransactionFullLifecycle(t *testing.T) {
	stub := newHTTPTxnStub(13, "")
	defer stub.Close()

	rest := NewRESTClient(stub.server.URL, http.DefaultClient, RemoteClusterConfig{}, NewSimpleLogger(nil, LevelError, "test"))
	peer := &Peer{URL: stub.server.URL}

	txn, err := NewHTTPTransaction(context.Background(), rest, "P", peer, NewSimpleLogger(nil, LevelError, "test"))
	if err != nil {
		t.Fatalf("NewHTTPTransaction: %v", err)
	}
	if txn.Resource().TransactionID != "T1" {
		t.Fatalf("expected transaction id T1, got %q", txn.Resource().TransactionID)
	}

	if err := txn.SendData(NewDataPacket(map[string]string{"k": "v"}, []byte("payload"))); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	result, err := txn.ConfirmAndComplete()
	if err != nil {
		t.Fatalf("ConfirmAndComplete: %v", err)
	}
	if result.ResponseCode != RespTransactionFinished {
		t.Fatalf("unexpected response code: %s", result.ResponseCode)
	}
}

// TestHTTPTransactionCRCMismatchCancels covers S2 at the transaction level:
// a CRC mismatch transitions to TransactionError and issues a best-effort
// cancel rather than leaving the transaction dangling.
func TestHTTPTransactionCRCMismatchCancels(t *testing.T) {
	stub := newHTTPTxnStub(13, "0")
	defer stub.Close()

	rest := NewRESTClient(stub.server.URL, http.DefaultClient, RemoteClusterConfig{}, NewSimpleLogger(nil, LevelError, "test"))
	peer := &Peer{URL: stub.server.URL}

	txn, err := NewHTTPTransaction(context.Background(), rest, "P", peer, NewSimpleLogger(nil, LevelError, "test"))
	if err != nil {
		t.Fatalf("NewHTTPTransaction: %v", err)
	}
	if err := txn.SendData(NewDataPacket(nil, []byte("payload"))); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	if _, err := txn.ConfirmAndComplete(); err == nil {
		t.Fatal("expected CRC mismatch to surface as an error")
	}
	if txn.State() != TransactionError {
		t.Fatalf("expected TransactionError state, got %s", txn.State())
	}
	if !stub.cancelCalled {
		t.Fatal("expected a best-effort CANCEL_TRANSACTION after the CRC mismatch")
	}
}
