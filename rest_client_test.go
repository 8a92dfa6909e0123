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

func newTestRESTClient(base string) *RESTClient {
	return NewRESTClient(base, http.DefaultClient, RemoteClusterConfig{}, NewSimpleLogger(nil, LevelError, "test"))
}

// TestInitiateSendTransactionParsesLocationAndTTL covers the initiate leg
// of S1.
func TestInitiateSendTransactionParsesLocationAndTTL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.Contains(r.URL.Path, "/data-transfer/input-ports/P/transactions") {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Location", "http://"+r.Host+"/nifi-api/data-transfer/input-ports/P/transactions/T1")
		w.Header().Set("x-server-side-transaction-ttl", "30")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	rest := newTestRESTClient(server.URL)
	resource, err := rest.InitiateSendTransactionToPortId(context.Background(), "P")
	if err != nil {
		t.Fatalf("InitiateSendTransactionToPortId: %v", err)
	}
	if resource.TransactionID != "T1" {
		t.Fatalf("expected transaction id T1, got %q", resource.TransactionID)
	}
	if resource.ServerSideTTL.Seconds() != 30 {
		t.Fatalf("expected 30s TTL, got %v", resource.ServerSideTTL)
	}
}

// TestInitiateSendTransactionConflict covers the 409 "invalid port" path.
func TestInitiateSendTransactionConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	rest := newTestRESTClient(server.URL)
	_, err := rest.InitiateSendTransactionToPortId(context.Background(), "P")
	if err == nil {
		t.Fatal("expected error on 409 response")
	}
}

// TestSendFlowFilesReturnsServerCRC covers the send-data leg of S1: the
// stub echoes back the client's own CRC32.
func TestSendFlowFilesReturnsServerCRC(t *testing.T) {
	enc := NewEncoder()
	if err := enc.AppendDataPacket(NewDataPacket(map[string]string{"k": "v"}, []byte("hello"))); err != nil {
		t.Fatalf("AppendDataPacket: %v", err)
	}
	expectedCRC := enc.EncodedDataCrcChecksum()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		enc := NewEncoder()
		enc.AppendData(body)
		fmt.Fprintf(w, "%d", enc.EncodedDataCrcChecksum())
	}))
	defer server.Close()

	rest := newTestRESTClient(server.URL)
	crc, err := rest.SendFlowFiles(context.Background(), server.URL+"/txn", enc.Reader())
	if err != nil {
		t.Fatalf("SendFlowFiles: %v", err)
	}
	if crc != expectedCRC {
		t.Fatalf("expected echoed CRC %d, got %d", expectedCRC, crc)
	}
}

// TestEndTransactionConfirmAppendsChecksum covers S1's commit leg; S3's
// destination-full response is covered by the next test.
func TestEndTransactionConfirmAppendsChecksum(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		if !strings.Contains(r.URL.RawQuery, "checksum=") {
			t.Fatalf("expected checksum query param on CONFIRM, got %q", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"flowFilesSent": 2, "responseCode": 13}`)
	}))
	defer server.Close()

	rest := newTestRESTClient(server.URL)
	result, err := rest.EndTransaction(context.Background(), server.URL+"/txn", RespConfirmTransaction, 12345)
	if err != nil {
		t.Fatalf("EndTransaction: %v", err)
	}
	if result.DataPacketsTransferred != 2 {
		t.Fatalf("expected 2 flow files sent, got %d", result.DataPacketsTransferred)
	}
	if result.ResponseCode != RespTransactionFinished {
		t.Fatalf("unexpected response code: %s", result.ResponseCode)
	}
}

// TestEndTransactionDestinationFullShouldBackoff covers S3.
func TestEndTransactionDestinationFullShouldBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"flowFilesSent": 2, "responseCode": 14}`)
	}))
	defer server.Close()

	rest := newTestRESTClient(server.URL)
	result, err := rest.EndTransaction(context.Background(), server.URL+"/txn", RespConfirmTransaction, 1)
	if err != nil {
		t.Fatalf("EndTransaction: %v", err)
	}
	if !result.ShouldBackoff() {
		t.Fatal("expected ShouldBackoff() true for TRANSACTION_FINISHED_BUT_DESTINATION_FULL")
	}
}

// TestGetPeersParsesHostPortSecure covers the peer-listing leg used by S4.
func TestGetPeersParsesHostPortSecure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"peers":[{"hostname":"a","port":8080,"secure":false,"flowFileCount":0},{"hostname":"b","port":8443,"secure":true,"flowFileCount":5}]}`)
	}))
	defer server.Close()

	rest := newTestRESTClient(server.URL)
	peers, err := rest.GetPeers(context.Background())
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].URL != "http://a:8080" {
		t.Fatalf("unexpected peer[0] URL: %s", peers[0].URL)
	}
	if peers[1].URL != "https://b:8443" {
		t.Fatalf("unexpected peer[1] URL: %s", peers[1].URL)
	}
}

// TestResolvePortIDPrefersExplicitID covers the §9 open question decision.
func TestResolvePortIDPrefersExplicitID(t *testing.T) {
	rest := newTestRESTClient("http://unused")
	id, err := rest.ResolvePortID(context.Background(), "explicit-id", "some-name")
	if err != nil {
		t.Fatalf("ResolvePortID: %v", err)
	}
	if id != "explicit-id" {
		t.Fatalf("expected explicit id to win, got %q", id)
	}
}

// TestResolvePortIDFallsBackToName covers resolution via the controller's
// remote input ports when only a name is configured.
func TestResolvePortIDFallsBackToName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"controller":{"id":"c1","title":"t","remoteInputPorts":[{"id":"p1","name":"target","exists":true}]}}`)
	}))
	defer server.Close()

	rest := newTestRESTClient(server.URL)
	id, err := rest.ResolvePortID(context.Background(), "", "target")
	if err != nil {
		t.Fatalf("ResolvePortID: %v", err)
	}
	if id != "p1" {
		t.Fatalf("expected resolved id p1, got %q", id)
	}
}
