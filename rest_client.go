package s2s

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient is the request/response collaborator the REST client drives:
// named here as an interface per §1 ("Out of scope ... The HTTP client
// (request/response with client certificate, basic auth, and streaming
// request body support)"), with the standard library's *http.Client as the
// one concrete implementation — there is no corpus library that expresses
// this better than net/http itself.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient builds an *http.Client configured with the client
// certificate, proxy and timeout carried by cfg.
func NewHTTPClient(cfg RemoteClusterConfig, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}

	if cfg.TLS != nil {
		tlsConfig, err := cfg.TLS.toStdTLS("")
		if err != nil {
			return nil, err
		}
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		transport.TLSClientConfig = tlsConfig
	}

	if cfg.Proxy != nil {
		proxyURL, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			return nil, wrapError(ErrKindRestAPIClientCouldNotFormURL, err, "parsing proxy URL")
		}
		if cfg.Proxy.Username != "" {
			proxyURL.User = url.UserPassword(cfg.Proxy.Username, cfg.Proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// RESTClient drives the site-to-site REST surface (§4.2/§6) against one
// remote cluster base URL.
type RESTClient struct {
	baseURL string
	client  HTTPClient
	cfg     RemoteClusterConfig
	logger  *Logger
}

// NewRESTClient builds a REST client rooted at baseURL (e.g.
// "https://host:port/nifi-api"), using client for every request.
func NewRESTClient(baseURL string, client HTTPClient, cfg RemoteClusterConfig, logger *Logger) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		cfg:     cfg,
		logger:  logger,
	}
}

func (c *RESTClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, wrapError(ErrKindRestAPIClientCouldNotFormURL, err, "forming request to "+path)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

func (c *RESTClient) do(req *http.Request) (*http.Response, error) {
	c.logger.Debugf("%s %s", req.Method, req.URL.String())
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapError(ErrKindTimeout, err, "performing "+req.Method+" "+req.URL.String())
	}
	return resp, nil
}

// statusError builds the §4.2 error mapping ("2xx is success; 3xx-5xx are
// failures except 409 on initiate, which indicates the port is invalid").
func statusError(resp *http.Response, message string) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{
		Kind:    HTTPStatusKind(resp.StatusCode),
		Message: fmt.Sprintf("%s: HTTP %d: %s", message, resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

// SiteToSiteInfo is the controller info document returned by
// GET {base}/site-to-site.
type SiteToSiteInfo struct {
	ControllerDetails struct {
		ID                 string `json:"id"`
		Title              string `json:"title"`
		RemoteInputPorts   []RemoteInputPort `json:"remoteInputPorts"`
	} `json:"controller"`
}

// RemoteInputPort is one entry of the controller's remoteInputPorts list,
// used to resolve a PortName to a PortID (§9 open question).
type RemoteInputPort struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
}

// GetSiteToSiteInfo issues GET {base}/site-to-site.
func (c *RESTClient) GetSiteToSiteInfo(ctx context.Context) (*SiteToSiteInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/site-to-site", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, wrapError(ErrKindCouldNotLookupSiteToSiteInfo, err, "fetching site-to-site info")
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, statusError(resp, "fetching site-to-site info")
	}

	var info SiteToSiteInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, wrapError(ErrKindTransactionInvalidResponse, err, "decoding site-to-site info")
	}
	return &info, nil
}

// GetRemoteInputPorts resolves the set of known input ports via the
// controller info document.
func (c *RESTClient) GetRemoteInputPorts(ctx context.Context) ([]RemoteInputPort, error) {
	info, err := c.GetSiteToSiteInfo(ctx)
	if err != nil {
		return nil, wrapError(ErrKindCouldNotLookupInputPorts, err, "looking up remote input ports")
	}
	return info.ControllerDetails.RemoteInputPorts, nil
}

// ResolvePortID returns portID if set, else resolves portName against the
// controller's remote input ports. NewQueuedSiteToSiteClient calls it once,
// at construction; the resolved id is not looked up again per transaction.
func (c *RESTClient) ResolvePortID(ctx context.Context, portID, portName string) (string, error) {
	if portID != "" {
		return portID, nil
	}
	if portName == "" {
		return "", newError(ErrKindCouldNotLookupInputPorts, "neither portId nor portName configured")
	}
	ports, err := c.GetRemoteInputPorts(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.Name == portName {
			return p.ID, nil
		}
	}
	return "", newError(ErrKindCouldNotLookupInputPorts, "no input port named "+portName)
}

type peerJSON struct {
	Hostname      string `json:"hostname"`
	Port          int    `json:"port"`
	Secure        bool   `json:"secure"`
	FlowFileCount int64  `json:"flowFileCount"`
}

type peersResponse struct {
	Peers []peerJSON `json:"peers"`
}

// GetPeers issues GET {base}/site-to-site/peers.
func (c *RESTClient) GetPeers(ctx context.Context) ([]*Peer, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/site-to-site/peers", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, wrapError(ErrKindCouldNotLookupPeers, err, "fetching peers")
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, statusError(resp, "fetching peers")
	}

	var parsed peersResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, wrapError(ErrKindTransactionInvalidResponse, err, "decoding peers")
	}

	peers := make([]*Peer, 0, len(parsed.Peers))
	for _, p := range parsed.Peers {
		scheme := "http"
		if p.Secure {
			scheme = "https"
		}
		peerURL := fmt.Sprintf("%s://%s", scheme, p.Hostname)
		if p.Port != 0 {
			peerURL = fmt.Sprintf("%s:%d", peerURL, p.Port)
		}
		peers = append(peers, &Peer{
			URL:           peerURL,
			RawPort:       p.Port,
			RawIsSecure:   p.Secure,
			FlowFileCount: p.FlowFileCount,
		})
	}
	return peers, nil
}

// InitiateSendTransactionToPortId issues
// POST {base}/data-transfer/input-ports/{portId}/transactions.
func (c *RESTClient) InitiateSendTransactionToPortId(ctx context.Context, portID string) (*TransactionResource, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/data-transfer/input-ports/"+portID+"/transactions", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, wrapError(ErrKindCouldNotCreateTransaction, err, "initiating transaction")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, newError(ErrKindCouldNotCreateTransaction, "input port "+portID+" is invalid (409)")
	}
	if !isSuccess(resp.StatusCode) {
		return nil, statusError(resp, "initiating transaction")
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, newError(ErrKindTransactionInvalidResponse, "initiate response missing Location header")
	}
	ttlHeader := resp.Header.Get("x-server-side-transaction-ttl")
	ttlSeconds, err := strconv.Atoi(ttlHeader)
	if err != nil {
		return nil, wrapError(ErrKindTransactionInvalidResponse, err, "parsing x-server-side-transaction-ttl header")
	}

	return &TransactionResource{
		TransactionID:    transactionIDFromURL(location),
		TransactionURL:   location,
		ServerSideTTL:    time.Duration(ttlSeconds) * time.Second,
		LastResponseCode: RespPropertiesOK,
	}, nil
}

func transactionIDFromURL(txURL string) string {
	idx := strings.LastIndex(txURL, "/")
	if idx < 0 {
		return txURL
	}
	return txURL[idx+1:]
}

// ExtendTTLForTransaction issues PUT {txUrl}. It must be called strictly
// before serverSideTtl/2 seconds elapse since prior contact with txUrl.
func (c *RESTClient) ExtendTTLForTransaction(ctx context.Context, txURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, txURL, nil)
	if err != nil {
		return wrapError(ErrKindRestAPIClientCouldNotFormURL, err, "forming TTL extension request")
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.do(req)
	if err != nil {
		return wrapError(ErrKindCouldNotCreateTransaction, err, "extending transaction TTL")
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return statusError(resp, "extending transaction TTL")
	}
	return nil
}

// SendFlowFiles issues POST {txUrl}/flow-files with body as the request
// body, returning the server-reported CRC32.
func (c *RESTClient) SendFlowFiles(ctx context.Context, txURL string, body io.Reader) (uint32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, txURL+"/flow-files", body)
	if err != nil {
		return 0, wrapError(ErrKindRestAPIClientCouldNotFormURL, err, "forming send-flowfiles request")
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "text/plain")

	resp, err := c.do(req)
	if err != nil {
		return 0, wrapError(ErrKindSiteToSiteTransaction, err, "sending flow files")
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return 0, statusError(resp, "sending flow files")
	}

	reader := bufio.NewReader(resp.Body)
	line, _ := reader.ReadString('\n')
	crc, err := strconv.ParseUint(strings.TrimSpace(line), 10, 32)
	if err != nil {
		return 0, wrapError(ErrKindTransactionInvalidResponse, err, "parsing server CRC32")
	}
	return uint32(crc), nil
}

type transactionResultJSON struct {
	FlowFilesSent int64  `json:"flowFilesSent"`
	ResponseCode  int    `json:"responseCode"`
	Message       string `json:"message"`
}

// EndTransaction issues DELETE {txUrl}?responseCode={N}&checksum={crc},
// where responseCode is RespConfirmTransaction (commit, crc required) or
// RespCancelTransaction.
func (c *RESTClient) EndTransaction(ctx context.Context, txURL string, responseCode TransactionResponseCode, crc uint32) (*TransactionResult, error) {
	start := time.Now()

	target := fmt.Sprintf("%s?responseCode=%d", txURL, responseCode)
	if responseCode == RespConfirmTransaction {
		target = fmt.Sprintf("%s&checksum=%d", target, crc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return nil, wrapError(ErrKindRestAPIClientCouldNotFormURL, err, "forming end-transaction request")
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, wrapError(ErrKindSiteToSiteTransaction, err, "ending transaction")
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, statusError(resp, "ending transaction")
	}

	var parsed transactionResultJSON
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, wrapError(ErrKindTransactionInvalidResponse, err, "decoding transaction result")
	}

	return &TransactionResult{
		ResponseCode:           TransactionResponseCode(parsed.ResponseCode),
		DataPacketsTransferred: uint64(parsed.FlowFilesSent),
		Message:                parsed.Message,
		Duration:               time.Since(start),
	}, nil
}
