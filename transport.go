package runicrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// ProviderError is a well-formed error response from an otherwise healthy
// endpoint. It is surfaced to the caller without retry unless Transient
// reports true, since retrying a deterministic application-level error
// wastes the retry budget.
type ProviderError struct {
	Code     int
	Message  string
	Data     json.RawMessage
	Endpoint string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("runicrpc: provider error from %s: %d %s", e.Endpoint, e.Code, e.Message)
}

// Transient reports whether the provider error is worth retrying on another
// endpoint. Only the conventional "request limit exceeded" code qualifies;
// other provider errors are deterministic for a given upstream state.
func (e *ProviderError) Transient() bool {
	return e.Code == -32005
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HTTPTransport executes requests as JSON-RPC 2.0 calls over HTTP POST.
// It is the default Transport and is safe for concurrent use.
type HTTPTransport struct {
	client *http.Client
	nextID uint64
}

// NewHTTPTransport creates a transport backed by a pooled http.Client.
// Per-attempt deadlines come from the caller's context, so no client-level
// timeout is set.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// NewHTTPTransportWithClient creates a transport using the supplied client,
// e.g. to customize TLS or proxying.
func NewHTTPTransportWithClient(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, endpoint *Endpoint, req *Request) (*Response, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&t.nextID, 1),
		Method:  req.Method,
		Params:  req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("runicrpc: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("runicrpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("runicrpc: endpoint %s returned status %d", endpoint.Name, httpResp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("runicrpc: decode response from %s: %w", endpoint.Name, err)
	}

	if decoded.Error != nil {
		return nil, &ProviderError{
			Code:     decoded.Error.Code,
			Message:  decoded.Error.Message,
			Data:     decoded.Error.Data,
			Endpoint: endpoint.Name,
		}
	}

	return &Response{Result: decoded.Result, Endpoint: endpoint.Name}, nil
}
