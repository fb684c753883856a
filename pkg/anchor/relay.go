package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RelayClient talks to an anchoring relay service over JSON/HTTP. A relay
// fronts the actual chain client (EVM, Substrate, or a transparency log) and
// exposes exactly the Adapter shape, keeping chain specifics out of process.
type RelayClient struct {
	baseURL string
	http    *http.Client
}

// NewRelayClient creates a client for the relay at baseURL.
func NewRelayClient(baseURL string, timeout time.Duration) (*RelayClient, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("anchor: invalid relay URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelayClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type submitRequest struct {
	Digest string `json:"digest"`
}

type submitResponse struct {
	ChainReference string `json:"chain_reference"`
}

func (c *RelayClient) Submit(ctx context.Context, digest string) (string, error) {
	body, _ := json.Marshal(submitRequest{Digest: digest})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return "", Classify("submit", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out submitResponse
	if err := c.roundTrip("submit", req, &out); err != nil {
		return "", err
	}
	if out.ChainReference == "" {
		return "", &AdapterError{Kind: KindRejected, Op: "submit", Err: fmt.Errorf("relay returned empty chain reference")}
	}
	return out.ChainReference, nil
}

type verifyResponse struct {
	Found bool `json:"found"`
}

func (c *RelayClient) Verify(ctx context.Context, chainRef string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/anchors/"+url.PathEscape(chainRef), nil)
	if err != nil {
		return false, Classify("verify", err)
	}

	var out verifyResponse
	if err := c.roundTrip("verify", req, &out); err != nil {
		return false, err
	}
	return out.Found, nil
}

func (c *RelayClient) FetchReceipt(ctx context.Context, chainRef string) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/anchors/"+url.PathEscape(chainRef)+"/receipt", nil)
	if err != nil {
		return Receipt{}, Classify("fetch_receipt", err)
	}

	var out Receipt
	if err := c.roundTrip("fetch_receipt", req, &out); err != nil {
		return Receipt{}, err
	}
	return out, nil
}

// roundTrip executes the request and decodes the JSON body. Client errors map
// to KindRejected, server errors to KindUnavailable.
func (c *RelayClient) roundTrip(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return &AdapterError{Kind: KindUnavailable, Op: op, Err: fmt.Errorf("relay status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &AdapterError{Kind: KindRejected, Op: op, Err: fmt.Errorf("relay status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &AdapterError{Kind: KindUnavailable, Op: op, Err: fmt.Errorf("decode relay response: %w", err)}
	}
	return nil
}
