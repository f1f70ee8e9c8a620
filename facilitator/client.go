// Package facilitator is an HTTP client for x402 facilitator services.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/grpc-gateway-zkx402"
)

// AuthHeaders are extra headers sent with each kind of facilitator call.
type AuthHeaders struct {
	Verify    http.Header
	Settle    http.Header
	Supported http.Header
}

// AuthHeadersFunc produces authentication headers for a call. It is
// invoked once per call so that short-lived tokens can be minted.
type AuthHeadersFunc func(ctx context.Context) (AuthHeaders, error)

// StaticHeaders returns an AuthHeadersFunc sending the same headers on every call.
func StaticHeaders(headers map[string]string) AuthHeadersFunc {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return func(context.Context) (AuthHeaders, error) {
		return AuthHeaders{Verify: h, Settle: h, Supported: h}, nil
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAuthHeaders attaches authentication headers to every call.
func WithAuthHeaders(fn AuthHeadersFunc) Option {
	return func(c *Client) {
		c.authHeaders = fn
	}
}

// Client handles communication with an x402 facilitator service.
// It implements x402.Facilitator.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	authHeaders AuthHeadersFunc
}

var _ x402.Facilitator = (*Client)(nil)

// NewClient creates a new facilitator client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request is the body of verify and settle calls.
type request struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// Verify checks if a payment is valid via POST /verify.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var verifyResp x402.VerifyResponse
	if err := c.post(ctx, "verify", payload, requirements, &verifyResp); err != nil {
		return nil, err
	}
	return &verifyResp, nil
}

// Settle executes the payment via POST /settle.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	var settleResp x402.SettleResponse
	if err := c.post(ctx, "settle", payload, requirements, &settleResp); err != nil {
		return nil, err
	}
	return &settleResp, nil
}

// Supported fetches the payment kinds the facilitator can settle via GET /supported.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}

	if err := c.applyAuth(ctx, httpReq, "supported"); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call facilitator supported endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facilitator supported returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var supportedResp x402.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, out any) error {
	body, err := json.Marshal(request{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(ctx, httpReq, endpoint); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call facilitator %s endpoint: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator %s returned status %d: %s", endpoint, resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}

	return nil
}

func (c *Client) applyAuth(ctx context.Context, req *http.Request, endpoint string) error {
	if c.authHeaders == nil {
		return nil
	}

	headers, err := c.authHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to create facilitator auth headers: %w", err)
	}

	var h http.Header
	switch endpoint {
	case "verify":
		h = headers.Verify
	case "settle":
		h = headers.Settle
	case "supported":
		h = headers.Supported
	}

	for k, v := range h {
		for _, value := range v {
			req.Header.Add(k, value)
		}
	}
	return nil
}
