package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// RemoteStatus is the normalised outcome of a remote proof check.
type RemoteStatus int

const (
	// RemoteVerified means the verifier accepted the proof.
	RemoteVerified RemoteStatus = iota + 1

	// RemoteRejected means the verifier answered but did not accept the proof.
	RemoteRejected

	// RemoteUnreachable means no usable answer was obtained.
	RemoteUnreachable
)

func (s RemoteStatus) String() string {
	switch s {
	case RemoteVerified:
		return "verified"
	case RemoteRejected:
		return "rejected"
	case RemoteUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// RemoteResult is the tagged result of a remote proof check.
type RemoteResult struct {
	Status       RemoteStatus
	Reason       string
	Body         json.RawMessage
	ErrorDetails json.RawMessage
	Err          error
}

// RemoteVerifier checks a proof credential with an external service.
// Implementations report failures through the result, never by panicking.
type RemoteVerifier interface {
	VerifyProof(ctx context.Context, credential json.RawMessage) RemoteResult
}

// Unreachable wraps a transport failure.
func Unreachable(err error) RemoteResult {
	return RemoteResult{Status: RemoteUnreachable, Reason: err.Error(), Err: err}
}

// NormalizeRemoteResponse maps an HTTP answer of the proof verifier onto
// Verified, Rejected or Unreachable. The verifier has no fixed schema;
// a body counts as verified when it carries verified=true, valid=true,
// status="success" without an error, or success=true without an error.
func NormalizeRemoteResponse(statusCode int, body []byte) RemoteResult {
	if statusCode < 200 || statusCode > 299 {
		details := json.RawMessage(body)
		if !gjson.ValidBytes(body) {
			raw := body
			if len(raw) > 500 {
				raw = raw[:500]
			}
			details, _ = json.Marshal(map[string]string{"raw": string(raw)})
		}
		return RemoteResult{
			Status:       RemoteUnreachable,
			Reason:       fmt.Sprintf("API error: %d", statusCode),
			ErrorDetails: details,
			Err:          fmt.Errorf("proof verifier returned status %d", statusCode),
		}
	}

	if !gjson.ValidBytes(body) {
		return RemoteResult{
			Status: RemoteUnreachable,
			Reason: "Invalid JSON response from verify API",
			Err:    fmt.Errorf("proof verifier returned invalid JSON"),
		}
	}

	result := gjson.ParseBytes(body)
	hasError := truthy(result.Get("error"))
	status := result.Get("status")

	verified := result.Get("verified").Type == gjson.True ||
		result.Get("valid").Type == gjson.True ||
		(status.Type == gjson.String && status.Str == "success" && !hasError) ||
		(result.Get("success").Type == gjson.True && !hasError)

	if verified {
		return RemoteResult{Status: RemoteVerified, Body: json.RawMessage(body)}
	}
	return RemoteResult{Status: RemoteRejected, Body: json.RawMessage(body)}
}

// truthy follows JavaScript truthiness for JSON values.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	default:
		return false
	}
}

// HTTPProofVerifier posts the credential to a remote verify endpoint.
type HTTPProofVerifier struct {
	url        string
	httpClient *http.Client
}

// NewHTTPProofVerifier creates a remote verifier for url.
func NewHTTPProofVerifier(url string) *HTTPProofVerifier {
	return &HTTPProofVerifier{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// VerifyProof implements RemoteVerifier.
func (h *HTTPProofVerifier) VerifyProof(ctx context.Context, credential json.RawMessage) RemoteResult {
	req, err := http.NewRequestWithContext(ctx, "POST", h.url, bytes.NewReader(credential))
	if err != nil {
		return Unreachable(fmt.Errorf("failed to create verify request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Unreachable(fmt.Errorf("failed to call proof verifier: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Unreachable(fmt.Errorf("failed to read verify response: %w", err))
	}

	return NormalizeRemoteResponse(resp.StatusCode, body)
}
