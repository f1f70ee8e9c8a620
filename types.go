package x402

import (
	"context"
	"encoding/json"
)

// X402Version is the protocol version spoken on the wire.
const X402Version = 1

// SchemeExact is the only settlement scheme the gateway advertises.
const SchemeExact = "exact"

// PaymentPayload represents a decoded X-PAYMENT header.
// Payload is kept raw; its shape depends on the network family.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// PaymentRequirements describes what payment is required for a resource
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"` // atomic units
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	OutputSchema      map[string]any `json:"outputSchema,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the response body when returning 402
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Payer       string                `json:"payer,omitempty"`
}

// VerifyResponse is the facilitator's answer to a verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to a settle call. It is also
// the receipt carried in the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// SupportedKind represents a scheme+network pair a facilitator can settle.
type SupportedKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     string         `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SupportedResponse is returned by the facilitator's supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// FeePayer returns the fee payer the facilitator advertises for network
// under the exact scheme, or "" when none is advertised.
func (s *SupportedResponse) FeePayer(network string) string {
	if s == nil {
		return ""
	}
	for _, kind := range s.Kinds {
		if kind.Scheme != SchemeExact || !sameNetwork(kind.Network, network) {
			continue
		}
		feePayer, _ := kind.Extra["feePayer"].(string)
		return feePayer
	}
	return ""
}

// Facilitator verifies and settles payment assertions on behalf of the
// middleware. facilitator.Client is the HTTP implementation.
type Facilitator interface {
	// Verify checks a payment against the selected requirements without settling it.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle finalizes a previously verified payment.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)

	// Supported lists the payment kinds the facilitator can settle.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// PaymentContext contains payment information that downstream handlers can read.
type PaymentContext struct {
	Verified     bool
	PayerAddress string
	Amount       string // atomic units charged
	Price        string // price the amount was derived from, e.g. "$0.005000"
	Network      string
	Asset        string
	Discount     *VerificationMetadata
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context
	PaymentContextKey contextKey = "x402-payment"

	// VerificationMetadataKey is the key used to store discount metadata in request context
	VerificationMetadataKey contextKey = "x402-verification-metadata"
)
