package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/becomeliminal/grpc-gateway-zkx402/evm"
	"github.com/becomeliminal/grpc-gateway-zkx402/svm"
)

// DecodePaymentHeader decodes and validates an X-PAYMENT header value.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	payment, err := decodePaymentHeader(header)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "invalid or malformed payment header", err)
	}
	return payment, nil
}

func decodePaymentHeader(header string) (*PaymentPayload, error) {
	// Decode base64
	payloadBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	// Parse JSON
	var payment PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payment); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	// Basic validation
	if payment.X402Version != X402Version {
		return nil, fmt.Errorf("unsupported x402Version: %d", payment.X402Version)
	}

	if payment.Scheme == "" {
		return nil, fmt.Errorf("scheme is required")
	}

	if payment.Network == "" {
		return nil, fmt.Errorf("network is required")
	}

	switch FamilyOf(payment.Network) {
	case FamilyEVM:
		if _, err := evm.DecodePayload(payment.Payload); err != nil {
			return nil, err
		}
	case FamilySVM:
		if _, err := svm.DecodePayload(payment.Payload); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported network: %s", payment.Network)
	}

	return &payment, nil
}

// EncodePayment encodes a payment to X-PAYMENT header format (base64 JSON)
// Useful for testing and client implementations
func EncodePayment(payment *PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// EncodePaymentResponse encodes a settlement receipt for the X-PAYMENT-RESPONSE header
func EncodePaymentResponse(response *SettleResponse) (string, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(responseJSON), nil
}

// DecodePaymentResponse decodes an X-PAYMENT-RESPONSE header
func DecodePaymentResponse(xPaymentResponse string) (*SettleResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(xPaymentResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response SettleResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequirements is a helper to extract payment requirements from a 402 response
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}

// ParseUserProofs reads the X-User-Proofs header, a JSON array of strings.
func ParseUserProofs(header string) ([]string, error) {
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}
	var proofs []string
	if err := json.Unmarshal([]byte(header), &proofs); err != nil {
		return nil, fmt.Errorf("X-User-Proofs must be a JSON array of strings: %w", err)
	}
	return proofs, nil
}
