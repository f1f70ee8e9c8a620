package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/becomeliminal/grpc-gateway-zkx402"
	"google.golang.org/grpc/metadata"
)

const (
	// MetadataKeyPayment is the metadata key for payment payload
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentResponse is the trailer key for the settlement receipt
	MetadataKeyPaymentResponse = "x402-payment-response"

	// MetadataKeyUserProofs carries the caller's proof tokens as a JSON array
	MetadataKeyUserProofs = "x-user-proofs"
)

// EncodePaymentRequired encodes a 402 body to base64 JSON. It is the
// message of the ResourceExhausted status returned to unpaid calls.
func EncodePaymentRequired(response *x402.PaymentRequiredResponse) (string, error) {
	jsonBytes, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodePaymentRequired decodes the message of a ResourceExhausted status
func DecodePaymentRequired(encoded string) (*x402.PaymentRequiredResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response x402.PaymentRequiredResponse
	if err := json.Unmarshal(jsonBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment requirements: %w", err)
	}

	return &response, nil
}

// ExtractPaymentFromMetadata extracts and decodes payment from gRPC metadata
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.PaymentPayload, error) {
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment found in metadata")
	}

	return x402.DecodePaymentHeader(values[0])
}

// ExtractUserProofsFromMetadata reads the caller's proof tokens. Malformed
// values are reported; missing ones are not an error.
func ExtractUserProofsFromMetadata(md metadata.MD) ([]string, error) {
	values := md.Get(MetadataKeyUserProofs)
	if len(values) == 0 {
		return nil, nil
	}

	return x402.ParseUserProofs(values[0])
}

// ExtractPaymentResponseFromMetadata decodes the settlement receipt from trailers
func ExtractPaymentResponseFromMetadata(md metadata.MD) (*x402.SettleResponse, error) {
	values := md.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment response found in metadata")
	}

	return x402.DecodePaymentResponse(values[0])
}
