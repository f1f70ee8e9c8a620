package evm

import (
	"encoding/json"
	"fmt"
)

// EVMPayload represents the payload in X-PAYMENT header for EVM chains
// Following the EIP-3009 transferWithAuthorization specification
type EVMPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Authorization contains the EIP-3009 authorization parameters
type Authorization struct {
	From        string `json:"from"`        // Payer's address
	To          string `json:"to"`          // Recipient address
	Value       string `json:"value"`       // Amount in atomic token units
	ValidAfter  string `json:"validAfter"`  // Unix timestamp
	ValidBefore string `json:"validBefore"` // Unix timestamp
	Nonce       string `json:"nonce"`       // Unique nonce to prevent replay
}

// DecodePayload parses and validates the scheme payload of an EVM payment
func DecodePayload(raw json.RawMessage) (*EVMPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	var payload EVMPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal EVM payload: %w", err)
	}

	// Validate required fields
	if payload.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if payload.Authorization == nil {
		return nil, fmt.Errorf("authorization is required")
	}

	auth := payload.Authorization
	if auth.From == "" || auth.To == "" || auth.Value == "" || auth.Nonce == "" {
		return nil, fmt.Errorf("authorization missing required fields")
	}

	if !IsAddress(auth.From) {
		return nil, fmt.Errorf("authorization from is not an address: %q", auth.From)
	}

	if !IsAddress(auth.To) {
		return nil, fmt.Errorf("authorization to is not an address: %q", auth.To)
	}

	return &payload, nil
}
