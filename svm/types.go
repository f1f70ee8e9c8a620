// Package svm holds the payment payload of Solana-family networks.
package svm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SVMPayload carries a partially signed transaction. The facilitator adds
// the fee payer signature and submits it.
type SVMPayload struct {
	Transaction string `json:"transaction"` // base64 serialized transaction
}

// DecodePayload parses and validates the scheme payload of an SVM payment
func DecodePayload(raw json.RawMessage) (*SVMPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	var payload SVMPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SVM payload: %w", err)
	}

	if payload.Transaction == "" {
		return nil, fmt.Errorf("transaction is required")
	}

	if _, err := base64.StdEncoding.DecodeString(payload.Transaction); err != nil {
		return nil, fmt.Errorf("transaction is not base64: %w", err)
	}

	return &payload, nil
}
