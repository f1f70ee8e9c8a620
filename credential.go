package x402

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
)

// ProofCredential is the credential sent to the remote proof verifier.
// It is either loaded, carrying the JSON payload, or unavailable, carrying
// the reason it could not be loaded. The zero value is unavailable.
type ProofCredential struct {
	data   json.RawMessage
	reason string
}

// LoadedCredential returns an available credential.
func LoadedCredential(data json.RawMessage) ProofCredential {
	return ProofCredential{data: data}
}

// UnavailableCredential returns a credential that cannot be used.
func UnavailableCredential(reason string) ProofCredential {
	return ProofCredential{reason: reason}
}

// Data returns the payload and whether the credential is loaded.
func (c ProofCredential) Data() (json.RawMessage, bool) {
	return c.data, len(c.data) > 0
}

// Reason explains why an unavailable credential could not be loaded.
func (c ProofCredential) Reason() string {
	if len(c.data) > 0 {
		return ""
	}
	if c.reason == "" {
		return "no credential configured"
	}
	return c.reason
}

// Fingerprint is a short BLAKE3 digest of the payload, for logs.
func (c ProofCredential) Fingerprint() string {
	if len(c.data) == 0 {
		return ""
	}
	sum := blake3.Sum256(c.data)
	return hex.EncodeToString(sum[:8])
}

// credentialFile is the subset of a proof file the verifier accepts.
type credentialFile struct {
	Success json.RawMessage `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Version json.RawMessage `json:"version,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// LoadProofCredential reads a proof credential file. The file is JSON and
// may contain comments. Load failures produce an unavailable credential
// instead of an error so the gateway can run without discounts.
func LoadProofCredential(path string) ProofCredential {
	if path == "" {
		return UnavailableCredential("no credential file configured")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return UnavailableCredential(fmt.Sprintf("reading %s: %v", path, err))
	}

	cred, err := ParseProofCredential(data)
	if err != nil {
		return UnavailableCredential(fmt.Sprintf("parsing %s: %v", path, err))
	}
	return cred
}

// ParseProofCredential extracts the success, data, version and meta fields
// of a proof document.
func ParseProofCredential(data []byte) (ProofCredential, error) {
	var file credentialFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return ProofCredential{}, err
	}
	if len(file.Data) == 0 {
		return ProofCredential{}, fmt.Errorf("credential has no data field")
	}

	payload, err := json.Marshal(file)
	if err != nil {
		return ProofCredential{}, err
	}
	return LoadedCredential(payload), nil
}
