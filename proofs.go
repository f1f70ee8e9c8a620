package x402

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// Proof tokens are self-asserted strings. Apart from the institution
// proof, which is checked by a remote verifier, a proof counts as verified
// when the caller claims it. Nothing here is cryptographic: a caller that
// sends "zkproofof(human)" is trusted to be human.

const (
	// DefaultInstitutionProof is the proof identifier checked remotely.
	DefaultInstitutionProof = "zkproofof(instituion=nyt)"

	// DefaultProofVerifyURL is the remote institution proof verifier.
	DefaultProofVerifyURL = "https://zkx402-server.vercel.app/api/verify"
)

// ProofDetail is the verification record of one requested proof.
type ProofDetail struct {
	Proof        string          `json:"proof"`
	Verified     bool            `json:"verified"`
	Reason       string          `json:"reason,omitempty"`
	APIResult    json.RawMessage `json:"apiResult,omitempty"`
	ErrorDetails json.RawMessage `json:"errorDetails,omitempty"`
}

// VerificationOutcome aggregates the checks for one discount tier.
type VerificationOutcome struct {
	IsValid         bool          `json:"isValid"`
	HasAllProofs    bool          `json:"hasAllProofs"`
	MissingProofs   []string      `json:"missingProofs"`
	UserProofs      []string      `json:"userProofs"`
	RequestedProofs []string      `json:"requestedProofs"`
	VerifiedCount   int           `json:"verifiedCount"`
	TotalRequired   int           `json:"totalRequired"`
	Details         []ProofDetail `json:"verificationDetails"`
}

// ProofVerifierConfig configures a ProofVerifier.
type ProofVerifierConfig struct {
	// Remote checks the institution proof. Optional.
	Remote RemoteVerifier

	// Credential is the payload sent to Remote.
	Credential ProofCredential

	// InstitutionProof defaults to DefaultInstitutionProof.
	InstitutionProof string

	Logger *slog.Logger
}

// ProofVerifier decides whether a caller's proofs satisfy a discount tier.
// It is immutable and safe for concurrent use.
type ProofVerifier struct {
	remote      RemoteVerifier
	credential  ProofCredential
	institution string
	logger      *slog.Logger
}

// NewProofVerifier creates a ProofVerifier.
func NewProofVerifier(cfg ProofVerifierConfig) *ProofVerifier {
	institution := normalizeProof(cfg.InstitutionProof)
	if institution == "" {
		institution = DefaultInstitutionProof
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProofVerifier{
		remote:      cfg.Remote,
		credential:  cfg.Credential,
		institution: institution,
		logger:      logger,
	}
}

func normalizeProof(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func normalizeProofs(proofs []string) []string {
	out := make([]string, 0, len(proofs))
	for _, p := range proofs {
		out = append(out, normalizeProof(p))
	}
	return out
}

// Verify checks every requested proof against the caller's proofs.
// It never fails: an unreachable remote verifier yields an unverified proof.
// A nil ProofVerifier matches locally only.
func (v *ProofVerifier) Verify(ctx context.Context, userProofs, requestedProofs []string) VerificationOutcome {
	if v == nil {
		v = NewProofVerifier(ProofVerifierConfig{})
	}

	user := normalizeProofs(userProofs)
	requested := normalizeProofs(requestedProofs)

	claimed := make(map[string]bool, len(user))
	for _, p := range user {
		claimed[p] = true
	}

	outcome := VerificationOutcome{
		MissingProofs:   []string{},
		UserProofs:      user,
		RequestedProofs: requested,
		TotalRequired:   len(requested),
		Details:         make([]ProofDetail, 0, len(requested)),
	}

	for _, proof := range requested {
		var detail ProofDetail
		if proof == v.institution && claimed[proof] {
			detail = v.verifyRemote(ctx, proof)
		} else {
			detail = ProofDetail{Proof: proof, Verified: claimed[proof]}
		}

		outcome.Details = append(outcome.Details, detail)
		if !detail.Verified {
			outcome.MissingProofs = append(outcome.MissingProofs, proof)
		}
	}

	outcome.VerifiedCount = outcome.TotalRequired - len(outcome.MissingProofs)
	outcome.IsValid = len(outcome.MissingProofs) == 0
	outcome.HasAllProofs = outcome.IsValid

	return outcome
}

func (v *ProofVerifier) verifyRemote(ctx context.Context, proof string) ProofDetail {
	data, ok := v.credential.Data()
	if !ok {
		v.logger.Warn("institution proof credential unavailable", "reason", v.credential.Reason())
		return ProofDetail{Proof: proof, Verified: false, Reason: "proof data not loaded"}
	}
	if v.remote == nil {
		return ProofDetail{Proof: proof, Verified: false, Reason: "proof verifier not configured"}
	}

	result := v.remote.VerifyProof(ctx, data)
	v.logger.Info("institution proof checked", "proof", proof, "status", result.Status.String(), "reason", result.Reason)

	return ProofDetail{
		Proof:        proof,
		Verified:     result.Status == RemoteVerified,
		Reason:       result.Reason,
		APIResult:    result.Body,
		ErrorDetails: result.ErrorDetails,
	}
}
