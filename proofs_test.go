package x402

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubRemote struct {
	result     RemoteResult
	calls      int
	credential json.RawMessage
}

func (s *stubRemote) VerifyProof(ctx context.Context, credential json.RawMessage) RemoteResult {
	s.calls++
	s.credential = credential
	return s.result
}

func TestProofVerifier_LocalProofs(t *testing.T) {
	v := NewProofVerifier(ProofVerifierConfig{})

	outcome := v.Verify(context.Background(),
		[]string{"  ZKPROOFOF(Human) "},
		[]string{"zkproofOf(human)", "zkproofOf(adult)"},
	)

	if outcome.IsValid || outcome.HasAllProofs {
		t.Error("expected invalid outcome with a missing proof")
	}
	if outcome.VerifiedCount != 1 || outcome.TotalRequired != 2 {
		t.Errorf("expected 1/2 verified, got %d/%d", outcome.VerifiedCount, outcome.TotalRequired)
	}
	if len(outcome.MissingProofs) != 1 || outcome.MissingProofs[0] != "zkproofof(adult)" {
		t.Errorf("unexpected missing proofs: %v", outcome.MissingProofs)
	}
	if outcome.UserProofs[0] != "zkproofof(human)" {
		t.Errorf("expected normalized user proof, got %q", outcome.UserProofs[0])
	}
	if len(outcome.Details) != 2 || !outcome.Details[0].Verified || outcome.Details[1].Verified {
		t.Errorf("unexpected details: %+v", outcome.Details)
	}
}

func TestProofVerifier_NilVerifier(t *testing.T) {
	var v *ProofVerifier

	outcome := v.Verify(context.Background(), []string{"zkproofOf(human)"}, []string{"zkproofOf(human)"})
	if !outcome.IsValid {
		t.Error("expected locally matched proof to verify")
	}
}

func TestProofVerifier_InstitutionRequiresClaim(t *testing.T) {
	remote := &stubRemote{result: RemoteResult{Status: RemoteVerified}}
	v := NewProofVerifier(ProofVerifierConfig{
		Remote:     remote,
		Credential: LoadedCredential(json.RawMessage(`{"data":{}}`)),
	})

	outcome := v.Verify(context.Background(),
		[]string{"zkproofOf(human)"},
		[]string{"zkproofOf(instituion=NYT)"},
	)

	if outcome.IsValid {
		t.Error("unclaimed institution proof must not verify")
	}
	if remote.calls != 0 {
		t.Errorf("remote verifier should not be called for unclaimed proof, got %d calls", remote.calls)
	}
}

func TestProofVerifier_InstitutionVerifiedRemotely(t *testing.T) {
	credential := json.RawMessage(`{"data":{"proof":"abc"}}`)
	remote := &stubRemote{result: RemoteResult{Status: RemoteVerified, Body: json.RawMessage(`{"verified":true}`)}}
	v := NewProofVerifier(ProofVerifierConfig{Remote: remote, Credential: LoadedCredential(credential)})

	outcome := v.Verify(context.Background(),
		[]string{"zkproofOf(instituion=NYT)"},
		[]string{"zkproofOf(instituion=NYT)"},
	)

	if !outcome.IsValid {
		t.Fatalf("expected institution proof to verify: %+v", outcome)
	}
	if string(remote.credential) != string(credential) {
		t.Errorf("expected credential to be sent, got %s", remote.credential)
	}
	if string(outcome.Details[0].APIResult) != `{"verified":true}` {
		t.Errorf("expected api result in details, got %s", outcome.Details[0].APIResult)
	}
}

func TestProofVerifier_InstitutionRejected(t *testing.T) {
	tests := []struct {
		name   string
		result RemoteResult
		reason string
	}{
		{
			name:   "rejected",
			result: RemoteResult{Status: RemoteRejected, Body: json.RawMessage(`{"verified":false}`)},
		},
		{
			name:   "unreachable",
			result: RemoteResult{Status: RemoteUnreachable, Reason: "API error: 503"},
			reason: "API error: 503",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &stubRemote{result: tt.result}
			v := NewProofVerifier(ProofVerifierConfig{
				Remote:     remote,
				Credential: LoadedCredential(json.RawMessage(`{"data":{}}`)),
			})

			outcome := v.Verify(context.Background(),
				[]string{"zkproofOf(instituion=NYT)"},
				[]string{"zkproofOf(instituion=NYT)"},
			)

			if outcome.IsValid {
				t.Error("expected institution proof to fail")
			}
			if outcome.Details[0].Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, outcome.Details[0].Reason)
			}
		})
	}
}

func TestProofVerifier_CredentialNotLoaded(t *testing.T) {
	remote := &stubRemote{result: RemoteResult{Status: RemoteVerified}}
	v := NewProofVerifier(ProofVerifierConfig{
		Remote:     remote,
		Credential: UnavailableCredential("reading proof.json: no such file"),
	})

	outcome := v.Verify(context.Background(),
		[]string{"zkproofOf(instituion=NYT)"},
		[]string{"zkproofOf(instituion=NYT)"},
	)

	if outcome.IsValid {
		t.Error("expected failure without credential")
	}
	if outcome.Details[0].Reason != "proof data not loaded" {
		t.Errorf("unexpected reason %q", outcome.Details[0].Reason)
	}
	if remote.calls != 0 {
		t.Error("remote verifier should not be called without credential")
	}
}

func TestProofVerifier_CustomInstitution(t *testing.T) {
	remote := &stubRemote{result: RemoteResult{Status: RemoteRejected}}
	v := NewProofVerifier(ProofVerifierConfig{
		Remote:           remote,
		Credential:       LoadedCredential(json.RawMessage(`{"data":{}}`)),
		InstitutionProof: "zkproofOf(institution=ACME)",
	})

	// the default institution is now a plain self-asserted proof
	outcome := v.Verify(context.Background(),
		[]string{"zkproofOf(instituion=NYT)"},
		[]string{"zkproofOf(instituion=NYT)"},
	)
	if !outcome.IsValid || remote.calls != 0 {
		t.Errorf("expected local match without remote call, valid=%v calls=%d", outcome.IsValid, remote.calls)
	}

	outcome = v.Verify(context.Background(),
		[]string{"zkproofOf(institution=ACME)"},
		[]string{"zkproofOf(institution=ACME)"},
	)
	if outcome.IsValid || remote.calls != 1 {
		t.Errorf("expected remote rejection, valid=%v calls=%d", outcome.IsValid, remote.calls)
	}
}

func TestNormalizeRemoteResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   RemoteStatus
		reason string
	}{
		{name: "verified flag", status: 200, body: `{"verified":true}`, want: RemoteVerified},
		{name: "valid flag", status: 200, body: `{"valid":true}`, want: RemoteVerified},
		{name: "status success", status: 200, body: `{"status":"success"}`, want: RemoteVerified},
		{name: "status success empty error", status: 200, body: `{"status":"success","error":""}`, want: RemoteVerified},
		{name: "status success with error", status: 200, body: `{"status":"success","error":"expired"}`, want: RemoteRejected},
		{name: "success flag", status: 201, body: `{"success":true,"error":null}`, want: RemoteVerified},
		{name: "success flag with error object", status: 200, body: `{"success":true,"error":{}}`, want: RemoteRejected},
		{name: "success flag with zero error", status: 200, body: `{"success":true,"error":0}`, want: RemoteVerified},
		{name: "string true is not true", status: 200, body: `{"verified":"true"}`, want: RemoteRejected},
		{name: "explicit failure", status: 200, body: `{"success":false}`, want: RemoteRejected},
		{name: "unknown shape", status: 200, body: `{"result":"ok"}`, want: RemoteRejected},
		{name: "invalid json", status: 200, body: `<html>`, want: RemoteUnreachable, reason: "Invalid JSON response from verify API"},
		{name: "server error", status: 500, body: `{"error":"boom"}`, want: RemoteUnreachable, reason: "API error: 500"},
		{name: "client error", status: 404, body: `not found`, want: RemoteUnreachable, reason: "API error: 404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeRemoteResponse(tt.status, []byte(tt.body))
			if got.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Status)
			}
			if got.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, got.Reason)
			}
		})
	}
}

func TestNormalizeRemoteResponse_ErrorDetails(t *testing.T) {
	got := NormalizeRemoteResponse(500, []byte(`{"error":"boom"}`))
	if string(got.ErrorDetails) != `{"error":"boom"}` {
		t.Errorf("expected JSON body as details, got %s", got.ErrorDetails)
	}

	got = NormalizeRemoteResponse(502, []byte(strings.Repeat("a", 600)))
	var details map[string]string
	if err := json.Unmarshal(got.ErrorDetails, &details); err != nil {
		t.Fatalf("expected raw wrapper: %v", err)
	}
	if len(details["raw"]) != 500 {
		t.Errorf("expected raw body capped at 500 bytes, got %d", len(details["raw"]))
	}
}

func TestHTTPProofVerifier(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %s", ct)
		}
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"success":true,"message":"proof accepted"}`))
	}))
	defer server.Close()

	result := NewHTTPProofVerifier(server.URL).VerifyProof(context.Background(), json.RawMessage(`{"data":{"proof":"abc"}}`))

	if result.Status != RemoteVerified {
		t.Errorf("expected verified, got %s (%s)", result.Status, result.Reason)
	}
	if string(received) != `{"data":{"proof":"abc"}}` {
		t.Errorf("unexpected request body %s", received)
	}
}

func TestHTTPProofVerifier_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	result := NewHTTPProofVerifier(url).VerifyProof(context.Background(), json.RawMessage(`{}`))

	if result.Status != RemoteUnreachable {
		t.Errorf("expected unreachable, got %s", result.Status)
	}
	if result.Err == nil {
		t.Error("expected transport error")
	}
}
