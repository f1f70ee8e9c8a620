package x402

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

const testFileConfig = `
listen: ":8080"
payTo: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
facilitator:
  url: https://facilitator.example.com
  headers:
    X-Api-Key: secret
proofs:
  credentialFile: proof.json
skipPaths: ["/health"]
failureDiagnosticsFromLastTier: true
routes:
  GET /motivate:
    price: "$0.01"
    network: base-sepolia
    config:
      description: Motivational quote
      maxTimeoutSeconds: 30
      extra:
        variableAmountRequired:
          - requestedProofs: "zkproofOf(human), zkproofOf(instituion=NYT)"
            amountRequired: "5000"
        contentMetadata:
          - proof: "zkproof(human)"
        category: quotes
  /api/*:
    price:
      amount: "1000"
      asset:
        address: "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
        decimals: 6
    network: base
  GET /api/cheap:
    price: "$0.001"
    network: base
grpcRoutes:
  /quotes.v1.QuoteService/GetQuote:
    price: "$0.02"
    network: base
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testFileConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("expected listen :8080, got %s", cfg.Listen)
	}
	if cfg.Facilitator.URL != "https://facilitator.example.com" {
		t.Errorf("unexpected facilitator url %s", cfg.Facilitator.URL)
	}
	if cfg.Facilitator.Headers["X-Api-Key"] != "secret" {
		t.Errorf("expected facilitator headers, got %v", cfg.Facilitator.Headers)
	}
	if cfg.Proofs.VerifyURL != DefaultProofVerifyURL {
		t.Errorf("expected default verify url, got %s", cfg.Proofs.VerifyURL)
	}
	if cfg.Proofs.InstitutionProof != DefaultInstitutionProof {
		t.Errorf("expected default institution proof, got %s", cfg.Proofs.InstitutionProof)
	}
	if !cfg.FailureDiagnosticsFromLastTier {
		t.Error("expected failureDiagnosticsFromLastTier")
	}

	// declaration order is preserved
	wantOrder := []string{"GET /motivate", "/api/*", "GET /api/cheap"}
	if len(cfg.Routes) != len(wantOrder) {
		t.Fatalf("expected %d routes, got %d", len(wantOrder), len(cfg.Routes))
	}
	for i, want := range wantOrder {
		if cfg.Routes[i].Pattern != want {
			t.Errorf("route %d: expected %s, got %s", i, want, cfg.Routes[i].Pattern)
		}
	}

	motivate := cfg.Routes[0].Config
	if motivate.Price.Money != "$0.01" || motivate.Config.MaxTimeoutSeconds != 30 {
		t.Errorf("unexpected motivate route %+v", motivate)
	}
	tiers := motivate.Config.Extra.VariableAmountRequired
	if len(tiers) != 1 || tiers[0].AmountRequired != "5000" {
		t.Errorf("unexpected tiers %+v", tiers)
	}
	if len(motivate.Config.Extra.ContentMetadata) != 1 {
		t.Errorf("expected content metadata, got %+v", motivate.Config.Extra.ContentMetadata)
	}
	if motivate.Config.Extra.Other["category"] != "quotes" {
		t.Errorf("expected unknown extra keys to be kept, got %v", motivate.Config.Extra.Other)
	}

	api := cfg.Routes[1].Config
	if api.Price.Token == nil || api.Price.Token.Amount != "1000" {
		t.Errorf("expected token price, got %+v", api.Price)
	}

	if len(cfg.GRPCRoutes) != 1 || cfg.GRPCRoutes[0].Pattern != "/quotes.v1.QuoteService/GetQuote" {
		t.Errorf("unexpected grpc routes %+v", cfg.GRPCRoutes)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`payTo: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"`))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Listen != ":4021" {
		t.Errorf("expected default listen, got %s", cfg.Listen)
	}
	if cfg.Facilitator.URL != DefaultFacilitatorURL {
		t.Errorf("expected default facilitator, got %s", cfg.Facilitator.URL)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "routes not a mapping", doc: "routes: [a, b]"},
		{name: "bad price shape", doc: "routes:\n  GET /a:\n    price: [1]\n"},
		{name: "not yaml", doc: "routes: {"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.doc)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(testFileConfig), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	middleware := cfg.MiddlewareConfig(&MockFacilitator{}, nil, slog.Default())
	if err := middleware.Validate(); err != nil {
		t.Errorf("expected loaded config to be valid: %v", err)
	}
	if len(middleware.SkipPaths) != 1 || !middleware.FailureDiagnosticsFromLastTier {
		t.Errorf("expected settings to be carried over, got %+v", middleware)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	validRoute := RouteConfig{Price: MoneyPrice("$0.01"), Network: "base-sepolia"}

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid",
			config: Config{
				PayTo:       testPayTo,
				Facilitator: &MockFacilitator{},
				Routes:      Routes{{Pattern: "GET /motivate", Config: validRoute}},
			},
		},
		{
			name: "missing facilitator",
			config: Config{
				PayTo:  testPayTo,
				Routes: Routes{{Pattern: "GET /motivate", Config: validRoute}},
			},
			wantErr: true,
		},
		{
			name: "missing payTo",
			config: Config{
				Facilitator: &MockFacilitator{},
				Routes:      Routes{{Pattern: "GET /motivate", Config: validRoute}},
			},
			wantErr: true,
		},
		{
			name: "no routes",
			config: Config{
				PayTo:       testPayTo,
				Facilitator: &MockFacilitator{},
			},
			wantErr: true,
		},
		{
			name: "bad pattern",
			config: Config{
				PayTo:       testPayTo,
				Facilitator: &MockFacilitator{},
				Routes:      Routes{{Pattern: "motivate", Config: validRoute}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRouteConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		route   RouteConfig
		wantErr bool
	}{
		{name: "valid", route: RouteConfig{Price: MoneyPrice("$0.01"), Network: "base"}},
		{name: "caip2 network", route: RouteConfig{Price: MoneyPrice("$0.01"), Network: "eip155:84532"}},
		{name: "missing price", route: RouteConfig{Network: "base"}, wantErr: true},
		{name: "missing network", route: RouteConfig{Price: MoneyPrice("$0.01")}, wantErr: true},
		{name: "unsupported network", route: RouteConfig{Price: MoneyPrice("$0.01"), Network: "ethereum"}, wantErr: true},
		{name: "bad price", route: RouteConfig{Price: MoneyPrice("a dollar"), Network: "base"}, wantErr: true},
		{
			name:    "negative timeout",
			route:   RouteConfig{Price: MoneyPrice("$0.01"), Network: "base", Config: RouteOptions{MaxTimeoutSeconds: -1}},
			wantErr: true,
		},
		{
			name: "valid tier",
			route: RouteConfig{Price: MoneyPrice("$0.01"), Network: "base", Config: RouteOptions{Extra: RouteExtra{
				VariableAmountRequired: []DiscountTier{{RequestedProofs: "zkproofOf(human)", AmountRequired: "5000"}},
			}}},
		},
		{
			name: "tier without proofs",
			route: RouteConfig{Price: MoneyPrice("$0.01"), Network: "base", Config: RouteOptions{Extra: RouteExtra{
				VariableAmountRequired: []DiscountTier{{AmountRequired: "5000"}},
			}}},
			wantErr: true,
		},
		{
			name: "tier with bad amount",
			route: RouteConfig{Price: MoneyPrice("$0.01"), Network: "base", Config: RouteOptions{Extra: RouteExtra{
				VariableAmountRequired: []DiscountTier{{RequestedProofs: "zkproofOf(human)", AmountRequired: "$0.005"}},
			}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.route.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProofsConfigNewVerifier(t *testing.T) {
	v := ProofsConfig{VerifyURL: "http://127.0.0.1:0/verify"}.NewVerifier(slog.Default())
	if v == nil {
		t.Fatal("expected verifier")
	}
	if v.credential.Reason() != "no credential file configured" {
		t.Errorf("unexpected credential reason %q", v.credential.Reason())
	}
	if v.institution != DefaultInstitutionProof {
		t.Errorf("expected default institution proof, got %s", v.institution)
	}
}
