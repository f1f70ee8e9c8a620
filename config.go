package x402

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMaxTimeoutSeconds is advertised when a route does not set its own.
const DefaultMaxTimeoutSeconds = 60

// Config holds the middleware configuration
type Config struct {
	// PayTo is the address that receives payment on every gated route
	PayTo string

	// Routes maps "METHOD /path" patterns to route configuration.
	// Declaration order is match order.
	Routes Routes

	// Facilitator verifies and settles payments (e.g., facilitator.Client)
	Facilitator Facilitator

	// Proofs checks discount proof tokens. When nil, proofs are matched
	// locally only and institution proofs never verify.
	Proofs *ProofVerifier

	// Paywall customises the HTML page served to browsers (optional)
	Paywall PaywallConfig

	// SkipPaths lists paths that should bypass payment checks entirely
	// Useful for health checks, public endpoints, etc.
	SkipPaths []string

	// FailureDiagnosticsFromLastTier makes the metadata of an unqualified
	// request describe the last evaluated discount tier. By default it
	// describes the first configured tier.
	FailureDiagnosticsFromLastTier bool

	// TrustForwardedHeaders takes the resource scheme from
	// X-Forwarded-Proto. Enable it only behind a proxy that sets the header.
	TrustForwardedHeaders bool

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// RouteConfig is the pricing and description of one gated route.
type RouteConfig struct {
	Price   Price        `yaml:"price"`
	Network string       `yaml:"network"`
	Config  RouteOptions `yaml:"config"`
}

// RouteOptions carries the optional descriptive fields of a route.
type RouteOptions struct {
	Description       string         `yaml:"description"`
	MimeType          string         `yaml:"mimeType"`
	MaxTimeoutSeconds int            `yaml:"maxTimeoutSeconds"`
	InputSchema       map[string]any `yaml:"inputSchema"`
	OutputSchema      map[string]any `yaml:"outputSchema"`

	// Resource overrides the resource URL advertised to callers
	Resource string `yaml:"resource"`

	// Discoverable defaults to true
	Discoverable *bool `yaml:"discoverable"`

	// CustomPaywallHTML replaces the built-in paywall page for this route
	CustomPaywallHTML string `yaml:"customPaywallHtml"`

	Extra RouteExtra `yaml:"extra"`
}

// RouteExtra is the open bag echoed to callers in the requirement's extra
// field. Discount tiers and content metadata are typed; anything else is
// passed through as-is.
type RouteExtra struct {
	VariableAmountRequired []DiscountTier `yaml:"variableAmountRequired" json:"variableAmountRequired,omitempty"`
	ContentMetadata        []ContentClaim `yaml:"contentMetadata" json:"contentMetadata,omitempty"`
	Other                  map[string]any `yaml:",inline" json:"-"`
}

// DiscountTier maps a set of proofs to a reduced amount. Tiers are
// evaluated in declaration order and the first satisfied one wins.
type DiscountTier struct {
	// RequestedProofs is a comma separated list of proof identifiers
	RequestedProofs string `yaml:"requestedProofs" json:"requestedProofs"`

	// AmountRequired is the discounted amount in atomic units
	AmountRequired string `yaml:"amountRequired" json:"amountRequired"`
}

// Proofs splits RequestedProofs on commas and trims each entry.
func (t DiscountTier) Proofs() []string {
	if strings.TrimSpace(t.RequestedProofs) == "" {
		return nil
	}
	parts := strings.Split(t.RequestedProofs, ",")
	proofs := make([]string, 0, len(parts))
	for _, p := range parts {
		proofs = append(proofs, strings.TrimSpace(p))
	}
	return proofs
}

// ContentClaim advertises a provenance proof about the content. It is
// informational and never used for gating.
type ContentClaim struct {
	Proof string `yaml:"proof" json:"proof"`
}

// asMap flattens the bag into the map merged into a requirement's extra.
func (e RouteExtra) asMap() map[string]any {
	out := make(map[string]any, len(e.Other)+2)
	maps.Copy(out, e.Other)
	if len(e.VariableAmountRequired) > 0 {
		out["variableAmountRequired"] = e.VariableAmountRequired
	}
	if len(e.ContentMetadata) > 0 {
		out["contentMetadata"] = e.ContentMetadata
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return fmt.Errorf("facilitator is required")
	}

	if c.PayTo == "" {
		return fmt.Errorf("payTo is required")
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}

	if _, err := CompileRoutes(c.Routes); err != nil {
		return err
	}

	for _, route := range c.Routes {
		if err := route.Config.Validate(); err != nil {
			return fmt.Errorf("invalid route %q: %w", route.Pattern, err)
		}
	}

	return nil
}

// Validate checks if the route configuration is valid
func (r *RouteConfig) Validate() error {
	if r.Price.IsZero() {
		return fmt.Errorf("price is required")
	}

	if r.Network == "" {
		return fmt.Errorf("network is required")
	}

	if _, ok := LookupNetwork(r.Network); !ok {
		return NewPaymentError(ErrCodeNetworkNotSupported, fmt.Sprintf("unsupported network: %s", r.Network), nil)
	}

	if _, _, err := r.Price.ToAtomic(r.Network); err != nil {
		return err
	}

	for i, tier := range r.Config.Extra.VariableAmountRequired {
		if len(tier.Proofs()) == 0 {
			return fmt.Errorf("discount tier %d: requestedProofs is required", i)
		}
		if _, err := FormatAtomicAmount(tier.AmountRequired); err != nil {
			return fmt.Errorf("discount tier %d: %w", i, err)
		}
	}

	if r.Config.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("maxTimeoutSeconds must not be negative")
	}

	return nil
}

// FileConfig is the on-disk configuration of a gateway process.
type FileConfig struct {
	Listen     string `yaml:"listen"`
	GRPCListen string `yaml:"grpcListen"`
	PayTo      string `yaml:"payTo"`

	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Proofs      ProofsConfig      `yaml:"proofs"`
	Paywall     PaywallConfig     `yaml:"paywall"`

	SkipPaths                      []string `yaml:"skipPaths"`
	FailureDiagnosticsFromLastTier bool     `yaml:"failureDiagnosticsFromLastTier"`
	TrustForwardedHeaders          bool     `yaml:"trustForwardedHeaders"`

	Routes Routes `yaml:"routes"`

	// GRPCRoutes gate native gRPC methods, keyed by full method name
	GRPCRoutes Routes `yaml:"grpcRoutes"`
}

// FacilitatorConfig locates the facilitator service.
type FacilitatorConfig struct {
	URL string `yaml:"url"`

	// Headers are sent with every facilitator call, e.g. an API key
	Headers map[string]string `yaml:"headers"`
}

// ProofsConfig configures the institution proof check.
type ProofsConfig struct {
	// CredentialFile is a JSON (comments allowed) proof credential
	CredentialFile string `yaml:"credentialFile"`

	// VerifyURL is the remote verifier endpoint
	VerifyURL string `yaml:"verifyUrl"`

	// InstitutionProof overrides the proof identifier that triggers remote verification
	InstitutionProof string `yaml:"institutionProof"`
}

// LoadConfig reads a YAML gateway configuration from path.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML gateway configuration and fills defaults.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":4021"
	}
	if cfg.Facilitator.URL == "" {
		cfg.Facilitator.URL = DefaultFacilitatorURL
	}
	if cfg.Proofs.VerifyURL == "" {
		cfg.Proofs.VerifyURL = DefaultProofVerifyURL
	}
	if cfg.Proofs.InstitutionProof == "" {
		cfg.Proofs.InstitutionProof = DefaultInstitutionProof
	}

	return &cfg, nil
}

// DefaultFacilitatorURL is the public x402 facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// NewVerifier loads the proof credential and builds a ProofVerifier that
// checks institution proofs against VerifyURL.
func (p ProofsConfig) NewVerifier(logger *slog.Logger) *ProofVerifier {
	if logger == nil {
		logger = slog.Default()
	}

	credential := LoadProofCredential(p.CredentialFile)
	if _, ok := credential.Data(); ok {
		logger.Info("loaded proof credential", "file", p.CredentialFile, "fingerprint", credential.Fingerprint())
	} else {
		logger.Warn("proof credential unavailable, institution proofs will not verify", "reason", credential.Reason())
	}

	return NewProofVerifier(ProofVerifierConfig{
		Remote:           NewHTTPProofVerifier(p.VerifyURL),
		Credential:       credential,
		InstitutionProof: p.InstitutionProof,
		Logger:           logger,
	})
}

// MiddlewareConfig assembles the HTTP middleware configuration.
func (f *FileConfig) MiddlewareConfig(facilitator Facilitator, proofs *ProofVerifier, logger *slog.Logger) Config {
	return Config{
		PayTo:                          f.PayTo,
		Routes:                         f.Routes,
		Facilitator:                    facilitator,
		Proofs:                         proofs,
		Paywall:                        f.Paywall,
		SkipPaths:                      f.SkipPaths,
		FailureDiagnosticsFromLastTier: f.FailureDiagnosticsFromLastTier,
		TrustForwardedHeaders:          f.TrustForwardedHeaders,
		Logger:                         logger,
	}
}
