package x402

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// paymentGate is the immutable state shared by every request through one
// middleware instance.
type paymentGate struct {
	patterns    []RoutePattern
	facilitator Facilitator
	resolver    PriceResolver
	payTo       string
	paywall     PaywallConfig
	cfg         Config
	logger      *slog.Logger
}

// newPaymentGate validates cfg and prepares it for serving.
func newPaymentGate(cfg Config) (*paymentGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	patterns, err := CompileRoutes(cfg.Routes)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	proofs := cfg.Proofs
	if proofs == nil {
		proofs = NewProofVerifier(ProofVerifierConfig{Logger: logger})
	}

	return &paymentGate{
		patterns:    patterns,
		facilitator: cfg.Facilitator,
		resolver: PriceResolver{
			Proofs:                  proofs,
			DiagnosticsFromLastTier: cfg.FailureDiagnosticsFromLastTier,
		},
		payTo:   cfg.PayTo,
		paywall: cfg.Paywall,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// match finds the route gating a request, honouring skip paths.
func (g *paymentGate) match(method, requestPath string) (*RoutePattern, bool) {
	if g.cfg.ShouldSkip(requestPath) {
		return nil, false
	}
	return MatchRoute(g.patterns, method, requestPath)
}

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements
// It integrates with grpc-gateway and any router accepting func(http.Handler) http.Handler.
//
// Requests that match no route pass through untouched. A matched request
// without payment receives a 402 challenge. A paid request is verified,
// served into a buffer, settled, and only then released to the caller.
// Responses with status >= 400 are released without settlement.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	gate, err := newPaymentGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, ok := gate.match(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			p := &paymentPipeline{
				gate:   gate,
				route:  route,
				w:      w,
				r:      r,
				logger: gate.logger.With("route", route.Key, "path", r.URL.Path),
				state:  stateAwaitingPayment,
			}
			p.run(next)
		})
	}
}

// GetPaymentFromContext extracts payment information from the request context
// This can be used in gRPC handlers to access payment details
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

// GetVerificationMetadata returns the proof discount evaluation of the
// request, if the caller presented proofs for a route with discount tiers.
func GetVerificationMetadata(ctx context.Context) (*VerificationMetadata, bool) {
	metadata, ok := ctx.Value(VerificationMetadataKey).(*VerificationMetadata)
	return metadata, ok && metadata != nil
}
