package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	x402 "github.com/becomeliminal/grpc-gateway-zkx402"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Routes are matched against the full method name, so patterns look like
// "/package.Service/Method" or "/package.Service/*".

// gate holds what the interceptors share: the validated config and its
// compiled routes.
type gate struct {
	cfg      x402.Config
	patterns []x402.RoutePattern
	resolver x402.PriceResolver
	logger   *slog.Logger
}

func newGate(cfg x402.Config) *gate {
	// Validate configuration at creation time
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	patterns, err := x402.CompileRoutes(cfg.Routes)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &gate{
		cfg:      cfg,
		patterns: patterns,
		resolver: x402.PriceResolver{
			Proofs:                  cfg.Proofs,
			DiagnosticsFromLastTier: cfg.FailureDiagnosticsFromLastTier,
		},
		logger: logger,
	}
}

// authorization is a verified payment waiting for settlement.
type authorization struct {
	payment      *x402.PaymentPayload
	requirements []x402.PaymentRequirements
	selected     *x402.PaymentRequirements
	paymentCtx   *x402.PaymentContext
	logger       *slog.Logger
}

// authorize verifies the payment attached to a call. It returns nil and
// no error when the method is not gated.
func (g *gate) authorize(ctx context.Context, fullMethod string) (*authorization, error) {
	if g.cfg.ShouldSkip(fullMethod) {
		return nil, nil
	}

	route, ok := x402.MatchRoute(g.patterns, "POST", fullMethod)
	if !ok {
		return nil, nil
	}

	logger := g.logger.With("method", fullMethod, "route", route.Key)
	md, _ := metadata.FromIncomingContext(ctx)

	userProofs, err := ExtractUserProofsFromMetadata(md)
	if err != nil {
		logger.Warn("ignoring malformed user proofs", "error", err)
		userProofs = nil
	}

	price, discount, err := g.resolver.Resolve(ctx, route.Config.Price, route.Config.Config.Extra.VariableAmountRequired, userProofs)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	requirements, err := x402.BuildRequirements(ctx, g.cfg.Facilitator, x402.RequirementInput{
		Route:    route.Config,
		Price:    price,
		PayTo:    g.cfg.PayTo,
		Method:   "POST",
		Resource: resourceURL(md, fullMethod),
	})
	if err != nil {
		logger.Error("failed to build payment requirements", "error", err)
		return nil, status.Error(codes.Internal, err.Error())
	}

	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, paymentRequired(requirements, "payment required", "")
	}

	payment, err := x402.DecodePaymentHeader(values[0])
	if err != nil {
		return nil, paymentRequired(requirements, err.Error(), "")
	}

	selected, ok := x402.FindMatchingRequirement(requirements, payment)
	if !ok {
		return nil, paymentRequired(requirements, x402.ErrNoMatchingRequirement.Message, "")
	}

	verifyResp, err := g.cfg.Facilitator.Verify(ctx, payment, selected)
	if err != nil {
		logger.Error("payment verification error", "error", err)
		return nil, paymentRequired(requirements, fmt.Sprintf("payment verification error: %v", err), "")
	}

	if !verifyResp.IsValid {
		return nil, paymentRequired(requirements, verifyResp.InvalidReason, verifyResp.Payer)
	}

	return &authorization{
		payment:      payment,
		requirements: requirements,
		selected:     selected,
		paymentCtx: &x402.PaymentContext{
			Verified:     true,
			PayerAddress: verifyResp.Payer,
			Amount:       selected.MaxAmountRequired,
			Price:        price.String(),
			Network:      selected.Network,
			Asset:        selected.Asset,
			Discount:     discount,
		},
		logger: logger,
	}, nil
}

// context injects the payment into the handler's context.
func (a *authorization) context(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, x402.PaymentContextKey, a.paymentCtx)
	if a.paymentCtx.Discount != nil {
		ctx = context.WithValue(ctx, x402.VerificationMetadataKey, a.paymentCtx.Discount)
	}
	return ctx
}

// settle settles an authorization. The returned trailer carries the
// receipt and may be set even when settlement failed.
func (g *gate) settle(ctx context.Context, a *authorization) (metadata.MD, error) {
	resp, err := g.cfg.Facilitator.Settle(ctx, a.payment, a.selected)
	if err != nil {
		a.logger.Error("payment settlement error", "error", err)
		return nil, paymentRequired(a.requirements, fmt.Sprintf("payment settlement error: %v", err), "")
	}

	var trailer metadata.MD
	if encoded, encErr := x402.EncodePaymentResponse(resp); encErr == nil {
		trailer = metadata.Pairs(MetadataKeyPaymentResponse, encoded)
	} else {
		a.logger.Error("failed to encode payment receipt", "error", encErr)
	}

	if !resp.Success {
		a.logger.Info("payment settlement failed", "reason", resp.ErrorReason)
		return trailer, paymentRequired(a.requirements, resp.ErrorReason, "")
	}

	a.logger.Info("payment settled", "payer", resp.Payer, "transaction", resp.Transaction)
	return trailer, nil
}

// paymentRequired returns a RESOURCE_EXHAUSTED status whose message is the
// base64 JSON 402 body. RESOURCE_EXHAUSTED follows Google Cloud's
// precedent for billing and quota enforcement.
func paymentRequired(requirements []x402.PaymentRequirements, reason, payer string) error {
	if requirements == nil {
		requirements = []x402.PaymentRequirements{}
	}
	encoded, err := EncodePaymentRequired(&x402.PaymentRequiredResponse{
		X402Version: x402.X402Version,
		Error:       reason,
		Accepts:     requirements,
		Payer:       payer,
	})
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

func resourceURL(md metadata.MD, fullMethod string) string {
	if authority := md.Get(":authority"); len(authority) > 0 && authority[0] != "" {
		return "grpc://" + authority[0] + fullMethod
	}
	return "grpc://" + fullMethod
}

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments
// Headers the handler sets are held back until settlement; the receipt is
// returned in the trailer. Calls whose handler fails are not settled.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	g := newGate(cfg)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		auth, err := g.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		if auth == nil {
			// No payment required, proceed normally
			return handler(ctx, req)
		}

		handlerCtx := auth.context(ctx)
		buffered := &bufferedTransportStream{ServerTransportStream: grpc.ServerTransportStreamFromContext(ctx)}
		if buffered.ServerTransportStream != nil {
			handlerCtx = grpc.NewContextWithServerTransportStream(handlerCtx, buffered)
		}

		resp, err := handler(handlerCtx, req)
		if err != nil {
			buffered.release()
			return nil, err
		}

		trailer, err := g.settle(ctx, auth)
		if trailer != nil {
			if setErr := grpc.SetTrailer(ctx, trailer); setErr != nil {
				auth.logger.Warn("failed to set payment receipt trailer", "error", setErr)
			}
		}
		if err != nil {
			buffered.discard()
			return nil, err
		}

		if err := buffered.release(); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// bufferedTransportStream holds header metadata set by a unary handler
// until the call is settled.
type bufferedTransportStream struct {
	grpc.ServerTransportStream

	mu         sync.Mutex
	header     metadata.MD
	sendHeader bool
	done       bool
}

func (s *bufferedTransportStream) SetHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return s.ServerTransportStream.SetHeader(md)
	}
	s.header = metadata.Join(s.header, md)
	return nil
}

func (s *bufferedTransportStream) SendHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return s.ServerTransportStream.SendHeader(md)
	}
	s.header = metadata.Join(s.header, md)
	s.sendHeader = true
	return nil
}

// release forwards the held headers.
func (s *bufferedTransportStream) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.ServerTransportStream == nil {
		s.done = true
		return nil
	}
	s.done = true

	if s.sendHeader {
		return s.ServerTransportStream.SendHeader(s.header)
	}
	if len(s.header) > 0 {
		return s.ServerTransportStream.SetHeader(s.header)
	}
	return nil
}

// discard drops the held headers.
func (s *bufferedTransportStream) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.header = nil
}

// GetPaymentFromContext extracts payment information from the gRPC context
// This can be used in gRPC service handlers to access payment details
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
// Useful for gRPC handlers that must have valid payment
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
