package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// pipelineState is the stage a gated request has reached.
type pipelineState int

const (
	stateAwaitingPayment pipelineState = iota
	stateVerifying
	stateExecuting
	stateSettling
	stateResolved
)

func (s pipelineState) String() string {
	switch s {
	case stateAwaitingPayment:
		return "awaiting_payment"
	case stateVerifying:
		return "verifying"
	case stateExecuting:
		return "executing"
	case stateSettling:
		return "settling"
	case stateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal successors of each state. Every state can
// resolve early; otherwise the pipeline moves strictly forward.
var transitions = map[pipelineState][]pipelineState{
	stateAwaitingPayment: {stateVerifying, stateResolved},
	stateVerifying:       {stateExecuting, stateResolved},
	stateExecuting:       {stateSettling, stateResolved},
	stateSettling:        {stateResolved},
}

// paymentPipeline carries one gated request from challenge to settlement.
// It is not shared between requests.
type paymentPipeline struct {
	gate   *paymentGate
	route  *RoutePattern
	w      http.ResponseWriter
	r      *http.Request
	logger *slog.Logger
	state  pipelineState

	price        Price
	discount     *VerificationMetadata
	requirements []PaymentRequirements
	payment      *PaymentPayload
	selected     *PaymentRequirements
	payer        string
}

func (p *paymentPipeline) advance(to pipelineState) {
	for _, next := range transitions[p.state] {
		if next == to {
			p.logger.Debug("payment pipeline transition", "from", p.state.String(), "to", to.String())
			p.state = to
			return
		}
	}
	panic(fmt.Sprintf("x402: illegal payment pipeline transition %s -> %s", p.state, to))
}

// run drives the request through every stage.
func (p *paymentPipeline) run(next http.Handler) {
	ctx := p.r.Context()

	if err := p.quote(ctx); err != nil {
		p.logger.Error("failed to build payment requirements", "error", err, "code", GetPaymentErrorCode(err))
		sendError(p.w, http.StatusInternalServerError, err.Error())
		p.advance(stateResolved)
		return
	}

	if !p.awaitPayment() {
		p.advance(stateResolved)
		return
	}

	p.advance(stateVerifying)
	if !p.verify(ctx) {
		p.advance(stateResolved)
		return
	}

	p.advance(stateExecuting)
	buffered := p.execute(next)
	if status := buffered.Status(); status >= 400 {
		p.logger.Info("handler failed, skipping settlement", "status", status)
		buffered.release()
		p.advance(stateResolved)
		return
	}

	p.advance(stateSettling)
	p.settle(ctx, buffered)
	p.advance(stateResolved)
}

// quote resolves the price and builds the requirements for the request.
func (p *paymentPipeline) quote(ctx context.Context) error {
	cfg := p.route.Config

	userProofs, err := ParseUserProofs(p.r.Header.Get("X-User-Proofs"))
	if err != nil {
		p.logger.Warn("ignoring malformed user proofs", "error", err)
		userProofs = nil
	}

	p.price, p.discount, err = p.gate.resolver.Resolve(ctx, cfg.Price, cfg.Config.Extra.VariableAmountRequired, userProofs)
	if err != nil {
		return err
	}
	if p.discount != nil {
		p.logger.Info("proof discount evaluated",
			"qualified", p.discount.Qualified,
			"price", p.price.String(),
		)
	}

	p.requirements, err = BuildRequirements(ctx, p.gate.facilitator, RequirementInput{
		Route:    cfg,
		Price:    p.price,
		PayTo:    p.gate.payTo,
		Method:   p.r.Method,
		Resource: ResourceURL(p.r, p.gate.cfg.TrustForwardedHeaders),
	})
	return err
}

// awaitPayment challenges unpaid requests and decodes paid ones.
func (p *paymentPipeline) awaitPayment() bool {
	header := p.r.Header.Get("X-PAYMENT")
	if header == "" {
		if isBrowserRequest(p.r) {
			if err := renderPaywall(p.w, p.r, p.gate.paywall, p.route.Config, p.price, p.requirements, p.discount); err != nil {
				p.logger.Error("failed to render paywall", "error", err)
			}
			return false
		}
		p.paymentRequired("X-PAYMENT header is required", "")
		return false
	}

	payment, err := DecodePaymentHeader(header)
	if err != nil {
		p.logger.Warn("rejected payment header", "error", err)
		p.paymentRequired(err.Error(), "")
		return false
	}
	p.payment = payment

	selected, ok := FindMatchingRequirement(p.requirements, payment)
	if !ok {
		p.logger.Info("payment matches no requirement", "code", ErrNoMatchingRequirement.Code, "network", payment.Network)
		p.paymentRequired(ErrNoMatchingRequirement.Message, "")
		return false
	}
	p.selected = selected

	return true
}

func (p *paymentPipeline) verify(ctx context.Context) bool {
	resp, err := p.gate.facilitator.Verify(ctx, p.payment, p.selected)
	if err != nil {
		p.logger.Error("payment verification error", "error", err)
		p.paymentRequired(NewPaymentError(ErrCodeVerificationFailed, "payment verification error", err).Error(), "")
		return false
	}

	if !resp.IsValid {
		p.logger.Info("payment invalid", "reason", resp.InvalidReason, "payer", resp.Payer)
		p.paymentRequired(resp.InvalidReason, resp.Payer)
		return false
	}

	p.payer = resp.Payer
	return true
}

// execute runs the handler against a buffer so nothing reaches the
// caller before settlement.
func (p *paymentPipeline) execute(next http.Handler) *bufferedResponseWriter {
	paymentCtx := &PaymentContext{
		Verified:     true,
		PayerAddress: p.payer,
		Amount:       p.selected.MaxAmountRequired,
		Price:        p.price.String(),
		Network:      p.selected.Network,
		Asset:        p.selected.Asset,
		Discount:     p.discount,
	}

	ctx := context.WithValue(p.r.Context(), PaymentContextKey, paymentCtx)
	if p.discount != nil {
		ctx = context.WithValue(ctx, VerificationMetadataKey, p.discount)
	}

	buffered := newBufferedResponseWriter(p.w)
	next.ServeHTTP(buffered, p.r.WithContext(ctx))
	return buffered
}

func (p *paymentPipeline) settle(ctx context.Context, buffered *bufferedResponseWriter) {
	resp, err := p.gate.facilitator.Settle(ctx, p.payment, p.selected)
	if err != nil {
		p.logger.Error("payment settlement error", "error", err)
		buffered.discard()
		p.paymentRequired(NewPaymentError(ErrCodeSettlementFailed, "payment settlement error", err).Error(), "")
		return
	}

	if receipt, encErr := EncodePaymentResponse(resp); encErr == nil {
		p.w.Header().Set("X-PAYMENT-RESPONSE", receipt)
	} else {
		p.logger.Error("failed to encode payment receipt", "error", encErr)
	}

	if !resp.Success {
		p.logger.Info("payment settlement failed", "reason", resp.ErrorReason, "payer", resp.Payer)
		buffered.discard()
		p.paymentRequired(resp.ErrorReason, "")
		return
	}

	p.logger.Info("payment settled",
		"payer", resp.Payer,
		"transaction", resp.Transaction,
		"amount", p.selected.MaxAmountRequired,
	)
	buffered.release()
}

// paymentRequired sends a 402 JSON body listing the accepted requirements.
func (p *paymentPipeline) paymentRequired(reason, payer string) {
	sendPaymentRequired(p.w, &PaymentRequiredResponse{
		X402Version: X402Version,
		Error:       reason,
		Accepts:     p.requirements,
		Payer:       payer,
	})
}

// sendPaymentRequired sends a 402 Payment Required response
func sendPaymentRequired(w http.ResponseWriter, response *PaymentRequiredResponse) {
	if response.Accepts == nil {
		response.Accepts = []PaymentRequirements{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(response)
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
