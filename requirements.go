package x402

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/becomeliminal/grpc-gateway-zkx402/evm"
)

// RequirementInput is everything needed to describe how a request must be paid.
type RequirementInput struct {
	Route  RouteConfig
	Price  Price // resolved, possibly discounted
	PayTo  string
	Method string

	// Resource is the canonical URL of the request; the route's own
	// resource setting takes precedence
	Resource string
}

// BuildRequirements returns the payment requirements for one request.
// Routes carry a single network so at most one requirement is built.
// EVM requirements advertise the asset's EIP-712 domain merged with the
// route's extra bag; SVM requirements advertise the facilitator's fee payer.
func BuildRequirements(ctx context.Context, facilitator Facilitator, in RequirementInput) ([]PaymentRequirements, error) {
	network, ok := LookupNetwork(in.Route.Network)
	if !ok {
		return nil, NewPaymentError(ErrCodeNetworkNotSupported, fmt.Sprintf("unsupported network: %s", in.Route.Network), nil)
	}

	amount, asset, err := in.Price.ToAtomic(in.Route.Network)
	if err != nil {
		return nil, err
	}

	opts := in.Route.Config
	req := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           in.Route.Network,
		MaxAmountRequired: amount,
		Resource:          in.Resource,
		Description:       opts.Description,
		MimeType:          opts.MimeType,
		MaxTimeoutSeconds: opts.MaxTimeoutSeconds,
		OutputSchema:      outputSchema(in.Method, opts),
	}
	if opts.Resource != "" {
		req.Resource = opts.Resource
	}
	if req.MaxTimeoutSeconds == 0 {
		req.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}

	switch network.Family {
	case FamilyEVM:
		payTo, err := evm.ChecksumAddress(in.PayTo)
		if err != nil {
			return nil, NewPaymentError(ErrCodeInvalidConfig, "payTo is not an EVM address", err)
		}
		assetAddress, err := evm.ChecksumAddress(asset.Address)
		if err != nil {
			return nil, NewPaymentError(ErrCodeInvalidPrice, "asset is not an EVM address", err)
		}
		req.PayTo = payTo
		req.Asset = assetAddress

		extra := map[string]any{}
		if asset.EIP712 != nil {
			extra["name"] = asset.EIP712.Name
			extra["version"] = asset.EIP712.Version
		}
		maps.Copy(extra, opts.Extra.asMap())
		req.Extra = extra

	case FamilySVM:
		supported, err := facilitator.Supported(ctx)
		if err != nil {
			return nil, NewPaymentError(ErrCodeMissingFeePayer, fmt.Sprintf("could not fetch supported kinds for network: %s", in.Route.Network), err)
		}
		feePayer := supported.FeePayer(in.Route.Network)
		if feePayer == "" {
			return nil, NewPaymentError(ErrCodeMissingFeePayer, fmt.Sprintf("the facilitator did not provide a fee payer for network: %s", in.Route.Network), nil)
		}
		req.PayTo = in.PayTo
		req.Asset = asset.Address
		req.Extra = map[string]any{"feePayer": feePayer}

	default:
		return nil, NewPaymentError(ErrCodeNetworkNotSupported, fmt.Sprintf("unsupported network: %s", in.Route.Network), nil)
	}

	return []PaymentRequirements{req}, nil
}

func outputSchema(method string, opts RouteOptions) map[string]any {
	discoverable := true
	if opts.Discoverable != nil {
		discoverable = *opts.Discoverable
	}

	input := map[string]any{
		"type":         "http",
		"method":       strings.ToUpper(method),
		"discoverable": discoverable,
	}
	maps.Copy(input, opts.InputSchema)

	schema := map[string]any{"input": input}
	if opts.OutputSchema != nil {
		schema["output"] = opts.OutputSchema
	}
	return schema
}

// ResourceURL returns scheme://host/path of r, without the query string.
// X-Forwarded-Proto is honoured only when trustForwarded is set, i.e. when
// the gateway runs behind a proxy that overwrites it.
func ResourceURL(r *http.Request, trustForwarded bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); trustForwarded && proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// FindMatchingRequirement selects the requirement the payment was made
// against. The exact scheme payloads do not name their asset, so scheme
// and network decide.
func FindMatchingRequirement(requirements []PaymentRequirements, payment *PaymentPayload) (*PaymentRequirements, bool) {
	for i := range requirements {
		if requirements[i].Scheme == payment.Scheme && sameNetwork(requirements[i].Network, payment.Network) {
			return &requirements[i], true
		}
	}
	return nil, false
}

func sameNetwork(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	na, okA := LookupNetwork(a)
	nb, okB := LookupNetwork(b)
	return okA && okB && na.Name == nb.Name
}
