package x402

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"gopkg.in/yaml.v3"
)

// discountDecimals is the fixed decimal convention of discount tier amounts.
// Tier amounts are always read as 6-decimal stablecoin units, whatever the
// route's asset.
const discountDecimals = 6

// Price is what a route charges: either a money string such as "$0.01",
// paid in the network's USDC, or an explicit token amount.
type Price struct {
	Money string
	Token *TokenAmount
}

// TokenAmount is a price given directly in atomic units of an asset.
type TokenAmount struct {
	Amount string    `yaml:"amount"`
	Asset  AssetInfo `yaml:"asset"`
}

// MoneyPrice returns a Price for a money string like "$0.01".
func MoneyPrice(money string) Price {
	return Price{Money: money}
}

// IsZero reports whether no price was configured.
func (p Price) IsZero() bool {
	return p.Money == "" && p.Token == nil
}

func (p Price) String() string {
	if p.Token != nil {
		return fmt.Sprintf("%s of %s", p.Token.Amount, p.Token.Asset.Address)
	}
	return p.Money
}

// UnmarshalYAML accepts a scalar money string or a {amount, asset} mapping.
func (p *Price) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		p.Money = value.Value
		p.Token = nil
		return nil
	case yaml.MappingNode:
		var token TokenAmount
		if err := value.Decode(&token); err != nil {
			return fmt.Errorf("line %d: decoding token price: %w", value.Line, err)
		}
		p.Money = ""
		p.Token = &token
		return nil
	default:
		return fmt.Errorf("line %d: price must be a string or a mapping", value.Line)
	}
}

// ToAtomic converts the price into an atomic amount and the asset it is
// denominated in. Money prices are paid in the network's USDC.
func (p Price) ToAtomic(network string) (string, AssetInfo, error) {
	if p.Token != nil {
		if _, err := parseAtomic(p.Token.Amount); err != nil {
			return "", AssetInfo{}, NewPaymentError(ErrCodeInvalidPrice, "invalid token amount", err)
		}
		if p.Token.Asset.Address == "" {
			return "", AssetInfo{}, NewPaymentError(ErrCodeInvalidPrice, "token price requires an asset address", nil)
		}
		return p.Token.Amount, p.Token.Asset, nil
	}

	info, ok := LookupNetwork(network)
	if !ok {
		return "", AssetInfo{}, NewPaymentError(ErrCodeNetworkNotSupported, fmt.Sprintf("unsupported network: %s", network), nil)
	}

	money, err := ParseMoney(p.Money)
	if err != nil {
		return "", AssetInfo{}, NewPaymentError(ErrCodeInvalidPrice, fmt.Sprintf("invalid price %q", p.Money), err)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(info.USDC.Decimals)), nil)
	scaled := new(big.Rat).Mul(money, new(big.Rat).SetInt(scale))

	// round half up
	q, r := new(big.Int).QuoRem(scaled.Num(), scaled.Denom(), new(big.Int))
	if new(big.Int).Mul(r, big.NewInt(2)).Cmp(scaled.Denom()) >= 0 {
		q.Add(q, big.NewInt(1))
	}

	return q.String(), info.USDC, nil
}

// displayAmount is the human readable amount shown on the paywall.
func (p Price) displayAmount() string {
	if p.Token != nil {
		amount, err := parseAtomic(p.Token.Amount)
		if err != nil {
			return p.Token.Amount
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.Token.Asset.Decimals)), nil)
		return trimZeros(new(big.Rat).SetFrac(amount, scale).FloatString(p.Token.Asset.Decimals))
	}
	money, err := ParseMoney(p.Money)
	if err != nil {
		return p.Money
	}
	return trimZeros(money.FloatString(6))
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// ParseMoney parses a non-negative decimal amount with an optional leading "$".
func ParseMoney(s string) (*big.Rat, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "$")
	if trimmed == "" {
		return nil, fmt.Errorf("empty amount")
	}
	r, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("not a decimal amount: %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative: %q", s)
	}
	return r, nil
}

func parseAtomic(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("not an integer amount: %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative: %q", s)
	}
	return n, nil
}

// FormatAtomicAmount renders a 6-decimal atomic amount as a money string,
// e.g. "5000" becomes "$0.005000".
func FormatAtomicAmount(atomic string) (string, error) {
	n, err := parseAtomic(atomic)
	if err != nil {
		return "", NewPaymentError(ErrCodeInvalidPrice, "invalid discount amount", err)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(discountDecimals), nil)
	return "$" + new(big.Rat).SetFrac(n, scale).FloatString(discountDecimals), nil
}

// VerificationMetadata describes whether, and why, a discount applied.
type VerificationMetadata struct {
	Qualified          bool                 `json:"qualified"`
	DiscountApplied    bool                 `json:"discountApplied"`
	RequestedProofs    string               `json:"requestedProofs,omitempty"`
	DiscountedAmount   string               `json:"discountedAmount,omitempty"`
	DiscountedPrice    string               `json:"discountedPrice,omitempty"`
	UserProofs         []string             `json:"userProofs"`
	VerificationResult *VerificationOutcome `json:"verificationResult"`
}

// PriceResolver picks the price a caller pays given their proof tokens.
type PriceResolver struct {
	Proofs *ProofVerifier

	// DiagnosticsFromLastTier reports the last evaluated tier, instead of
	// the first configured one, when no tier qualifies.
	DiagnosticsFromLastTier bool
}

// ResolvePrice resolves the final price with first-tier failure diagnostics.
func ResolvePrice(ctx context.Context, proofs *ProofVerifier, base Price, tiers []DiscountTier, userProofs []string) (Price, *VerificationMetadata, error) {
	return PriceResolver{Proofs: proofs}.Resolve(ctx, base, tiers, userProofs)
}

// Resolve walks tiers in declaration order. The first tier whose proofs
// are all verified sets the price; later tiers are never considered, even
// when cheaper. Without proofs or tiers the base price stands and the
// metadata is nil.
func (r PriceResolver) Resolve(ctx context.Context, base Price, tiers []DiscountTier, userProofs []string) (Price, *VerificationMetadata, error) {
	if len(userProofs) == 0 || len(tiers) == 0 {
		return base, nil, nil
	}

	var last VerificationOutcome
	for _, tier := range tiers {
		outcome := r.Proofs.Verify(ctx, userProofs, tier.Proofs())
		last = outcome
		if !outcome.IsValid {
			continue
		}

		discounted, err := FormatAtomicAmount(tier.AmountRequired)
		if err != nil {
			return Price{}, nil, err
		}

		return MoneyPrice(discounted), &VerificationMetadata{
			Qualified:          true,
			DiscountApplied:    true,
			RequestedProofs:    tier.RequestedProofs,
			DiscountedAmount:   tier.AmountRequired,
			DiscountedPrice:    discounted,
			UserProofs:         userProofs,
			VerificationResult: &outcome,
		}, nil
	}

	diagnostics := last
	if !r.DiagnosticsFromLastTier {
		diagnostics = r.Proofs.Verify(ctx, userProofs, tiers[0].Proofs())
	}

	return base, &VerificationMetadata{
		Qualified:          false,
		DiscountApplied:    false,
		UserProofs:         userProofs,
		VerificationResult: &diagnostics,
	}, nil
}
