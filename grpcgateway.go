package x402

import (
	"context"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// gRPC metadata keys carrying payment information from the gateway to
// backend handlers.
const (
	MetadataKeyVerified        = "x-payment-verified"
	MetadataKeyPayer           = "x-payment-payer"
	MetadataKeyAmount          = "x-payment-amount"
	MetadataKeyPrice           = "x-payment-price"
	MetadataKeyNetwork         = "x-payment-network"
	MetadataKeyAsset           = "x-payment-asset"
	MetadataKeyDiscountApplied = "x-payment-discount-applied"
	MetadataKeyDiscountProofs  = "x-payment-discount-proofs"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return metadata.MD{}
		}
		return PaymentMetadata(payment)
	})
}

// PaymentMetadata encodes a payment context as gRPC metadata.
func PaymentMetadata(payment *PaymentContext) metadata.MD {
	md := metadata.MD{}
	md.Set(MetadataKeyVerified, strconv.FormatBool(payment.Verified))
	md.Set(MetadataKeyPayer, payment.PayerAddress)
	md.Set(MetadataKeyAmount, payment.Amount)
	md.Set(MetadataKeyNetwork, payment.Network)

	if payment.Price != "" {
		md.Set(MetadataKeyPrice, payment.Price)
	}

	if payment.Asset != "" {
		md.Set(MetadataKeyAsset, payment.Asset)
	}

	if payment.Discount != nil {
		md.Set(MetadataKeyDiscountApplied, strconv.FormatBool(payment.Discount.DiscountApplied))
		if payment.Discount.RequestedProofs != "" {
			md.Set(MetadataKeyDiscountProofs, payment.Discount.RequestedProofs)
		}
	}

	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	// Check if payment was verified
	if first(md, MetadataKeyVerified) != "true" {
		return nil, false
	}

	payment := &PaymentContext{
		Verified:     true,
		PayerAddress: first(md, MetadataKeyPayer),
		Amount:       first(md, MetadataKeyAmount),
		Price:        first(md, MetadataKeyPrice),
		Network:      first(md, MetadataKeyNetwork),
		Asset:        first(md, MetadataKeyAsset),
	}

	if applied := first(md, MetadataKeyDiscountApplied); applied != "" {
		discountApplied, _ := strconv.ParseBool(applied)
		payment.Discount = &VerificationMetadata{
			Qualified:       discountApplied,
			DiscountApplied: discountApplied,
			RequestedProofs: first(md, MetadataKeyDiscountProofs),
		}
	}

	return payment, true
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if you need to make payment decisions based on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	if pattern, ok := runtime.HTTPPathPattern(ctx); ok {
		return pattern, true
	}
	// routes added with ServeMux.HandlePath only carry the parsed pattern
	if pattern, ok := runtime.HTTPPattern(ctx); ok {
		return pattern.String(), true
	}
	return "", false
}
