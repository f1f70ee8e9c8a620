package x402

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsBrowserRequest(t *testing.T) {
	tests := []struct {
		name      string
		accept    string
		userAgent string
		want      bool
	}{
		{name: "chrome", accept: "text/html,application/xhtml+xml", userAgent: "Mozilla/5.0 Chrome/120.0", want: true},
		{name: "safari", accept: "text/html", userAgent: "Mozilla/5.0 (Macintosh) Safari/605.1.15", want: true},
		{name: "curl with html accept", accept: "text/html", userAgent: "curl/8.4.0", want: false},
		{name: "browser asking for json", accept: "application/json", userAgent: "Mozilla/5.0", want: false},
		{name: "no user agent", accept: "text/html", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("Accept", tt.accept)
			if tt.userAgent != "" {
				req.Header.Set("User-Agent", tt.userAgent)
			}
			if got := isBrowserRequest(req); got != tt.want {
				t.Errorf("isBrowserRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenderPaywall(t *testing.T) {
	route := RouteConfig{
		Price:   MoneyPrice("$0.01"),
		Network: "base-sepolia",
		Config:  RouteOptions{Description: "A **motivational** quote"},
	}
	requirements := []PaymentRequirements{{Scheme: "exact", Network: "base-sepolia", MaxAmountRequired: "10000"}}

	req := httptest.NewRequest("GET", "/motivate?topic=work", nil)
	w := httptest.NewRecorder()

	err := renderPaywall(w, req, PaywallConfig{AppName: "Quotes", CDPClientKey: "cdp-key"}, route, route.Price, requirements, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{
		"<title>Payment Required - Quotes</title>",
		"<strong>motivational</strong>",
		"<strong>$0.01</strong>",
		"base-sepolia",
		`"testnet":true`,
		`"cdpClientKey":"cdp-key"`,
		`"maxAmountRequired":"10000"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected paywall to contain %q", want)
		}
	}
}

func TestRenderPaywall_Discount(t *testing.T) {
	route := RouteConfig{Price: MoneyPrice("$0.01"), Network: "base"}
	discount := &VerificationMetadata{Qualified: true, DiscountApplied: true, RequestedProofs: "zkproofOf(human)"}

	w := httptest.NewRecorder()
	err := renderPaywall(w, httptest.NewRequest("GET", "/", nil), PaywallConfig{}, route, MoneyPrice("$0.005000"), nil, discount)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "<strong>$0.005</strong>") {
		t.Error("expected discounted amount")
	}
	if !strings.Contains(body, "Proof discount applied") {
		t.Error("expected discount notice")
	}
	if !strings.Contains(body, `"testnet":false`) {
		t.Error("base is not a testnet")
	}
}

func TestRenderPaywall_CustomHTML(t *testing.T) {
	route := RouteConfig{
		Price:   MoneyPrice("$0.01"),
		Network: "base",
		Config:  RouteOptions{CustomPaywallHTML: "<html><body>Pay up</body></html>"},
	}

	w := httptest.NewRecorder()
	if err := renderPaywall(w, httptest.NewRequest("GET", "/", nil), PaywallConfig{}, route, route.Price, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}
	if w.Body.String() != "<html><body>Pay up</body></html>" {
		t.Errorf("expected custom paywall verbatim, got %q", w.Body.String())
	}
}
