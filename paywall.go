package x402

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
)

// PaywallConfig customises the built-in browser paywall.
type PaywallConfig struct {
	AppName              string `yaml:"appName"`
	AppLogo              string `yaml:"appLogo"`
	CDPClientKey         string `yaml:"cdpClientKey"`
	SessionTokenEndpoint string `yaml:"sessionTokenEndpoint"`
}

// paywallData is exposed to the page script as window.x402.
type paywallData struct {
	Amount               string                `json:"amount"`
	PaymentRequirements  []PaymentRequirements `json:"paymentRequirements"`
	CurrentURL           string                `json:"currentUrl"`
	Testnet              bool                  `json:"testnet"`
	CDPClientKey         string                `json:"cdpClientKey,omitempty"`
	AppName              string                `json:"appName,omitempty"`
	AppLogo              string                `json:"appLogo,omitempty"`
	SessionTokenEndpoint string                `json:"sessionTokenEndpoint,omitempty"`
}

type paywallPage struct {
	Title       string
	Description template.HTML
	Network     string
	Discount    *VerificationMetadata
	Data        paywallData
}

var paywallTemplate = template.Must(template.New("paywall").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Payment Required - {{.Title}}</title>
<script>window.x402 = {{.Data}};</script>
</head>
<body>
<main>
{{if .Data.AppLogo}}<img src="{{.Data.AppLogo}}" alt="{{.Title}}" height="48">{{end}}
<h1>Payment Required</h1>
<div class="description">{{.Description}}</div>
<p>Pay <strong>${{.Data.Amount}}</strong> on <strong>{{.Network}}</strong> to access this content.</p>
{{with .Discount}}{{if .DiscountApplied}}<p class="discount">Proof discount applied ({{.RequestedProofs}}).</p>{{end}}{{end}}
<div id="x402-wallet"></div>
</main>
</body>
</html>
`))

var markdown = goldmark.New()

// renderPaywall writes the browser paywall with status 402.
func renderPaywall(w http.ResponseWriter, r *http.Request, cfg PaywallConfig, route RouteConfig, price Price, requirements []PaymentRequirements, discount *VerificationMetadata) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if route.Config.CustomPaywallHTML != "" {
		w.WriteHeader(http.StatusPaymentRequired)
		_, err := w.Write([]byte(route.Config.CustomPaywallHTML))
		return err
	}

	var description bytes.Buffer
	if err := markdown.Convert([]byte(route.Config.Description), &description); err != nil {
		description.Reset()
		template.HTMLEscape(&description, []byte(route.Config.Description))
	}

	title := cfg.AppName
	if title == "" {
		title = "x402"
	}

	page := paywallPage{
		Title:       title,
		Description: template.HTML(description.String()),
		Network:     route.Network,
		Discount:    discount,
		Data: paywallData{
			Amount:               price.displayAmount(),
			PaymentRequirements:  requirements,
			CurrentURL:           r.URL.RequestURI(),
			Testnet:              isTestnet(route.Network),
			CDPClientKey:         cfg.CDPClientKey,
			AppName:              cfg.AppName,
			AppLogo:              cfg.AppLogo,
			SessionTokenEndpoint: cfg.SessionTokenEndpoint,
		},
	}

	var body bytes.Buffer
	if err := paywallTemplate.Execute(&body, page); err != nil {
		return err
	}

	w.WriteHeader(http.StatusPaymentRequired)
	_, err := body.WriteTo(w)
	return err
}

func isTestnet(network string) bool {
	n, ok := LookupNetwork(network)
	if !ok {
		return false
	}
	for _, suffix := range []string{"-sepolia", "-fuji", "-amoy", "-testnet", "-devnet"} {
		if strings.HasSuffix(n.Name, suffix) {
			return true
		}
	}
	return false
}

// isBrowserRequest detects a web browser: it must accept HTML and
// identify with a browser User-Agent
func isBrowserRequest(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}

	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	// Common browser User-Agent indicators
	browserIndicators := []string{
		"Mozilla/",
		"Chrome/",
		"Safari/",
		"Firefox/",
		"Edge/",
		"Opera/",
	}

	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
