package intel

import (
	"net/http"
	"time"
)

// Built-in provider names. Each maps to one reputation service with its own
// normalization rule; at least two enabled providers make a viable core.
const (
	ProviderRepNet       = "repnet"
	ProviderAbuseConf    = "abuseconf"
	ProviderPulseXchange = "pulsexchange"
	ProviderFraudScore   = "fraudscore"
	ProviderCommunity    = "community"
	ProviderScannerWatch = "scannerwatch"
)

// BuiltinProviderNames lists the shipped providers in registration order.
var BuiltinProviderNames = []string{
	ProviderRepNet,
	ProviderAbuseConf,
	ProviderPulseXchange,
	ProviderFraudScore,
	ProviderCommunity,
	ProviderScannerWatch,
}

var defaultBaseURLs = map[string]string{
	ProviderRepNet:       "https://api.repnet.example/v1/ip/",
	ProviderAbuseConf:    "https://api.abuseconf.example/v2/check/",
	ProviderPulseXchange: "https://otx.pulsexchange.example/api/v1/indicators/IPv4/",
	ProviderFraudScore:   "https://api.fraudscore.example/ip/",
	ProviderCommunity:    "https://api.community.example/v3/ip_addresses/",
	ProviderScannerWatch: "https://api.scannerwatch.example/v3/community/",
}

var credentialHeaders = map[string]string{
	ProviderRepNet:       "X-Api-Key",
	ProviderAbuseConf:    "Key",
	ProviderPulseXchange: "X-OTX-API-KEY",
	ProviderFraudScore:   "X-Api-Key",
	ProviderCommunity:    "x-apikey",
	ProviderScannerWatch: "key",
}

// newBuiltinProvider constructs one of the shipped providers with its
// documented normalization:
//
//	repnet:        reputation in [-100,100], normalized (-rep+100)/200
//	abuseconf:     abuse confidence in [0,100], normalized /100
//	pulsexchange:  pulse count, normalized min(count/5, 1)
//	fraudscore:    fraud score in [0,100], normalized /100
//	community:     malicious/(malicious+benign+1) vote ratio
//	scannerwatch:  classification benign/unknown/malicious -> 0.0/0.3/0.9
func newBuiltinProvider(name, baseURL, credential string) Provider {
	if baseURL == "" {
		baseURL = defaultBaseURLs[name]
	}
	p := &httpProvider{
		name:       name,
		baseURL:    baseURL,
		credential: credential,
		header:     credentialHeaders[name],
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	switch name {
	case ProviderRepNet:
		p.normalize = func(raw map[string]any) float64 {
			rep := asFloat(raw["reputation"])
			return (-rep + 100) / 200
		}
	case ProviderAbuseConf:
		p.normalize = func(raw map[string]any) float64 {
			if data, ok := raw["data"].(map[string]any); ok {
				return asFloat(data["abuseConfidenceScore"]) / 100
			}
			return asFloat(raw["abuseConfidenceScore"]) / 100
		}
	case ProviderPulseXchange:
		p.normalize = func(raw map[string]any) float64 {
			count := asFloat(raw["pulse_count"])
			if info, ok := raw["pulse_info"].(map[string]any); ok {
				count = asFloat(info["count"])
			}
			return min(count/5, 1)
		}
	case ProviderFraudScore:
		p.normalize = func(raw map[string]any) float64 {
			return asFloat(raw["fraud_score"]) / 100
		}
	case ProviderCommunity:
		p.normalize = func(raw map[string]any) float64 {
			malicious := asFloat(raw["votes_malicious"])
			benign := asFloat(raw["votes_benign"])
			return malicious / (malicious + benign + 1)
		}
	case ProviderScannerWatch:
		p.normalize = func(raw map[string]any) float64 {
			switch raw["classification"] {
			case "malicious":
				return 0.9
			case "benign":
				return 0.0
			default:
				return 0.3
			}
		}
	default:
		return nil
	}
	return p
}
