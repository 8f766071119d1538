// Package intel is the investigation stage: for each alert it fans out to the
// configured threat-intelligence providers concurrently, fuses the findings
// with the alert's model score into a risk score, and emits a verdict.
// Providers are plug-ins behind one interface; none is load-bearing.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sentinelops/aegis/internal/config"
	"github.com/sentinelops/aegis/internal/models"
)

// Provider answers reputation queries about one IOC class (IP addresses).
type Provider interface {
	Name() string
	// CheckIP returns a Finding with NormalizedScore in [0,1], or an error.
	// Errors are recorded per source and never abort an investigation.
	CheckIP(ctx context.Context, ip string) (models.Finding, error)
}

// limitedProvider wraps a provider with its token bucket and circuit
// breaker. Exhausted budget or an open circuit surfaces as a provider error.
type limitedProvider struct {
	provider Provider
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

func newLimitedProvider(p Provider, cfg config.ProviderConfig) *limitedProvider {
	perDay := cfg.RequestsDay
	if perDay <= 0 {
		perDay = 1000
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &limitedProvider{
		provider: p,
		limiter:  rate.NewLimiter(rate.Limit(float64(perDay)/86400.0), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (lp *limitedProvider) check(ctx context.Context, ip string) (models.Finding, error) {
	if !lp.limiter.Allow() {
		return models.Finding{}, fmt.Errorf("%s: rate limit exhausted", lp.provider.Name())
	}
	result, err := lp.breaker.Execute(func() (any, error) {
		return lp.provider.CheckIP(ctx, ip)
	})
	if err != nil {
		return models.Finding{}, err
	}
	return result.(models.Finding), nil
}

// httpProvider implements the shared HTTP plumbing for the built-in
// providers: one GET with the credential header, a decoded JSON body, and a
// provider-specific normalization.
type httpProvider struct {
	name       string
	baseURL    string
	credential string
	header     string
	client     *http.Client
	normalize  func(raw map[string]any) float64
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) CheckIP(ctx context.Context, ip string) (models.Finding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+ip, nil)
	if err != nil {
		return models.Finding{}, err
	}
	if p.credential != "" {
		req.Header.Set(p.header, p.credential)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Finding{}, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Finding{}, fmt.Errorf("%s: status %d", p.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.Finding{}, fmt.Errorf("%s: read body: %w", p.name, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.Finding{}, fmt.Errorf("%s: decode body: %w", p.name, err)
	}
	return models.Finding{
		Source:          p.name,
		Raw:             raw,
		NormalizedScore: clamp01(p.normalize(raw)),
	}, nil
}

// mockProvider returns a deterministic finding derived from (provider, ip),
// used in offline mode so runs are reproducible without credentials.
type mockProvider struct {
	name string
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) CheckIP(_ context.Context, ip string) (models.Finding, error) {
	h := fnv.New32a()
	h.Write([]byte(p.name + "|" + ip))
	score := float64(h.Sum32()%1000) / 999.0
	return models.Finding{
		Source:          p.name,
		Raw:             map[string]any{"mocked": true, "ip": ip},
		NormalizedScore: score,
		IsMocked:        true,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
