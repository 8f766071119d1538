package intel

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelops/aegis/internal/bus"
	"github.com/sentinelops/aegis/internal/config"
	"github.com/sentinelops/aegis/internal/models"
	"github.com/sentinelops/aegis/internal/store"
)

var (
	metricsOnce sync.Once

	providerErrors *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	reportsEmitted *prometheus.CounterVec
)

func initMetrics() {
	providerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Subsystem: "intel", Name: "provider_errors_total",
		Help: "Failed provider queries, by provider.",
	}, []string{"provider"})
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Subsystem: "intel", Name: "cache_total",
		Help: "Cache lookups by outcome.",
	}, []string{"outcome"})
	reportsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Subsystem: "intel", Name: "reports_emitted_total",
		Help: "Investigation reports published, by verdict.",
	}, []string{"verdict"})
	prometheus.MustRegister(providerErrors, cacheHits, reportsEmitted)
}

type agentProvider struct {
	name    string
	limited *limitedProvider
	ttl     time.Duration
}

// Agent is the investigation stage. One subscription reader feeds a bounded
// pool of concurrent investigations; each investigation fans out one query
// per enabled provider under a common deadline.
type Agent struct {
	cfg       config.IntelConfig
	providers []agentProvider
	cache     Cache
	bus       bus.Bus
	store     *store.Store

	sem chan struct{}
	sub bus.Subscription
	wg  sync.WaitGroup
}

// NewAgent wires the investigation stage. Providers with no credential are
// replaced by deterministic mocks in offline mode and skipped otherwise.
func NewAgent(cfg config.IntelConfig, cache Cache, b bus.Bus, st *store.Store) *Agent {
	metricsOnce.Do(initMetrics)
	if cache == nil {
		cache = NewMemoryCache(cfg.CacheCapacity)
	}
	a := &Agent{
		cfg:   cfg,
		cache: cache,
		bus:   b,
		store: st,
		sem:   make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, name := range BuiltinProviderNames {
		pc, ok := cfg.Providers[name]
		if !ok || !pc.Enabled {
			continue
		}
		var p Provider
		switch {
		case pc.Credential != "":
			p = newBuiltinProvider(name, pc.BaseURL, pc.Credential)
		case cfg.OfflineMode:
			p = &mockProvider{name: name}
		default:
			log.Info().Str("provider", name).Msg("Provider has no credential and offline mode is off, skipping")
			continue
		}
		ttl := pc.TTL.Std()
		if ttl <= 0 {
			ttl = time.Hour
		}
		a.providers = append(a.providers, agentProvider{name: name, limited: newLimitedProvider(p, pc), ttl: ttl})
	}
	return a
}

// RegisterProvider adds a non-builtin provider plug-in before Start.
func (a *Agent) RegisterProvider(p Provider, cfg config.ProviderConfig) {
	ttl := cfg.TTL.Std()
	if ttl <= 0 {
		ttl = time.Hour
	}
	a.providers = append(a.providers, agentProvider{name: p.Name(), limited: newLimitedProvider(p, cfg), ttl: ttl})
}

// Start subscribes to the alerts topic.
func (a *Agent) Start(ctx context.Context) error {
	sub, err := a.bus.Subscribe(bus.TopicAlerts, func(_ context.Context, payload []byte) {
		var alert models.AlertEvent
		if err := json.Unmarshal(payload, &alert); err != nil {
			log.Warn().Err(err).Msg("Malformed alert payload dropped")
			return
		}
		a.sem <- struct{}{}
		a.wg.Add(1)
		go func() {
			defer func() {
				<-a.sem
				a.wg.Done()
			}()
			a.Investigate(ctx, alert)
		}()
	})
	if err != nil {
		return err
	}
	a.sub = sub
	return nil
}

// Stop cancels the subscription and waits for in-flight investigations.
func (a *Agent) Stop() {
	if a.sub != nil {
		a.sub.Cancel()
	}
	a.wg.Wait()
}

// Investigate runs the full fan-out/fusion for one alert and emits the
// report. Deterministic given the alert, cache state, and provider answers.
func (a *Agent) Investigate(ctx context.Context, alert models.AlertEvent) models.InvestigationReport {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FanoutTimeout.Std())
	defer cancel()

	findings := a.fanOut(ctx, alert.SrcIP)
	report := a.fuse(alert, findings)

	if err := a.store.SaveInvestigation(ctx, report); err != nil {
		// The store context may already be past the fan-out deadline; retry
		// once on a fresh one before dropping.
		retryCtx, retryCancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = a.store.SaveInvestigation(retryCtx, report)
		retryCancel()
		if err != nil {
			log.Error().Err(err).Str("alert_id", report.AlertID).Msg("Report dropped: persistence failed")
			return report
		}
	}
	if err := a.bus.Publish(context.Background(), bus.TopicInvestigations, report); err != nil {
		log.Warn().Err(err).Str("alert_id", report.AlertID).Msg("Report publish degraded")
	}
	reportsEmitted.WithLabelValues(string(report.Verdict)).Inc()
	return report
}

// fanOut queries every provider concurrently, consulting the cache first.
// Partial results are fine; the deadline truncates stragglers.
func (a *Agent) fanOut(ctx context.Context, ip string) map[string]models.Finding {
	results := make(map[string]models.Finding, len(a.providers))
	var mu sync.Mutex
	var g errgroup.Group

	for _, ap := range a.providers {
		ap := ap
		g.Go(func() error {
			if f, ok := a.cache.Get(ctx, ap.name, ip); ok {
				cacheHits.WithLabelValues("hit").Inc()
				mu.Lock()
				results[ap.name] = f
				mu.Unlock()
				return nil
			}
			cacheHits.WithLabelValues("miss").Inc()
			f, err := ap.limited.check(ctx, ip)
			if err != nil {
				providerErrors.WithLabelValues(ap.name).Inc()
				log.Debug().Err(err).Str("provider", ap.name).Str("ip", ip).Msg("Provider query failed")
				mu.Lock()
				results[ap.name] = models.Finding{Source: ap.name, Error: err.Error()}
				mu.Unlock()
				return nil
			}
			a.cache.Set(ctx, ap.name, ip, f, ap.ttl)
			mu.Lock()
			results[ap.name] = f
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Hard timeout: proceed with whatever has landed. Stragglers finish
		// in the background; the copy below snapshots the current state.
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]models.Finding, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

// fuse combines the alert's model score with the present provider findings:
// risk = clamp(alpha*model + (1-alpha)*mean(provider scores), 0, 1).
// Uncertainty is the fraction of configured providers that did not answer.
func (a *Agent) fuse(alert models.AlertEvent, findings map[string]models.Finding) models.InvestigationReport {
	total := len(a.providers)
	var sum float64
	var present int
	sources := make([]string, 0, len(findings))
	for name, f := range findings {
		sources = append(sources, name)
		if f.Error != "" {
			continue
		}
		sum += f.NormalizedScore
		present++
	}
	sort.Strings(sources)

	report := models.InvestigationReport{
		AlertID:       alert.ID,
		TS:            models.Now(),
		IOCFindings:   findings,
		Sources:       sources,
		AlertSeverity: alert.Severity,
	}

	if present == 0 {
		// All providers failed or none is configured: fall back to the alert
		// alone and say so loudly via uncertainty.
		report.RiskScore = clamp01(alert.ModelScore)
		report.Uncertainty = 1.0
		report.Confidence = 0.0
		if alert.Severity == models.SeverityHigh {
			report.Verdict = models.VerdictSuspicious
		} else {
			report.Verdict = models.VerdictBenign
		}
		report.Notes = "no threat-intel available; verdict derived from alert severity"
		return report
	}

	mean := sum / float64(present)
	report.RiskScore = clamp01(a.cfg.Alpha*alert.ModelScore + (1-a.cfg.Alpha)*mean)
	report.Uncertainty = 1 - float64(present)/float64(total)
	report.Confidence = 1 - report.Uncertainty
	report.Verdict = bucketVerdict(report.RiskScore, a.cfg.VerdictBuckets)
	return report
}

// bucketVerdict maps a risk score onto a verdict, inclusive on the high side.
func bucketVerdict(risk float64, t config.VerdictThresholds) models.Verdict {
	switch {
	case risk >= t.Malicious:
		return models.VerdictMalicious
	case risk >= t.Suspicious:
		return models.VerdictSuspicious
	default:
		return models.VerdictBenign
	}
}
