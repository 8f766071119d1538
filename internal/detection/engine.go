package detection

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/sentinelops/aegis/internal/bus"
	"github.com/sentinelops/aegis/internal/config"
	"github.com/sentinelops/aegis/internal/models"
	"github.com/sentinelops/aegis/internal/store"
)

var (
	metricsOnce sync.Once

	packetsInvalid prometheus.Counter
	flowsEvicted   *prometheus.CounterVec
	alertsEmitted  *prometheus.CounterVec
	scorerErrors   prometheus.Counter
)

func initMetrics() {
	packetsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis", Subsystem: "detection", Name: "packets_invalid_total",
		Help: "Malformed packets dropped at ingest.",
	})
	flowsEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Subsystem: "detection", Name: "flows_evicted_total",
		Help: "Flows evicted from the flow table.",
	}, []string{"reason"})
	alertsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Subsystem: "detection", Name: "alerts_emitted_total",
		Help: "Alerts published on the bus.",
	}, []string{"severity"})
	scorerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis", Subsystem: "detection", Name: "scorer_errors_total",
		Help: "Scoring batches discarded because the scorer failed.",
	})
	prometheus.MustRegister(packetsInvalid, flowsEvicted, alertsEmitted, scorerErrors)
}

// Engine is the detection stage. One ingest worker owns the flow table;
// scoring runs on a pool fed through a batch queue, so packet ingest waits on
// scoring only when that queue is full.
type Engine struct {
	cfg      config.DetectionConfig
	severity config.SeverityThresholds
	source   PacketSource
	scorer   Scorer
	scaler   Scaler
	bus      bus.Bus
	store    *store.Store

	batchQueue chan []FeatureVector
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// pending accumulates feature vectors until the batch is dispatched.
	pending      []FeatureVector
	pendingSince time.Time
}

// NewEngine wires the detection stage. A nil scorer selects the heuristic.
func NewEngine(cfg config.DetectionConfig, severity config.SeverityThresholds, source PacketSource, scorer Scorer, scaler Scaler, b bus.Bus, st *store.Store) *Engine {
	metricsOnce.Do(initMetrics)
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	workers := cfg.ScoringWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	e := &Engine{
		cfg:        cfg,
		severity:   severity,
		source:     source,
		scorer:     scorer,
		scaler:     scaler,
		bus:        b,
		store:      st,
		batchQueue: make(chan []FeatureVector, workers*2),
	}
	e.cfg.ScoringWorkers = workers
	return e
}

// Start launches the ingest worker and the scoring pool.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.cfg.ScoringWorkers; i++ {
		e.wg.Add(1)
		go e.scoreLoop(ctx)
	}
	e.wg.Add(1)
	go e.ingestLoop(ctx)
}

// Stop cancels the workers and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// readLoop blocks on the packet source and feeds the ingest worker. A
// dedicated reader keeps the blocking Next call from starving the flush and
// batch-timeout ticks.
func (e *Engine) readLoop(ctx context.Context, pktCh chan<- models.Packet) {
	defer e.wg.Done()
	defer close(pktCh)
	for {
		pkt, err := e.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Msg("Packet source exhausted, detection engine idle")
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Packet source read failed")
			continue
		}
		select {
		case pktCh <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// ingestLoop is the single writer of the flow table. It folds packets into
// flows and flushes feature vectors on eviction and on the periodic flush
// tick. End-of-stream leaves the engine idle without tearing anything down.
func (e *Engine) ingestLoop(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.batchQueue)

	pktCh := make(chan models.Packet, e.cfg.BatchSize)
	e.wg.Add(1)
	go e.readLoop(ctx, pktCh)

	table := NewFlowTable(e.cfg.MaxFlows, e.cfg.FlowIdleTimeout.Std())
	flush := time.NewTicker(e.cfg.FlushInterval.Std())
	defer flush.Stop()
	batchTick := time.NewTicker(e.cfg.BatchTimeout.Std())
	defer batchTick.Stop()

	var clock float64 // latest packet timestamp seen
	eof := false

	for {
		select {
		case <-ctx.Done():
			e.dispatchPending(ctx, true)
			return
		case <-flush.C:
			cutoffClock := clock
			if eof {
				// No packets will advance the clock again; age everything out.
				cutoffClock = clock + e.cfg.FlowIdleTimeout.Std().Seconds() + 1
			}
			for _, f := range table.EvictIdle(cutoffClock) {
				flowsEvicted.WithLabelValues("idle").Inc()
				e.enqueue(ctx, Featurize(f))
			}
			// Flush active flows so detection latency stays bounded even for
			// long-lived flows.
			for _, f := range table.Snapshot() {
				e.enqueue(ctx, Featurize(f))
			}
			e.dispatchPending(ctx, false)
		case <-batchTick.C:
			if !e.pendingSince.IsZero() && time.Since(e.pendingSince) >= e.cfg.BatchTimeout.Std() {
				e.dispatchPending(ctx, false)
			}
		case pkt, ok := <-pktCh:
			if !ok {
				eof = true
				pktCh = nil // disable this case; ticks keep the engine alive
				continue
			}
			if !pkt.Valid() {
				packetsInvalid.Inc()
				continue
			}
			if pkt.TS > clock {
				clock = pkt.TS
			}
			_, evicted := table.Upsert(pkt)
			if evicted != nil {
				flowsEvicted.WithLabelValues("lru").Inc()
				e.enqueue(ctx, Featurize(evicted))
			}
		}
	}
}

// enqueue appends a vector to the pending batch, dispatching when full.
func (e *Engine) enqueue(ctx context.Context, fv FeatureVector) {
	if e.pending == nil {
		e.pendingSince = time.Now()
	}
	e.pending = append(e.pending, fv)
	if len(e.pending) >= e.cfg.BatchSize {
		e.dispatchPending(ctx, false)
	}
}

func (e *Engine) dispatchPending(ctx context.Context, final bool) {
	if len(e.pending) == 0 {
		return
	}
	batch := e.pending
	e.pending = nil
	e.pendingSince = time.Time{}
	if final {
		select {
		case e.batchQueue <- batch:
		default:
		}
		return
	}
	select {
	case e.batchQueue <- batch:
	case <-ctx.Done():
	}
}

// scoreLoop drains the batch queue, scores, and emits alerts.
func (e *Engine) scoreLoop(ctx context.Context) {
	defer e.wg.Done()
	for batch := range e.batchQueue {
		e.scoreBatch(ctx, batch)
	}
}

func (e *Engine) scoreBatch(ctx context.Context, batch []FeatureVector) {
	vectors := make([][]float64, len(batch))
	for i, fv := range batch {
		v := fv.Values
		if e.scaler != nil {
			v = e.scaler.Transform(v)
		}
		vectors[i] = v
	}
	scores, err := e.scorer.ScoreBatch(vectors)
	if err != nil || len(scores) != len(batch) {
		scorerErrors.Inc()
		log.Warn().Err(err).Int("batch", len(batch)).Msg("Scorer failed, batch discarded")
		return
	}
	for i, fv := range batch {
		score := clamp01(scores[i])
		if score < e.cfg.EmitThreshold {
			continue
		}
		e.emit(ctx, fv, score)
	}
}

func (e *Engine) emit(ctx context.Context, fv FeatureVector, score float64) {
	severity := models.Severity(bucketSeverity(score, e.severity.High, e.severity.Medium))
	confidence := score
	if e.scorer.Probabilistic() {
		if c := 1 - score; c > confidence {
			confidence = c
		}
	}
	alert := models.AlertEvent{
		ID:         models.NewEventID(),
		TS:         fv.Flow.LastSeen,
		SrcIP:      fv.Flow.Key.SrcIP,
		DstIP:      fv.Flow.Key.DstIP,
		Proto:      fv.Flow.Key.Proto,
		Features:   fv.Named(),
		ModelScore: score,
		Confidence: confidence,
		Severity:   severity,
		SensorID:   e.cfg.SensorID,
	}

	// The durable write commits before the publish is acknowledged; one
	// retry, then the event is dropped with an audit log.
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		if err = e.store.SaveAlert(ctx, alert); err != nil {
			log.Error().Err(err).Str("alert_id", alert.ID).Msg("Alert dropped: persistence failed")
			return
		}
	}
	if err := e.bus.Publish(ctx, bus.TopicAlerts, alert); err != nil {
		log.Warn().Err(err).Str("alert_id", alert.ID).Msg("Alert publish degraded")
	}
	alertsEmitted.WithLabelValues(string(severity)).Inc()
}
