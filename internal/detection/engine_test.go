package detection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinelops/aegis/internal/bus"
	"github.com/sentinelops/aegis/internal/config"
	"github.com/sentinelops/aegis/internal/models"
	"github.com/sentinelops/aegis/internal/store"
)

// fixedScorer returns the same score for every vector.
type fixedScorer struct{ score float64 }

func (s fixedScorer) Name() string        { return "fixed" }
func (s fixedScorer) Probabilistic() bool { return true }
func (s fixedScorer) ScoreBatch(vectors [][]float64) ([]float64, error) {
	out := make([]float64, len(vectors))
	for i := range out {
		out[i] = s.score
	}
	return out, nil
}

func testDetectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		FlowIdleTimeout: config.Duration(time.Second),
		MaxFlows:        10000,
		FlushInterval:   config.Duration(50 * time.Millisecond),
		BatchSize:       64,
		BatchTimeout:    config.Duration(10 * time.Millisecond),
		EmitThreshold:   0.3,
		ScoringWorkers:  2,
		SensorID:        "test-sensor",
	}
}

func runEngine(t *testing.T, cfg config.DetectionConfig, scorer Scorer, packets []models.Packet, wait time.Duration) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "det.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.NewMemoryBus(bus.DefaultMemoryConfig())
	t.Cleanup(func() { b.Close() })

	e := NewEngine(cfg, config.SeverityThresholds{High: 0.8, Medium: 0.5}, NewSliceSource(packets), scorer, nil, b, st)
	e.Start(context.Background())
	time.Sleep(wait)
	e.Stop()
	return st
}

func TestLowScoresAreSuppressed(t *testing.T) {
	// A thousand distinct noise flows, all scored below the emit threshold:
	// nothing may be emitted.
	packets := make([]models.Packet, 0, 1000)
	for i := 0; i < 1000; i++ {
		p := pkt(100+float64(i)*0.01, "192.0.2.1", 60)
		p.SrcPort = uint16(1024 + i)
		packets = append(packets, p)
	}
	st := runEngine(t, testDetectionConfig(), fixedScorer{score: 0.15}, packets, 400*time.Millisecond)

	n, err := st.CountAlerts(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero alerts for sub-threshold traffic, got %d", n)
	}
}

func TestBurstFlowEmitsHighSeverityAlert(t *testing.T) {
	// One dense high-volume flow scored by the heuristic.
	packets := make([]models.Packet, 0, 500)
	for i := 0; i < 500; i++ {
		packets = append(packets, pkt(100+float64(i)*0.01, "203.0.113.7", 2000))
	}
	st := runEngine(t, testDetectionConfig(), nil, packets, 400*time.Millisecond)

	alerts, err := st.ListAlerts(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) == 0 {
		t.Fatalf("expected at least one alert for the burst flow")
	}
	a := alerts[0]
	if a.Severity != models.SeverityHigh {
		t.Fatalf("severity %s, want high (score %v)", a.Severity, a.ModelScore)
	}
	if a.SrcIP != "203.0.113.7" || a.Proto != "tcp" {
		t.Fatalf("wrong flow identity: %+v", a)
	}
	if a.ModelScore < 0.8 {
		t.Fatalf("model score %v, want >= 0.8", a.ModelScore)
	}
	if a.ID == "" || a.SensorID != "test-sensor" {
		t.Fatalf("missing id or sensor: %+v", a)
	}
	if a.Features["packets"] != 500 {
		t.Fatalf("features lost packet count: %v", a.Features["packets"])
	}
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	packets := []models.Packet{
		{TS: 100, SrcIP: "", DstIP: "10.0.0.5", Proto: "tcp", Size: 100},
		{TS: 100, SrcIP: "10.0.0.1", DstIP: "10.0.0.5", Proto: "tcp", Size: 0},
	}
	st := runEngine(t, testDetectionConfig(), fixedScorer{score: 0.99}, packets, 300*time.Millisecond)
	n, _ := st.CountAlerts(context.Background())
	if n != 0 {
		t.Fatalf("malformed packets produced %d alerts", n)
	}
}

// errorScorer always fails; detection must continue without emitting.
type errorScorer struct{}

func (errorScorer) Name() string        { return "broken" }
func (errorScorer) Probabilistic() bool { return false }
func (errorScorer) ScoreBatch([][]float64) ([]float64, error) {
	return nil, context.DeadlineExceeded
}

func TestScorerFailureDiscardsBatchOnly(t *testing.T) {
	packets := []models.Packet{pkt(100, "10.0.0.1", 100)}
	st := runEngine(t, testDetectionConfig(), errorScorer{}, packets, 300*time.Millisecond)
	n, _ := st.CountAlerts(context.Background())
	if n != 0 {
		t.Fatalf("failed scorer still emitted %d alerts", n)
	}
}

func TestProbabilisticConfidence(t *testing.T) {
	// Score 0.4 from a probabilistic scorer means confidence 0.6.
	packets := []models.Packet{pkt(100, "10.0.0.1", 100)}
	st := runEngine(t, testDetectionConfig(), fixedScorer{score: 0.4}, packets, 300*time.Millisecond)

	alerts, err := st.ListAlerts(context.Background(), 1, 0)
	if err != nil || len(alerts) == 0 {
		t.Fatalf("expected an alert: %v", err)
	}
	if alerts[0].Confidence != 0.6 {
		t.Fatalf("confidence %v, want 0.6", alerts[0].Confidence)
	}
}
