package response

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sentinelops/aegis/internal/bus"
	"github.com/sentinelops/aegis/internal/config"
	"github.com/sentinelops/aegis/internal/models"
	"github.com/sentinelops/aegis/internal/store"
)

// recordingExecutor captures every data-plane command instead of running it.
type recordingExecutor struct {
	mu       sync.Mutex
	commands []string
	delay    time.Duration
}

func (r *recordingExecutor) Run(ctx context.Context, command string) (string, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
	return "applied", nil
}

// fakeNetwork satisfies ContainerNetwork without a docker daemon.
type fakeNetwork struct {
	mu           sync.Mutex
	disconnected []string
	connected    []string
}

func (f *fakeNetwork) Disconnect(_ context.Context, network, container string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, container)
	return nil
}

func (f *fakeNetwork) Connect(_ context.Context, network, container string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, container)
	return nil
}

func testResponseConfig(production bool) config.ResponseConfig {
	return config.ResponseConfig{
		DecisionMatrix:         config.DefaultDecisionMatrix(),
		RiskBuckets:            config.RiskThresholds{High: 0.7, Medium: 0.4},
		MinConfidenceIntrusive: 0.6,
		ProductionActionsEnabled: production,
		ActionTimeout:          config.Duration(time.Second),
		QuarantineDir:          "/tmp/aegis-test-quarantine",
		DockerNetwork:          "testnet",
	}
}

type testHarness struct {
	engine   *Engine
	store    *store.Store
	executor *recordingExecutor
	network  *fakeNetwork
}

func newTestEngine(t *testing.T, cfg config.ResponseConfig) *testHarness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "resp.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := bus.NewMemoryBus(bus.DefaultMemoryConfig())
	t.Cleanup(func() { b.Close() })

	executor := &recordingExecutor{}
	network := &fakeNetwork{}
	registry := BuiltinRegistry(cfg, network, executor)
	e, err := NewEngine(cfg, registry, nil, b, st)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &testHarness{engine: e, store: st, executor: executor, network: network}
}

func seedAlert(t *testing.T, st *store.Store, srcIP string, severity models.Severity) models.AlertEvent {
	t.Helper()
	alert := models.AlertEvent{
		ID: models.NewEventID(), TS: models.Now(),
		SrcIP: srcIP, DstIP: "10.0.0.5", Proto: "tcp",
		ModelScore: 0.9, Confidence: 0.9, Severity: severity, SensorID: "test",
	}
	if err := st.SaveAlert(context.Background(), alert); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	return alert
}

func reportFor(alert models.AlertEvent, risk, confidence float64) models.InvestigationReport {
	verdict := models.VerdictBenign
	switch {
	case risk >= 0.7:
		verdict = models.VerdictMalicious
	case risk >= 0.4:
		verdict = models.VerdictSuspicious
	}
	return models.InvestigationReport{
		AlertID: alert.ID, TS: models.Now(),
		RiskScore: risk, Verdict: verdict,
		Uncertainty: 1 - confidence, Confidence: confidence,
		AlertSeverity: alert.Severity,
	}
}

func TestHighSeverityHighRiskIsolatesContainer(t *testing.T) {
	h := newTestEngine(t, testResponseConfig(false))
	alert := seedAlert(t, h.store, "203.0.113.7", models.SeverityHigh)

	record := h.engine.HandleReport(context.Background(), reportFor(alert, 0.9, 0.9))
	if record.ActionType != ActionIsolateContainer {
		t.Fatalf("action %s, want isolate_container", record.ActionType)
	}
	if !record.Reversible {
		t.Fatalf("isolate_container must be reversible")
	}
	// Simulation mode: the fake network must never be touched.
	if len(h.network.disconnected) != 0 {
		t.Fatalf("simulation mode touched the data plane")
	}
	if record.Parameters["simulated"] != true {
		t.Fatalf("simulated flag missing: %+v", record.Parameters)
	}
	n, _ := h.store.CountActions(context.Background())
	if n != 1 {
		t.Fatalf("expected one persisted action record, got %d", n)
	}
}

func TestWhitelistedTargetGetsLogOnly(t *testing.T) {
	cfg := testResponseConfig(false)
	cfg.IPWhitelist = []string{"203.0.113.7"}
	h := newTestEngine(t, cfg)
	alert := seedAlert(t, h.store, "203.0.113.7", models.SeverityHigh)

	record := h.engine.HandleReport(context.Background(), reportFor(alert, 0.95, 0.95))
	if record.ActionType != ActionLogOnly {
		t.Fatalf("whitelisted target got %s, want log_only", record.ActionType)
	}
	trace, ok := record.Parameters["gate_trace"].([]string)
	if !ok || len(trace) != 1 || trace[0] != "whitelist" {
		t.Fatalf("gate trace %v, want [whitelist]", record.Parameters["gate_trace"])
	}
	if record.SafetyGate != models.SeverityHigh {
		t.Fatalf("safety gate level %s, want high", record.SafetyGate)
	}
}

func TestLowConfidenceDowngradeIsAudited(t *testing.T) {
	h := newTestEngine(t, testResponseConfig(false))
	alert := seedAlert(t, h.store, "198.51.100.9", models.SeverityHigh)

	record := h.engine.HandleReport(context.Background(), reportFor(alert, 0.9, 0.5))
	if record.ActionType != ActionRateLimit {
		t.Fatalf("low-confidence intrusive action got %s, want rate_limit", record.ActionType)
	}
	trace, _ := record.Parameters["gate_trace"].([]string)
	if len(trace) != 1 || trace[0] != "low_confidence" {
		t.Fatalf("downgrade chain not recorded: %v", record.Parameters["gate_trace"])
	}
}

func TestPerTargetSerializationIsIdempotent(t *testing.T) {
	cfg := testResponseConfig(true)
	h := newTestEngine(t, cfg)
	alert1 := seedAlert(t, h.store, "198.51.100.9", models.SeverityMedium)
	alert2 := seedAlert(t, h.store, "198.51.100.9", models.SeverityMedium)

	// Two reports against the same target, both selecting block_ip, fired
	// concurrently.
	var wg sync.WaitGroup
	records := make([]models.ActionRecord, 2)
	for i, alert := range []models.AlertEvent{alert1, alert2} {
		wg.Add(1)
		go func(i int, alert models.AlertEvent) {
			defer wg.Done()
			records[i] = h.engine.HandleReport(context.Background(), reportFor(alert, 0.9, 0.9))
		}(i, alert)
	}
	wg.Wait()

	n, _ := h.store.CountActions(context.Background())
	if n != 2 {
		t.Fatalf("expected exactly two action records, got %d", n)
	}
	results := map[string]int{}
	for _, r := range records {
		if r.ActionType != ActionBlockIP {
			t.Fatalf("action %s, want block_ip", r.ActionType)
		}
		results[r.Result]++
	}
	if results["already_blocked"] != 1 {
		t.Fatalf("second block must record the existing install: %v", results)
	}
	// Only one iptables rule may have been installed.
	h.executor.mu.Lock()
	installs := len(h.executor.commands)
	h.executor.mu.Unlock()
	if installs != 1 {
		t.Fatalf("expected one data-plane install, got %d", installs)
	}
}

func TestRevertRoundTrip(t *testing.T) {
	cfg := testResponseConfig(true)
	h := newTestEngine(t, cfg)
	alert := seedAlert(t, h.store, "198.51.100.9", models.SeverityMedium)

	original := h.engine.HandleReport(context.Background(), reportFor(alert, 0.9, 0.9))
	if original.ActionType != ActionBlockIP || !original.Reversible {
		t.Fatalf("setup: %+v", original)
	}

	revert, err := h.engine.Revert(context.Background(), original.ActionID)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !revert.Reverted || revert.RevertOf != original.ActionID {
		t.Fatalf("revert record malformed: %+v", revert)
	}

	// Reverting again is a no-op returning the same result.
	again, err := h.engine.Revert(context.Background(), original.ActionID)
	if err != nil {
		t.Fatalf("second revert: %v", err)
	}
	if again.ActionID != revert.ActionID || again.Result != revert.Result {
		t.Fatalf("second revert must return the original revert record")
	}
	n, _ := h.store.CountActions(context.Background())
	if n != 2 {
		t.Fatalf("revert no-op must not append records: %d", n)
	}
}

func TestRevertLogOnlyFails(t *testing.T) {
	h := newTestEngine(t, testResponseConfig(false))
	alert := seedAlert(t, h.store, "198.51.100.9", models.SeverityLow)
	record := h.engine.HandleReport(context.Background(), reportFor(alert, 0.1, 0.9))
	if record.ActionType != ActionLogOnly {
		t.Fatalf("setup: %+v", record)
	}
	if _, err := h.engine.Revert(context.Background(), record.ActionID); err == nil {
		t.Fatalf("log_only revert must fail")
	}
}

func TestActionDeadlineProducesTimeoutRecord(t *testing.T) {
	cfg := testResponseConfig(true)
	cfg.ActionTimeout = config.Duration(50 * time.Millisecond)
	h := newTestEngine(t, cfg)
	h.executor.delay = 500 * time.Millisecond
	alert := seedAlert(t, h.store, "198.51.100.9", models.SeverityMedium)

	record := h.engine.HandleReport(context.Background(), reportFor(alert, 0.9, 0.9))
	if record.Result != "timeout" {
		t.Fatalf("result %q, want timeout", record.Result)
	}
}

func TestProductionIsolationTouchesDocker(t *testing.T) {
	cfg := testResponseConfig(true)
	h := newTestEngine(t, cfg)
	alert := seedAlert(t, h.store, "198.51.100.9", models.SeverityHigh)

	record := h.engine.HandleReport(context.Background(), reportFor(alert, 0.9, 0.9))
	if record.ActionType != ActionIsolateContainer {
		t.Fatalf("action %s", record.ActionType)
	}
	if len(h.network.disconnected) != 1 {
		t.Fatalf("production isolation must disconnect the container")
	}

	if _, err := h.engine.Revert(context.Background(), record.ActionID); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if len(h.network.connected) != 1 {
		t.Fatalf("revert must reconnect the container")
	}
}
