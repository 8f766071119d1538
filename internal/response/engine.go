package response

import (
	"context"
	"encoding/json"
	"fmt"
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

	actionsTotal *prometheus.CounterVec
)

func initMetrics() {
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis", Subsystem: "response", Name: "actions_total",
		Help: "Action records emitted, by type and result class.",
	}, []string{"type", "result"})
	prometheus.MustRegister(actionsTotal)
}

// Engine is the response stage. Reports are dispatched serially off the
// subscription; any two actions against the same target are additionally
// serialized by a per-target lock, so the invariant holds even when reverts
// run concurrently with dispatch.
type Engine struct {
	cfg      config.ResponseConfig
	matrix   *Matrix
	gate     *Gate
	registry *Registry
	advisor  Advisor
	bus      bus.Bus
	store    *store.Store

	targetMu sync.Mutex
	targets  map[string]*sync.Mutex

	sub bus.Subscription
	wg  sync.WaitGroup
}

// BuiltinRegistry registers the six shipped actions wired for the configured
// mode: production executions touch the data plane, otherwise every action
// records its intended effect in simulation.
func BuiltinRegistry(cfg config.ResponseConfig, network ContainerNetwork, executor CommandExecutor) *Registry {
	if executor == nil {
		executor = ShellExecutor{}
	}
	plane := dataplane{executor: executor, production: cfg.ProductionActionsEnabled}
	r := NewRegistry()
	r.Register(NewLogOnlyAction())
	r.Register(NewRateLimitAction(plane))
	r.Register(NewBlockIPAction(plane))
	r.Register(NewIsolateContainerAction(network, cfg.DockerNetwork, cfg.ProductionActionsEnabled))
	r.Register(NewRedirectHoneypotAction(plane, ""))
	r.Register(NewQuarantineFileAction(plane, cfg.QuarantineDir))
	return r
}

// NewEngine validates the decision matrix against the registry and wires the
// response stage. Matrix or gate configuration errors are fatal.
func NewEngine(cfg config.ResponseConfig, registry *Registry, advisor Advisor, b bus.Bus, st *store.Store) (*Engine, error) {
	metricsOnce.Do(initMetrics)
	matrix, err := NewMatrix(cfg.DecisionMatrix, cfg.RiskBuckets, registry.Has)
	if err != nil {
		return nil, err
	}
	gate, err := NewGate(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ActionTimeout.Std() <= 0 {
		cfg.ActionTimeout = config.Duration(5 * time.Second)
	}
	return &Engine{
		cfg:      cfg,
		matrix:   matrix,
		gate:     gate,
		registry: registry,
		advisor:  advisor,
		bus:      b,
		store:    st,
		targets:  make(map[string]*sync.Mutex),
	}, nil
}

// Start subscribes to the investigations topic. The bus serializes handler
// invocations, so dispatch is single-threaded and actions against one target
// land in report order.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe(bus.TopicInvestigations, func(_ context.Context, payload []byte) {
		var report models.InvestigationReport
		if err := json.Unmarshal(payload, &report); err != nil {
			log.Warn().Err(err).Msg("Malformed investigation payload dropped")
			return
		}
		e.wg.Add(1)
		defer e.wg.Done()
		e.HandleReport(ctx, report)
	})
	if err != nil {
		return err
	}
	e.sub = sub
	return nil
}

// Stop cancels the subscription and waits for the in-flight dispatch.
func (e *Engine) Stop() {
	if e.sub != nil {
		e.sub.Cancel()
	}
	e.wg.Wait()
}

func (e *Engine) lockTarget(target string) func() {
	e.targetMu.Lock()
	mu, ok := e.targets[target]
	if !ok {
		mu = &sync.Mutex{}
		e.targets[target] = mu
	}
	e.targetMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// HandleReport runs matrix lookup, advisor, gate, and execution for one
// report, then appends the audit record. Every call executes the selected
// action and records it under a fresh action id; a replayed report is not
// recognized and produces a second action record.
func (e *Engine) HandleReport(ctx context.Context, report models.InvestigationReport) models.ActionRecord {
	alert, err := e.store.GetAlert(ctx, report.AlertID)
	if err != nil {
		log.Warn().Err(err).Str("alert_id", report.AlertID).Msg("Report references unknown alert, dropped")
		return models.ActionRecord{}
	}
	target := alert.SrcIP

	selected := e.matrix.Lookup(report.AlertSeverity, report.RiskScore)
	if e.advisor != nil {
		advised := e.advisor.Advise(report, selected)
		// The advisor may shift the cell but only within the registered
		// action set; the static matrix stays authoritative otherwise.
		if advised != selected && e.registry.Has(advised) {
			log.Debug().Str("matrix", selected).Str("advised", advised).Msg("Advisor shifted action selection")
			selected = advised
		}
	}

	final, trace := e.gate.Apply(selected, target, report.Confidence)
	action, ok := e.registry.Get(final)
	if !ok {
		// Cannot happen for a validated matrix; downgrade defensively.
		action, _ = e.registry.Get(ActionLogOnly)
		final = ActionLogOnly
	}

	params := map[string]any{
		"selected":   selected,
		"gate_trace": trace,
		"simulated":  !e.cfg.ProductionActionsEnabled && final != ActionLogOnly,
	}

	unlock := e.lockTarget(target)
	defer unlock()

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout.Std())
	result, execErr := action.Execute(execCtx, target, params)
	cancel()

	record := models.ActionRecord{
		ActionID:    models.NewActionID(),
		AlertID:     report.AlertID,
		TS:          models.Now(),
		ActionType:  final,
		Target:      target,
		Parameters:  params,
		SafetyGate:  gateLevel(trace),
		Reversible:  result.Reversible,
		RevertToken: result.RevertToken,
	}
	switch {
	case execErr == nil:
		record.Result = result.Output
		actionsTotal.WithLabelValues(final, "ok").Inc()
	case execCtx.Err() == context.DeadlineExceeded || ctx.Err() != nil:
		record.Result = "timeout"
		actionsTotal.WithLabelValues(final, "timeout").Inc()
		log.Warn().Str("action", final).Str("target", target).Msg("Action aborted on deadline")
	default:
		record.Result = "error:" + execErr.Error()
		actionsTotal.WithLabelValues(final, "error").Inc()
		log.Warn().Err(execErr).Str("action", final).Str("target", target).Msg("Action execution failed")
	}

	// Shutdown cancels ctx; the record of an aborted action is still saved.
	e.persistAndPublish(context.WithoutCancel(ctx), record)
	return record
}

// Revert undoes a prior action by id. Reverting an already-reverted action
// is a no-op returning the recorded result.
func (e *Engine) Revert(ctx context.Context, actionID string) (models.ActionRecord, error) {
	original, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return models.ActionRecord{}, fmt.Errorf("revert %s: %w", actionID, err)
	}
	if existing, found, err := e.store.FindRevert(ctx, actionID); err != nil {
		return models.ActionRecord{}, err
	} else if found {
		return existing, nil
	}
	if !original.Reversible || original.RevertToken == "" {
		return models.ActionRecord{}, fmt.Errorf("revert %s: action_type %s is not reversible", actionID, original.ActionType)
	}
	action, ok := e.registry.Get(original.ActionType)
	if !ok {
		return models.ActionRecord{}, fmt.Errorf("revert %s: action_type %s not registered", actionID, original.ActionType)
	}

	unlock := e.lockTarget(original.Target)
	defer unlock()

	revertCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout.Std())
	output, revertErr := action.Revert(revertCtx, original.RevertToken)
	cancel()

	record := models.ActionRecord{
		ActionID:   models.NewActionID(),
		AlertID:    original.AlertID,
		TS:         models.Now(),
		ActionType: original.ActionType,
		Target:     original.Target,
		Parameters: map[string]any{"revert_of": actionID},
		SafetyGate: original.SafetyGate,
		Reversible: false,
		Reverted:   true,
		RevertOf:   actionID,
	}
	if revertErr != nil {
		record.Result = "error:" + revertErr.Error()
		actionsTotal.WithLabelValues(original.ActionType, "revert_error").Inc()
	} else {
		record.Result = output
		actionsTotal.WithLabelValues(original.ActionType, "reverted").Inc()
	}
	e.persistAndPublish(ctx, record)
	if revertErr != nil {
		return record, revertErr
	}
	return record, nil
}

func (e *Engine) persistAndPublish(ctx context.Context, record models.ActionRecord) {
	if err := e.store.SaveAction(ctx, record); err != nil {
		if err = e.store.SaveAction(ctx, record); err != nil {
			log.Error().Err(err).Str("action_id", record.ActionID).Msg("Action record dropped: persistence failed")
			return
		}
	}
	if err := e.bus.Publish(ctx, bus.TopicActions, record); err != nil {
		log.Warn().Err(err).Str("action_id", record.ActionID).Msg("Action publish degraded")
	}
}

// gateLevel classifies how hard the gate intervened, for the audit record.
func gateLevel(trace []string) models.Severity {
	for _, t := range trace {
		if t == "whitelist" || t == "protected_subnet" {
			return models.SeverityHigh
		}
	}
	if len(trace) > 0 {
		return models.SeverityMedium
	}
	return models.SeverityLow
}
