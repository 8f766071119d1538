// Package response is the final pipeline stage: it maps each investigation
// report through a severity x risk decision matrix, applies the safety gate,
// executes the selected action against the data plane (or records the intent
// in simulation mode), and appends an auditable action record. Actions
// against the same target are strictly serialized.
package response

import (
	"fmt"

	"github.com/sentinelops/aegis/internal/config"
	"github.com/sentinelops/aegis/internal/models"
)

// Action type names in the built-in registry.
const (
	ActionLogOnly          = "log_only"
	ActionRateLimit        = "rate_limit"
	ActionBlockIP          = "block_ip"
	ActionIsolateContainer = "isolate_container"
	ActionRedirectHoneypot = "redirect_to_honeypot"
	ActionQuarantineFile   = "quarantine_file"
)

// intrusiveActions alter data-plane state and are subject to the confidence
// gate.
var intrusiveActions = map[string]bool{
	ActionBlockIP:          true,
	ActionIsolateContainer: true,
	ActionRedirectHoneypot: true,
}

// Matrix is the validated severity x risk decision table.
type Matrix struct {
	cells map[models.Severity]map[string]string
	risk  config.RiskThresholds
}

// NewMatrix validates the configured table against the registered action
// set. An unknown action_type anywhere in the table is a fatal configuration
// error; the process must not start with a matrix it cannot execute.
func NewMatrix(table map[string]map[string]string, risk config.RiskThresholds, registered func(string) bool) (*Matrix, error) {
	if table == nil {
		table = config.DefaultDecisionMatrix()
	}
	m := &Matrix{cells: make(map[models.Severity]map[string]string), risk: risk}
	for _, sev := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh} {
		row, ok := table[string(sev)]
		if !ok {
			return nil, fmt.Errorf("decision matrix: missing severity row %q", sev)
		}
		m.cells[sev] = make(map[string]string, 3)
		for _, bucket := range []string{"low", "medium", "high"} {
			action, ok := row[bucket]
			if !ok || action == "" {
				// A default cell is always present.
				action = ActionLogOnly
			}
			if !registered(action) {
				return nil, fmt.Errorf("decision matrix: unknown action_type %q at %s x %s", action, sev, bucket)
			}
			m.cells[sev][bucket] = action
		}
	}
	return m, nil
}

// RiskBucket buckets a risk score, inclusive on the high side.
func (m *Matrix) RiskBucket(risk float64) string {
	switch {
	case risk >= m.risk.High:
		return "high"
	case risk >= m.risk.Medium:
		return "medium"
	default:
		return "low"
	}
}

// Lookup returns the action type for a severity and risk score.
func (m *Matrix) Lookup(severity models.Severity, risk float64) string {
	row, ok := m.cells[severity]
	if !ok {
		return ActionLogOnly
	}
	return row[m.RiskBucket(risk)]
}

// Advisor may propose a different cell selection before the safety gate, for
// example a learned response policy. The static matrix stays authoritative:
// an advisor can only shift between registered action types, and the gate
// always applies to whatever comes out.
type Advisor interface {
	Advise(report models.InvestigationReport, matrixChoice string) string
}
