package response

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sentinelops/aegis/internal/models"
)

// Result is what an action execution hands back for the audit record.
type Result struct {
	Output      string
	Reversible  bool
	RevertToken string
}

// Action is the plug-in contract for response actions.
type Action interface {
	Name() string
	Execute(ctx context.Context, target string, params map[string]any) (Result, error)
	// Revert undoes a prior execution identified by its opaque token.
	Revert(ctx context.Context, token string) (string, error)
}

// Registry is the startup-time action registry consulted by the decision
// matrix. No runtime reflection: an action either registered at startup or
// the matrix referencing it failed validation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action. Re-registering a name replaces the previous one.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Name()] = a
}

// Get returns the action for a type name.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Has reports whether a type name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// CommandExecutor runs one data-plane command. The production executor
// shells out; tests substitute a recorder.
type CommandExecutor interface {
	Run(ctx context.Context, command string) (string, error)
}

// ShellExecutor runs commands through /bin/sh.
type ShellExecutor struct{}

// Run implements CommandExecutor.
func (ShellExecutor) Run(ctx context.Context, command string) (string, error) {
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// dataplane is the shared execution helper: production mode runs the command,
// simulation mode records the intended effect without touching anything.
type dataplane struct {
	executor   CommandExecutor
	production bool
}

func (d dataplane) run(ctx context.Context, command string) (string, bool, error) {
	if !d.production {
		return "simulated: " + command, true, nil
	}
	out, err := d.executor.Run(ctx, command)
	return out, false, err
}

// revertToken carries what an action needs to undo itself. It travels as an
// opaque JSON string inside the action record.
type revertToken struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Command   string `json:"command,omitempty"`
	Simulated bool   `json:"simulated,omitempty"`
	Extra     string `json:"extra,omitempty"`
}

func (t revertToken) encode() string {
	data, _ := json.Marshal(t)
	return string(data)
}

func decodeToken(token string) (revertToken, error) {
	var t revertToken
	if err := json.Unmarshal([]byte(token), &t); err != nil {
		return t, fmt.Errorf("malformed revert token: %w", err)
	}
	return t, nil
}

// LogOnlyAction records the decision and nothing else. Not reversible.
type LogOnlyAction struct{}

// NewLogOnlyAction creates the default cell action.
func NewLogOnlyAction() *LogOnlyAction { return &LogOnlyAction{} }

func (*LogOnlyAction) Name() string { return ActionLogOnly }

// Execute implements Action.
func (*LogOnlyAction) Execute(_ context.Context, target string, _ map[string]any) (Result, error) {
	log.Info().Str("target", target).Msg("Response recorded, no data-plane change")
	return Result{Output: "logged", Reversible: false}, nil
}

// Revert implements Action.
func (*LogOnlyAction) Revert(_ context.Context, _ string) (string, error) {
	return "", fmt.Errorf("log_only is not reversible")
}

// RateLimitAction caps the target's bandwidth with a tc policing filter.
type RateLimitAction struct {
	plane dataplane
	// RateKbit is the cap applied to matched traffic.
	RateKbit int
	// Iface is the interface the filter attaches to.
	Iface string
}

// NewRateLimitAction creates the bandwidth-cap action.
func NewRateLimitAction(plane dataplane) *RateLimitAction {
	return &RateLimitAction{plane: plane, RateKbit: 512, Iface: "eth0"}
}

func (*RateLimitAction) Name() string { return ActionRateLimit }

// Execute implements Action.
func (a *RateLimitAction) Execute(ctx context.Context, target string, _ map[string]any) (Result, error) {
	cmd := fmt.Sprintf(
		"tc filter add dev %s parent ffff: protocol ip prio 1 u32 match ip src %s police rate %dkbit burst 10k drop flowid :1",
		a.Iface, target, a.RateKbit)
	out, simulated, err := a.plane.run(ctx, cmd)
	if err != nil {
		return Result{}, fmt.Errorf("rate_limit %s: %w", target, err)
	}
	token := revertToken{
		ID: models.NewActionID(), Action: ActionRateLimit, Target: target,
		Command:   fmt.Sprintf("tc filter del dev %s parent ffff: prio 1", a.Iface),
		Simulated: simulated,
	}
	return Result{Output: out, Reversible: true, RevertToken: token.encode()}, nil
}

// Revert implements Action.
func (a *RateLimitAction) Revert(ctx context.Context, token string) (string, error) {
	t, err := decodeToken(token)
	if err != nil {
		return "", err
	}
	if t.Simulated {
		return "simulated: " + t.Command, nil
	}
	out, err := a.plane.executor.Run(ctx, t.Command)
	if err != nil {
		return "", fmt.Errorf("revert rate_limit %s: %w", t.Target, err)
	}
	return out, nil
}

// BlockIPAction installs a drop rule against the target. Installs are
// idempotent: a second block of an already-blocked target records the
// existing block instead of stacking rules.
type BlockIPAction struct {
	plane dataplane

	mu      sync.Mutex
	blocked map[string]string // target -> revert token of the installed rule
}

// NewBlockIPAction creates the drop-rule action.
func NewBlockIPAction(plane dataplane) *BlockIPAction {
	return &BlockIPAction{plane: plane, blocked: make(map[string]string)}
}

func (*BlockIPAction) Name() string { return ActionBlockIP }

// Execute implements Action.
func (a *BlockIPAction) Execute(ctx context.Context, target string, _ map[string]any) (Result, error) {
	a.mu.Lock()
	if existing, ok := a.blocked[target]; ok {
		a.mu.Unlock()
		return Result{Output: "already_blocked", Reversible: true, RevertToken: existing}, nil
	}
	a.mu.Unlock()

	cmd := fmt.Sprintf("iptables -I INPUT -s %s -j DROP", target)
	out, simulated, err := a.plane.run(ctx, cmd)
	if err != nil {
		return Result{}, fmt.Errorf("block_ip %s: %w", target, err)
	}
	token := revertToken{
		ID: models.NewActionID(), Action: ActionBlockIP, Target: target,
		Command:   fmt.Sprintf("iptables -D INPUT -s %s -j DROP", target),
		Simulated: simulated,
	}
	encoded := token.encode()
	a.mu.Lock()
	a.blocked[target] = encoded
	a.mu.Unlock()
	return Result{Output: out, Reversible: true, RevertToken: encoded}, nil
}

// Revert implements Action.
func (a *BlockIPAction) Revert(ctx context.Context, token string) (string, error) {
	t, err := decodeToken(token)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	delete(a.blocked, t.Target)
	a.mu.Unlock()
	if t.Simulated {
		return "simulated: " + t.Command, nil
	}
	out, err := a.plane.executor.Run(ctx, t.Command)
	if err != nil {
		return "", fmt.Errorf("revert block_ip %s: %w", t.Target, err)
	}
	return out, nil
}

// RedirectHoneypotAction rewrites the target's traffic to a honeypot
// destination.
type RedirectHoneypotAction struct {
	plane dataplane
	// HoneypotAddr receives the rewritten traffic.
	HoneypotAddr string
}

// NewRedirectHoneypotAction creates the destination-rewrite action.
func NewRedirectHoneypotAction(plane dataplane, honeypotAddr string) *RedirectHoneypotAction {
	if honeypotAddr == "" {
		honeypotAddr = "10.255.255.254"
	}
	return &RedirectHoneypotAction{plane: plane, HoneypotAddr: honeypotAddr}
}

func (*RedirectHoneypotAction) Name() string { return ActionRedirectHoneypot }

// Execute implements Action.
func (a *RedirectHoneypotAction) Execute(ctx context.Context, target string, _ map[string]any) (Result, error) {
	cmd := fmt.Sprintf("iptables -t nat -I PREROUTING -s %s -j DNAT --to-destination %s", target, a.HoneypotAddr)
	out, simulated, err := a.plane.run(ctx, cmd)
	if err != nil {
		return Result{}, fmt.Errorf("redirect_to_honeypot %s: %w", target, err)
	}
	token := revertToken{
		ID: models.NewActionID(), Action: ActionRedirectHoneypot, Target: target,
		Command:   fmt.Sprintf("iptables -t nat -D PREROUTING -s %s -j DNAT --to-destination %s", target, a.HoneypotAddr),
		Simulated: simulated,
	}
	return Result{Output: out, Reversible: true, RevertToken: token.encode()}, nil
}

// Revert implements Action.
func (a *RedirectHoneypotAction) Revert(ctx context.Context, token string) (string, error) {
	t, err := decodeToken(token)
	if err != nil {
		return "", err
	}
	if t.Simulated {
		return "simulated: " + t.Command, nil
	}
	out, err := a.plane.executor.Run(ctx, t.Command)
	if err != nil {
		return "", fmt.Errorf("revert redirect_to_honeypot %s: %w", t.Target, err)
	}
	return out, nil
}

// QuarantineFileAction moves a file into the quarantine directory. Not
// formally reversible, but Revert attempts a move-back when the quarantined
// copy still exists.
type QuarantineFileAction struct {
	plane dataplane
	// Dir is the quarantine destination.
	Dir string
}

// NewQuarantineFileAction creates the file-quarantine action.
func NewQuarantineFileAction(plane dataplane, dir string) *QuarantineFileAction {
	return &QuarantineFileAction{plane: plane, Dir: dir}
}

func (*QuarantineFileAction) Name() string { return ActionQuarantineFile }

// Execute implements Action. The target is a file path.
func (a *QuarantineFileAction) Execute(_ context.Context, target string, _ map[string]any) (Result, error) {
	dest := filepath.Join(a.Dir, filepath.Base(target)+"."+models.NewActionID())
	if !a.plane.production {
		token := revertToken{ID: models.NewActionID(), Action: ActionQuarantineFile, Target: target, Extra: dest, Simulated: true}
		return Result{Output: "simulated: quarantine " + target, Reversible: false, RevertToken: token.encode()}, nil
	}
	if err := os.MkdirAll(a.Dir, 0o700); err != nil {
		return Result{}, fmt.Errorf("quarantine_file: %w", err)
	}
	if err := os.Rename(target, dest); err != nil {
		return Result{}, fmt.Errorf("quarantine_file %s: %w", target, err)
	}
	token := revertToken{ID: models.NewActionID(), Action: ActionQuarantineFile, Target: target, Extra: dest}
	return Result{Output: "quarantined to " + dest, Reversible: false, RevertToken: token.encode()}, nil
}

// Revert implements Action: best-effort move-back.
func (a *QuarantineFileAction) Revert(_ context.Context, token string) (string, error) {
	t, err := decodeToken(token)
	if err != nil {
		return "", err
	}
	if t.Simulated {
		return "simulated: restore " + t.Target, nil
	}
	if _, err := os.Stat(t.Extra); err != nil {
		return "", fmt.Errorf("quarantined copy missing: %w", err)
	}
	if err := os.Rename(t.Extra, t.Target); err != nil {
		return "", fmt.Errorf("restore %s: %w", t.Target, err)
	}
	return "restored " + t.Target, nil
}
