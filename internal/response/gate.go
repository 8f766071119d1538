package response

import (
	"fmt"
	"net/netip"

	"github.com/sentinelops/aegis/internal/config"
)

// Gate is the pre-dispatch safety rule set. Every rule can only hold or
// downgrade an action, never escalate one; the downgrade chain is recorded
// for the audit trail.
type Gate struct {
	whitelist     []netip.Prefix
	management    []netip.Prefix
	minConfidence float64
}

// NewGate parses the whitelist and management subnets. Bare addresses are
// accepted as /32 (or /128) prefixes. Unparseable entries are fatal.
func NewGate(cfg config.ResponseConfig) (*Gate, error) {
	whitelist, err := parsePrefixes(cfg.IPWhitelist)
	if err != nil {
		return nil, fmt.Errorf("ip_whitelist: %w", err)
	}
	management, err := parsePrefixes(cfg.ManagementSubnets)
	if err != nil {
		return nil, fmt.Errorf("management_subnets: %w", err)
	}
	return &Gate{
		whitelist:     whitelist,
		management:    management,
		minConfidence: cfg.MinConfidenceIntrusive,
	}, nil
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, prefix)
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("not an address or CIDR: %q", entry)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Apply runs the gate against a selected action. It returns the final action
// and the downgrade trace; an empty trace means the selection passed
// untouched.
func (g *Gate) Apply(action, target string, confidence float64) (string, []string) {
	var trace []string

	if addr, err := netip.ParseAddr(target); err == nil {
		if containsAddr(g.whitelist, addr) && action != ActionLogOnly {
			return ActionLogOnly, append(trace, "whitelist")
		}
		if (addr.IsLoopback() || containsAddr(g.management, addr)) && action != ActionLogOnly {
			return ActionLogOnly, append(trace, "protected_subnet")
		}
	}

	if intrusiveActions[action] && confidence < g.minConfidence {
		// Downgrade one level: intrusive -> rate_limit -> log_only.
		trace = append(trace, "low_confidence")
		action = ActionRateLimit
	}
	return action, trace
}
