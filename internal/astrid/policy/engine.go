package policy

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Engine evaluates SensitiveActions against a Policy. It is a pure function
// store with no I/O and no hidden state — identical inputs always produce
// identical Results.
type Engine struct {
	p Policy
}

// New returns an Engine bound to the given policy.
func New(p Policy) *Engine {
	return &Engine{p: p}
}

// Evaluate runs the fixed eight-step check order against action. The order
// must not be reshuffled: later steps assume earlier ones already ruled out
// blocked tools, oversized arguments, and path traversal attempts.
func (e *Engine) Evaluate(action SensitiveAction) Result {
	// 1. Blocked tool (exact match on command, "command arg" prefix, or
	// "server:tool").
	if reason, blocked := e.checkBlockedTool(action); blocked {
		return Result{Decision: Blocked, MatchedRule: "blocked_tool", BlockReason: reason}
	}

	// 2. Blocked plugin ID (for Plugin* variants).
	if e.isPluginAction(action.Kind) && e.p.BlockedPluginIDs[action.Plugin] {
		return Result{
			Decision:    Blocked,
			MatchedRule: "blocked_plugin_id",
			BlockReason: fmt.Sprintf("plugin %q is blocked", action.Plugin),
		}
	}

	// 3. Argument size limit.
	if e.p.MaxArgSize > 0 {
		if size := argSize(action); size > e.p.MaxArgSize {
			return Result{
				Decision:    Blocked,
				MatchedRule: "max_arg_size",
				BlockReason: fmt.Sprintf("argument size %d exceeds limit %d", size, e.p.MaxArgSize),
			}
		}
	}

	// 4. Path traversal detection.
	if p := pathForAction(action); p != "" && hasTraversal(p) {
		return Result{
			Decision:    Blocked,
			MatchedRule: "path_traversal",
			BlockReason: fmt.Sprintf("path %q contains a traversal component", p),
		}
	}

	// 5. Denied path glob / denied host.
	if p := pathForAction(action); p != "" {
		for _, g := range e.p.DeniedPathGlobs {
			if matched, _ := path.Match(g, p); matched {
				return Result{
					Decision:    Blocked,
					MatchedRule: "denied_path",
					BlockReason: fmt.Sprintf("path %q matches denied glob %q", p, g),
				}
			}
		}
	}
	if h := hostForAction(action); h != "" && e.p.DeniedHosts[h] {
		return Result{
			Decision:    Blocked,
			MatchedRule: "denied_host",
			BlockReason: fmt.Sprintf("host %q is denied", h),
		}
	}

	// 6. Allowed path / allowed host, if the allow-list is non-empty.
	if p := pathForAction(action); p != "" && len(e.p.AllowedPathGlobs) > 0 {
		allowed := false
		for _, g := range e.p.AllowedPathGlobs {
			if matched, _ := path.Match(g, p); matched {
				allowed = true
				break
			}
		}
		if !allowed {
			return Result{
				Decision:    Blocked,
				MatchedRule: "allowed_path",
				BlockReason: fmt.Sprintf("path %q does not match any allowed glob", p),
			}
		}
	}
	if h := hostForAction(action); h != "" && len(e.p.AllowedHosts) > 0 {
		if !e.p.AllowedHosts[h] {
			return Result{
				Decision:    Blocked,
				MatchedRule: "allowed_host",
				BlockReason: fmt.Sprintf("host %q is not in the allow-list", h),
			}
		}
	}

	// 7. Approval-required tool set; require_approval_for_{delete,network}.
	toolKey := toolIdentifier(action)
	if toolKey != "" && e.p.ApprovalRequiredTools[toolKey] {
		return Result{Decision: RequiresApproval, Risk: RiskMedium, MatchedRule: "approval_required_tool"}
	}
	if action.Kind == ActionFileDelete && e.p.RequireApprovalForDelete {
		return Result{Decision: RequiresApproval, Risk: RiskMedium, MatchedRule: "require_approval_for_delete"}
	}
	if (action.Kind == ActionNetworkRequest || action.Kind == ActionPluginHttpRequest) && e.p.RequireApprovalForNetwork {
		return Result{Decision: RequiresApproval, Risk: RiskMedium, MatchedRule: "require_approval_for_network"}
	}

	// 8. Fall-through defaults.
	switch action.Kind {
	case ActionFinancialTransaction, ActionAccessControlChange, ActionCapabilityGrant:
		return Result{Decision: RequiresApproval, Risk: RiskHigh, MatchedRule: "always_requires_approval"}
	case ActionExecuteCommand, ActionFileWriteOutsideSandbox, ActionFileDelete:
		return Result{Decision: RequiresApproval, Risk: RiskMedium, MatchedRule: "fallthrough_sensitive_default"}
	case ActionPluginExecution, ActionPluginHttpRequest, ActionPluginFileAccess:
		return Result{Decision: RequiresApproval, Risk: RiskMedium, MatchedRule: "fallthrough_plugin_default"}
	}

	return Result{Decision: Allowed, MatchedRule: "default_allow"}
}

func (e *Engine) isPluginAction(k ActionKind) bool {
	switch k {
	case ActionPluginExecution, ActionPluginHttpRequest, ActionPluginFileAccess:
		return true
	default:
		return false
	}
}

func (e *Engine) checkBlockedTool(action SensitiveAction) (string, bool) {
	candidates := toolMatchCandidates(action)
	for _, c := range candidates {
		if e.p.BlockedTools[c] {
			return fmt.Sprintf("tool %q is blocked", c), true
		}
	}
	return "", false
}

// toolMatchCandidates returns every string form a blocked-tool rule might
// match against: the bare command, the "command arg" prefix, and the
// "server:tool" form for MCP calls.
func toolMatchCandidates(action SensitiveAction) []string {
	var out []string
	switch action.Kind {
	case ActionExecuteCommand:
		out = append(out, action.Cmd)
		if len(action.Args) > 0 {
			out = append(out, action.Cmd+" "+action.Args[0])
		}
	case ActionMcpToolCall:
		out = append(out, action.Server+":"+action.Tool)
	case ActionPluginExecution:
		out = append(out, action.Plugin+":"+action.Cap)
	}
	return out
}

func toolIdentifier(action SensitiveAction) string {
	switch action.Kind {
	case ActionExecuteCommand:
		return action.Cmd
	case ActionMcpToolCall:
		return action.Server + ":" + action.Tool
	case ActionPluginExecution:
		return action.Plugin + ":" + action.Cap
	default:
		return ""
	}
}

func argSize(action SensitiveAction) int {
	size := len(action.Cmd) + len(action.URL) + len(action.Path) + len(action.Dest) + len(action.Data)
	for _, a := range action.Args {
		size += len(a)
	}
	return size
}

func pathForAction(action SensitiveAction) string {
	switch action.Kind {
	case ActionFileRead, ActionFileWriteOutsideSandbox, ActionFileDelete, ActionPluginFileAccess:
		return action.Path
	default:
		return ""
	}
}

// hostForAction extracts the host to match against allow/deny sets,
// stripping any "user:pass@" authority segment from plugin HTTP URLs before
// comparison — matching the raw string (which still contains credentials)
// against a deny set is incorrect, since "evil.com" would never match
// "user:pass@evil.com".
func hostForAction(action SensitiveAction) string {
	switch action.Kind {
	case ActionNetworkRequest:
		return action.Host
	case ActionPluginHttpRequest:
		if u, err := url.Parse(action.URL); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
		return action.Host
	default:
		return ""
	}
}

// hasTraversal reports whether any component of p is "..", parsed in a
// platform-agnostic way so both "/" and "\" separators are caught.
func hasTraversal(p string) bool {
	normalized := strings.ReplaceAll(p, "\\", "/")
	for _, part := range strings.Split(normalized, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
