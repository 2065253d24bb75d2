// Package interceptor implements the Security Interceptor (C5): the single
// choke point every tool call passes through before it reaches a plugin.
// It orchestrates the policy engine, budget tracker, and approval broker in
// a fixed order and leaves a hash-chained audit trail behind every
// decision.
package interceptor

import (
	"context"
	"fmt"

	"github.com/unicity-astrid/astrid/internal/astrid/approval"
	"github.com/unicity-astrid/astrid/internal/astrid/audit"
	"github.com/unicity-astrid/astrid/internal/astrid/budget"
	"github.com/unicity-astrid/astrid/internal/astrid/capability"
	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/policy"
)

// Permit is issued when intercept allows an action to proceed. The caller
// must eventually call Reconcile with the action's actual cost.
type Permit struct {
	ScopeID      string
	ReservedCost float64
	UsedToken    *capability.Token
}

// Outcome names why an action did not receive a Permit.
type Outcome string

const (
	OutcomeDenied          Outcome = "denied"
	OutcomeBudgetExceeded  Outcome = "budget_exceeded"
	OutcomeApprovalDenied  Outcome = "approval_denied"
	OutcomeApprovalTimeout Outcome = "approval_timeout"
)

// Interceptor wires together the policy engine, budget tracker, approval
// broker, capability token store, and audit log behind one entry point.
type Interceptor struct {
	policyEngine *policy.Engine
	budget       *budget.Tracker
	broker       *approval.Broker
	tokens       *capability.Store
	auditLog     *audit.Log
	budgetLimits budget.Limits
}

// New creates an Interceptor.
func New(policyEngine *policy.Engine, tracker *budget.Tracker, broker *approval.Broker, tokens *capability.Store, auditLog *audit.Log, limits budget.Limits) *Interceptor {
	return &Interceptor{
		policyEngine: policyEngine,
		budget:       tracker,
		broker:       broker,
		tokens:       tokens,
		auditLog:     auditLog,
		budgetLimits: limits,
	}
}

// resourcePatternFor derives the resource pattern a capability token or
// approval request is matched against for a given action. It mirrors the
// identifiers the policy engine itself uses for blocked-tool matching so a
// single approval can cover every subsequent identical call.
func resourcePatternFor(action policy.SensitiveAction) string {
	switch action.Kind {
	case policy.ActionExecuteCommand:
		return "cmd:" + action.Cmd
	case policy.ActionMcpToolCall:
		return "mcp:" + action.Server + ":" + action.Tool
	case policy.ActionFileRead, policy.ActionFileWriteOutsideSandbox, policy.ActionFileDelete:
		return "fs:" + action.Path
	case policy.ActionNetworkRequest:
		return fmt.Sprintf("net:%s:%d", action.Host, action.Port)
	case policy.ActionPluginExecution:
		return "plugin:" + action.Plugin + ":" + action.Cap
	case policy.ActionPluginHttpRequest:
		return "plugin_http:" + action.Plugin
	case policy.ActionPluginFileAccess:
		return "plugin_fs:" + action.Plugin + ":" + action.Path
	default:
		return string(action.Kind)
	}
}

func permissionFor(action policy.SensitiveAction) string {
	return string(action.Kind)
}

// Intercept evaluates action under the fixed C5 algorithm and, if it is
// allowed to proceed, returns a Permit the caller must later Reconcile.
func (ic *Interceptor) Intercept(ctx context.Context, action policy.SensitiveAction, estimatedCost float64, callerIdentity, scopeID string) (*Permit, error) {
	result := ic.policyEngine.Evaluate(action)

	if result.Decision == policy.Blocked {
		ic.emit(ctx, callerIdentity, action, audit.OutcomeDenied, result.BlockReason)
		return nil, errs.New(errs.KindPolicy, "action blocked by policy: "+result.BlockReason)
	}

	resourcePattern := resourcePatternFor(action)
	permission := permissionFor(action)

	if result.Decision == policy.RequiresApproval {
		if tok, err := ic.tokens.FindMatching(ctx, resourcePattern, permission, callerIdentity); err != nil {
			return nil, err
		} else if tok != nil {
			if err := ic.tokens.Consume(ctx, tok.ID); err == nil {
				return ic.reserveAndPermit(ctx, action, estimatedCost, callerIdentity, scopeID, tok)
			}
			// Token existed but was exhausted between lookup and consume;
			// fall through to a fresh approval request.
		}
	}

	if result.Decision == policy.Allowed {
		return ic.reserveAndPermit(ctx, action, estimatedCost, callerIdentity, scopeID, nil)
	}

	// RequiresApproval with no usable cached token: route to the broker.
	dec, tok, err := ic.broker.RequestApproval(ctx, resourcePattern, []string{permission}, result.Risk, callerIdentity, approval.DefaultDeadline)
	if err == approval.ErrApprovalTimeout {
		ic.emit(ctx, callerIdentity, action, audit.OutcomeTimeout, "approval request timed out")
		return nil, errs.New(errs.KindPolicy, "approval request timed out")
	}
	if err != nil {
		return nil, err
	}
	if dec.Kind == approval.DecisionDeny {
		ic.emit(ctx, callerIdentity, action, audit.OutcomeApprovalDenied, dec.Reason)
		return nil, errs.New(errs.KindPolicy, "action denied by approver: "+dec.Reason)
	}

	return ic.reserveAndPermit(ctx, action, estimatedCost, callerIdentity, scopeID, tok)
}

func (ic *Interceptor) reserveAndPermit(ctx context.Context, action policy.SensitiveAction, estimatedCost float64, callerIdentity, scopeID string, usedToken *capability.Token) (*Permit, error) {
	res, err := ic.budget.CheckAndReserve(ctx, scopeID, ic.budgetLimits, estimatedCost)
	if err != nil {
		return nil, err
	}
	if res.Decision == budget.Exceeded {
		ic.emit(ctx, callerIdentity, action, audit.OutcomeBudgetExceeded, res.Reason)
		return nil, errs.New(errs.KindBudget, "budget exceeded: "+res.Reason)
	}

	if res.Decision == budget.WarnAndAllow {
		dec, _, err := ic.broker.RequestApproval(ctx, resourcePatternFor(action), []string{"budget_warn"}, policy.RiskMedium, callerIdentity, approval.DefaultDeadline)
		if err != nil || dec.Kind == approval.DecisionDeny {
			_ = ic.budget.RefundCost(ctx, scopeID, estimatedCost)
			ic.emit(ctx, callerIdentity, action, audit.OutcomeApprovalDenied, "budget warning declined")
			return nil, errs.New(errs.KindBudget, "budget warning declined by approver")
		}
	}

	ic.emit(ctx, callerIdentity, action, audit.OutcomeAllowed, "")
	return &Permit{ScopeID: scopeID, ReservedCost: estimatedCost, UsedToken: usedToken}, nil
}

// Reconcile records the actual cost of a completed action against the
// reservation made when the Permit was issued.
func (ic *Interceptor) Reconcile(ctx context.Context, permit *Permit, actualCost float64) error {
	return ic.budget.RecordCost(ctx, permit.ScopeID, permit.ReservedCost, actualCost)
}

func (ic *Interceptor) emit(ctx context.Context, callerIdentity string, action policy.SensitiveAction, outcome audit.Outcome, detail string) {
	_, _ = ic.auditLog.Append(ctx, callerIdentity, string(action.Kind), resourcePatternFor(action), resourcePatternFor(action), outcome, detail)
}
