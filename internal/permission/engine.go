package permission

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mfateev/gatekeeper/internal/execpolicy"
)

// Policy is the rule set the engine consults. *execpolicy.PolicyManager
// implements it.
type Policy interface {
	EvaluateCommand(cmd []string) execpolicy.Evaluation
	DeniedPath(p string) (string, bool)
	AllowsSystem(permission, target string) bool
	AllowSystemAndReload(permission, target string) error
	AllowPrefixAndReload(prefix []string) error
}

// Options configure an Engine.
type Options struct {
	Policy Policy
	// ProjectRoot bounds project_only file and shell requests. Empty
	// disables the containment check.
	ProjectRoot string
	// Prompter decides system-wide requests that are not allow-listed and
	// commands whose rule says prompt. Nil denies them.
	Prompter Prompter
	// PromptLimit and PromptBurst bound how often the prompter is asked.
	// Zero PromptLimit means unlimited.
	PromptLimit rate.Limit
	PromptBurst int
	Logger      *zap.Logger
}

// Stats summarizes the ledger.
type Stats struct {
	TotalGrants      int `json:"total_grants"`
	Granted          int `json:"granted"`
	Denied           int `json:"denied"`
	PendingApprovals int `json:"pending_approvals"`
}

// Engine evaluates permission requests: replay of a prior decision for the
// same correlation id and type, then the scope check, then default-deny.
type Engine struct {
	ledger      Ledger
	policy      Policy
	projectRoot string
	// realRoot is projectRoot with symlinks resolved.
	realRoot string
	prompter    Prompter
	limiter     *rate.Limiter
	flights     singleflight.Group
	logger      *zap.Logger
}

// NewEngine creates an engine. A nil Policy behaves as an empty rule set.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		policy:   opts.Policy,
		prompter: opts.Prompter,
		logger:   opts.Logger,
	}
	if e.policy == nil {
		e.policy = execpolicy.NewStaticPolicyManager(nil, false)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("permission")
	if opts.ProjectRoot != "" {
		if abs, err := filepath.Abs(opts.ProjectRoot); err == nil {
			e.projectRoot = abs
		} else {
			e.projectRoot = filepath.Clean(opts.ProjectRoot)
		}
		e.realRoot = realPath(e.projectRoot)
	}
	limit := opts.PromptLimit
	if limit == 0 {
		limit = rate.Inf
	}
	burst := opts.PromptBurst
	if burst <= 0 {
		burst = 1
	}
	e.limiter = rate.NewLimiter(limit, burst)
	return e
}

// Evaluate decides req and appends exactly one grant to the ledger. A denial
// is a normal Grant; only malformed requests return an error.
//
// Concurrent evaluations for the same correlation id and type share one
// policy decision. The first records it; the others record a replay.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Grant, error) {
	if err := req.Validate(); err != nil {
		return Grant{}, err
	}
	req = req.snapshot()
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	leader := false
	key := req.CorrelationID + "\x00" + string(req.Type)
	v, _, _ := e.flights.Do(key, func() (interface{}, error) {
		leader = true
		g := e.decide(ctx, req)
		e.ledger.Append(g)
		return g, nil
	})

	g := v.(Grant)
	if !leader {
		g = Grant{
			Request:       req,
			Decision:      g.Decision,
			Reason:        g.Reason,
			Replayed:      true,
			Timestamp:     time.Now(),
			CorrelationID: req.CorrelationID,
		}
		e.ledger.Append(g)
	}

	e.logger.Debug("Permission evaluated",
		zap.String("correlation_id", g.CorrelationID),
		zap.String("type", string(req.Type)),
		zap.String("scope", string(req.Scope)),
		zap.String("target", req.Target),
		zap.String("decision", string(g.Decision)),
		zap.Bool("replayed", g.Replayed),
		zap.String("reason", g.Reason))
	return g, nil
}

func (e *Engine) decide(ctx context.Context, req Request) Grant {
	if prior, ok := e.ledger.Latest(req.CorrelationID, req.Type); ok {
		return newGrant(req, prior.Decision, prior.Reason, true)
	}

	switch req.Scope {
	case SystemWide:
		return e.decideSystemWide(ctx, req)
	case ProjectOnly:
		switch req.Type {
		case FileRead, FileWrite:
			return e.decideProjectPath(req)
		case ShellExecute:
			return e.decideProjectShell(ctx, req)
		case McpExecute, McpResourceRead:
			return e.decideProjectMcp(req)
		}
	}
	return newGrant(req, Denied, fmt.Sprintf("no rule allows %s with scope %s", req.Type, req.Scope), false)
}

func (e *Engine) decideSystemWide(ctx context.Context, req Request) Grant {
	if req.Type == FileRead || req.Type == FileWrite {
		if reason, denied := e.policy.DeniedPath(req.Target); denied {
			return newGrant(req, Denied, reason, false)
		}
	}
	if e.policy.AllowsSystem(string(req.Type), req.Target) {
		return newGrant(req, Granted, "allow-listed", false)
	}

	resp, asked, reason := e.ask(ctx, req)
	if !asked {
		return newGrant(req, Denied, "not allow-listed for system-wide access", false)
	}
	if !resp.Approved {
		return newGrant(req, Denied, reason, false)
	}
	if resp.Always {
		if err := e.policy.AllowSystemAndReload(string(req.Type), req.Target); err != nil {
			e.logger.Warn("Failed to persist allow_system rule",
				zap.String("correlation_id", req.CorrelationID),
				zap.Error(err))
		}
	}
	return newGrant(req, Granted, "approved", false)
}

func (e *Engine) decideProjectPath(req Request) Grant {
	if req.Target == "" {
		return newGrant(req, Denied, "no target path", false)
	}
	resolved, inside := e.resolveInProject(req.Target)
	if !inside {
		return newGrant(req, Denied, "path outside project root", false)
	}
	if reason, denied := e.policy.DeniedPath(resolved); denied {
		return newGrant(req, Denied, reason, false)
	}
	return newGrant(req, Granted, "project scope", false)
}

func (e *Engine) decideProjectShell(ctx context.Context, req Request) Grant {
	if req.Target != "" {
		if _, inside := e.resolveInProject(req.Target); !inside {
			return newGrant(req, Denied, "working directory outside project root", false)
		}
	}
	argv := req.argv()
	if len(argv) == 0 {
		return newGrant(req, Denied, "empty command", false)
	}

	eval := e.policy.EvaluateCommand(argv)
	switch eval.Decision {
	case execpolicy.DecisionAllow:
		return newGrant(req, Granted, "project scope", false)
	case execpolicy.DecisionForbidden:
		reason := eval.Justification
		if reason == "" {
			reason = "command forbidden by policy"
		}
		return newGrant(req, Denied, reason, false)
	}

	resp, asked, reason := e.ask(ctx, req)
	if !asked {
		return newGrant(req, Denied, "command requires approval", false)
	}
	if !resp.Approved {
		return newGrant(req, Denied, reason, false)
	}
	if resp.Always {
		e.allowCommand(req, argv)
	}
	return newGrant(req, Granted, "approved", false)
}

// allowCommand adds an allow rule for every plain command in argv.
func (e *Engine) allowCommand(req Request, argv []string) {
	commands := execpolicy.SplitShellInvocation(argv)
	if commands == nil {
		commands = [][]string{argv}
	}
	for _, cmd := range commands {
		if err := e.policy.AllowPrefixAndReload(cmd); err != nil {
			e.logger.Warn("Failed to persist prefix_rule",
				zap.String("correlation_id", req.CorrelationID),
				zap.Strings("command", cmd),
				zap.Error(err))
			return
		}
	}
}

func (e *Engine) decideProjectMcp(req Request) Grant {
	if req.Type == McpResourceRead {
		if p, ok := strings.CutPrefix(req.Target, "file://"); ok {
			if reason, denied := e.policy.DeniedPath(p); denied {
				return newGrant(req, Denied, reason, false)
			}
		}
	}
	return newGrant(req, Granted, "project scope", false)
}

// ask consults the prompter. asked is false when there is none.
func (e *Engine) ask(ctx context.Context, req Request) (resp Response, asked bool, reason string) {
	if e.prompter == nil {
		return Response{}, false, ""
	}
	if !e.limiter.Allow() {
		return Response{}, true, "too many approval prompts"
	}
	resp, err := e.prompter.Prompt(ctx, req)
	if err != nil {
		e.logger.Info("Approval prompt failed",
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err))
		return Response{}, true, "approval failed: " + err.Error()
	}
	if !resp.Approved {
		return resp, true, "rejected by approver"
	}
	return resp, true, ""
}

// resolveInProject makes p absolute (relative to the project root) and
// reports whether it lies inside the root, both as written and with
// symlinks resolved.
func (e *Engine) resolveInProject(p string) (string, bool) {
	if e.projectRoot == "" {
		if abs, err := filepath.Abs(p); err == nil {
			return abs, true
		}
		return filepath.Clean(p), true
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.projectRoot, p)
	}
	p = filepath.Clean(p)
	if !within(e.projectRoot, p) || !within(e.realRoot, realPath(p)) {
		return p, false
	}
	return p, true
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// realPath resolves symlinks in the longest existing ancestor of p and
// appends the rest unchanged.
func realPath(p string) string {
	var rest []string
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

func newGrant(req Request, d Decision, reason string, replayed bool) Grant {
	return Grant{
		Request:       req,
		Decision:      d,
		Reason:        reason,
		Replayed:      replayed,
		Timestamp:     time.Now(),
		CorrelationID: req.CorrelationID,
	}
}

// Grants returns a copy of the ledger in insertion order.
func (e *Engine) Grants() []Grant {
	return e.ledger.Snapshot()
}

// RevokeAll clears the ledger. Open sessions and connected servers are not
// affected; later evaluations run policy from scratch.
func (e *Engine) RevokeAll() int {
	n := e.ledger.Clear()
	e.logger.Info("Revoked all grants", zap.Int("count", n))
	return n
}

// Probe reports ledger counts, plus waiting approvals when the prompter
// queues them, for health checks.
func (e *Engine) Probe() Stats {
	var s Stats
	if q, ok := e.prompter.(interface{ Pending() []PendingApproval }); ok {
		s.PendingApprovals = len(q.Pending())
	}
	for _, g := range e.ledger.Snapshot() {
		s.TotalGrants++
		if g.Granted() {
			s.Granted++
		} else {
			s.Denied++
		}
	}
	return s
}
