// Package access decides whether a user may perform an action on a document.
//
// A decision is the conjunction of role checks (RBAC) and attribute checks
// (ABAC) on branch, security level, document status, time of day and client
// network. Admins bypass the role, branch, security and status rules; the
// time window and network allow-list apply to everyone.
package access

import (
	"net/netip"
	"strings"
	"time"

	"github.com/davidahmann/docflow/internal/metrics"
	"github.com/davidahmann/docflow/pkg/types"
)

type Action string

const (
	ActionRead     Action = "READ"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionSubmit   Action = "SUBMIT"
	ActionRecall   Action = "RECALL"
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
	ActionDelegate Action = "DELEGATE"
	ActionReturn   Action = "RETURN"
	ActionRestore  Action = "RESTORE"
)

// Rule names reported with each decision.
const (
	RuleAdmin    = "admin_bypass"
	RuleRBAC     = "rbac"
	RuleBranch   = "abac_branch"
	RuleSecurity = "abac_security_level"
	RuleStatus   = "abac_document_status"
	RuleTime     = "abac_time_window"
	RuleNetwork  = "abac_network"
	RuleAllowed  = "allowed"
)

// Context carries request attributes. EligibleApprover is set by the caller when
// the user is the approver of record on an open step of the document.
type Context struct {
	IPAddress        string
	UserAgent        string
	Time             time.Time
	EligibleApprover bool
}

type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

type Evaluator struct {
	HoursEnabled      bool
	HoursStart        time.Duration
	HoursEnd          time.Duration
	AllowedIPPrefixes []string
	Location          *time.Location
	Now               func() time.Time
	Reporter          Reporter
	Metrics           *metrics.Metrics
}

// NewEvaluator returns an evaluator with the 09:00-18:00 window in server local time.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		HoursEnabled: true,
		HoursStart:   9 * time.Hour,
		HoursEnd:     18 * time.Hour,
		Location:     time.Local,
		Now:          time.Now,
		Reporter:     NopReporter{},
	}
}

func (e *Evaluator) CanAccess(user types.User, doc types.Document, action Action, ctx *Context) bool {
	return e.Decide(user, doc, action, ctx).Allowed
}

// Decide evaluates every rule in order and stops at the first denial. The result
// is always reported, allowed or not.
func (e *Evaluator) Decide(user types.User, doc types.Document, action Action, ctx *Context) Decision {
	if ctx == nil {
		ctx = &Context{}
	}
	d := e.decide(user, doc, action, ctx)
	if e.Reporter != nil {
		e.Reporter.Report(user, doc, action, ctx, d)
	}
	e.Metrics.RecordAccess(string(action), d.Allowed)
	return d
}

func (e *Evaluator) decide(user types.User, doc types.Document, action Action, ctx *Context) Decision {
	if !user.IsAdmin() {
		for _, check := range []func(types.User, types.Document, Action, *Context) (Decision, bool){
			checkRBAC,
			checkBranch,
			checkSecurityLevel,
			checkStatus,
		} {
			if d, denied := check(user, doc, action, ctx); denied {
				return d
			}
		}
	}

	if d, denied := e.checkTime(ctx); denied {
		return d
	}
	if d, denied := e.checkNetwork(ctx); denied {
		return d
	}

	if user.IsAdmin() {
		return Decision{Allowed: true, Rule: RuleAdmin, Reason: "admin"}
	}
	return Decision{Allowed: true, Rule: RuleAllowed, Reason: "all rules passed"}
}

func deny(rule, reason string) (Decision, bool) {
	return Decision{Allowed: false, Rule: rule, Reason: reason}, true
}

func pass() (Decision, bool) {
	return Decision{}, false
}

func isDecision(a Action) bool {
	switch a {
	case ActionApprove, ActionReject, ActionDelegate, ActionReturn:
		return true
	default:
		return false
	}
}

func checkRBAC(user types.User, doc types.Document, action Action, _ *Context) (Decision, bool) {
	author := user.ID == doc.AuthorID
	switch action {
	case ActionRead:
		return pass()
	case ActionUpdate, ActionDelete, ActionSubmit:
		if !author {
			return deny(RuleRBAC, "only the author may modify or submit the document")
		}
		if doc.Status != types.DocumentDraft && doc.Status != types.DocumentRejected {
			return deny(RuleRBAC, "author may modify or submit only while DRAFT or REJECTED")
		}
		return pass()
	case ActionRecall:
		if !author {
			return deny(RuleRBAC, "only the author may recall the document")
		}
		if doc.Status != types.DocumentPending {
			return deny(RuleRBAC, "recall is only possible while PENDING")
		}
		return pass()
	case ActionApprove, ActionReject, ActionDelegate, ActionReturn:
		if user.HighestRank() < types.RoleRank(types.RoleManager) {
			return deny(RuleRBAC, "approval actions require MANAGER or above")
		}
		return pass()
	case ActionRestore:
		return deny(RuleRBAC, "restore is admin-only")
	default:
		return deny(RuleRBAC, "unknown action "+string(action))
	}
}

func checkBranch(user types.User, doc types.Document, action Action, ctx *Context) (Decision, bool) {
	if user.BranchCode == doc.BranchCode {
		return pass()
	}
	// Cross-branch routing puts approvers from other branches on the line.
	if ctx.EligibleApprover && (action == ActionRead || isDecision(action)) {
		return pass()
	}
	return deny(RuleBranch, "requester branch "+user.BranchCode+" differs from document branch "+doc.BranchCode)
}

func checkSecurityLevel(user types.User, doc types.Document, _ Action, _ *Context) (Decision, bool) {
	if doc.SecurityLevel.Rank() < types.SecurityConfidential.Rank() {
		return pass()
	}
	if user.HighestRank() < types.RoleRank(types.RoleManager) {
		return deny(RuleSecurity, string(doc.SecurityLevel)+" documents require MANAGER or above")
	}
	return pass()
}

func checkStatus(user types.User, doc types.Document, action Action, ctx *Context) (Decision, bool) {
	author := user.ID == doc.AuthorID
	switch doc.Status {
	case types.DocumentDraft, types.DocumentRejected, types.DocumentCancelled:
		if !author {
			return deny(RuleStatus, string(doc.Status)+" documents are visible to the author only")
		}
		return pass()
	case types.DocumentPending:
		if isDecision(action) && !ctx.EligibleApprover {
			return deny(RuleStatus, "only the approver of record may decide a PENDING document")
		}
		if !author && !ctx.EligibleApprover {
			return deny(RuleStatus, "PENDING documents are visible to the author and approvers")
		}
		return pass()
	case types.DocumentApproved:
		if action != ActionRead {
			return deny(RuleStatus, "APPROVED documents are read-only")
		}
		return pass()
	default:
		return deny(RuleStatus, "unknown document status "+string(doc.Status))
	}
}

func (e *Evaluator) checkTime(ctx *Context) (Decision, bool) {
	if !e.HoursEnabled {
		return pass()
	}
	at := ctx.Time
	if at.IsZero() {
		at = e.now()
	}
	loc := e.Location
	if loc == nil {
		loc = time.Local
	}
	local := at.In(loc)
	offset := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute + time.Duration(local.Second())*time.Second
	if offset < e.HoursStart || offset >= e.HoursEnd {
		return deny(RuleTime, "outside business hours ("+local.Format("15:04")+")")
	}
	return pass()
}

func (e *Evaluator) checkNetwork(ctx *Context) (Decision, bool) {
	if ctx.IPAddress == "" || len(e.AllowedIPPrefixes) == 0 {
		return pass()
	}
	addr, err := netip.ParseAddr(ctx.IPAddress)
	if err != nil {
		return deny(RuleNetwork, "client address "+ctx.IPAddress+" is not an IP address")
	}
	addr = addr.Unmap()
	for _, entry := range e.AllowedIPPrefixes {
		if allowedBy(entry, addr) {
			return pass()
		}
	}
	return deny(RuleNetwork, "client address "+ctx.IPAddress+" is not in the allow-list")
}

// allowedBy matches addr against one allow-list entry: a CIDR block
// ("10.0.0.0/8"), a single address ("10.0.0.1"), or a dotted prefix that
// ends on an octet boundary ("10.", "192.168.1").
func allowedBy(entry string, addr netip.Addr) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		return err == nil && prefix.Masked().Contains(addr)
	}
	if exact, err := netip.ParseAddr(entry); err == nil {
		return exact.Unmap() == addr
	}
	text := addr.String()
	if !strings.HasPrefix(text, entry) {
		return false
	}
	if strings.HasSuffix(entry, ".") || strings.HasSuffix(entry, ":") {
		return true
	}
	next := text[len(entry)]
	return next == '.' || next == ':'
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
