package access

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/docflow/pkg/types"
)

var (
	author   = types.User{ID: "author", BranchCode: "B1", Roles: []string{types.RoleUser}, Active: true}
	peer     = types.User{ID: "peer", BranchCode: "B1", Roles: []string{types.RoleUser}, Active: true}
	manager  = types.User{ID: "mgr", BranchCode: "B1", Roles: []string{types.RoleManager}, Active: true}
	director = types.User{ID: "dir", BranchCode: "B1", Roles: []string{types.RoleDirector}, Active: true}
	outsider = types.User{ID: "out", BranchCode: "B2", Roles: []string{types.RoleDirector}, Active: true}
	admin    = types.User{ID: "admin", BranchCode: "HQ", Roles: []string{types.RoleAdmin}, Active: true}
	super    = types.User{ID: "super", BranchCode: "B9", Roles: []string{types.RoleSuperAdmin}, Active: true}
)

func workingHours() time.Time {
	return time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
}

func newTestEvaluator() *Evaluator {
	e := NewEvaluator()
	e.Location = time.UTC
	e.Now = workingHours
	return e
}

func doc(status types.DocumentStatus, level types.SecurityLevel) types.Document {
	return types.Document{ID: "d1", AuthorID: author.ID, BranchCode: "B1", Status: status, SecurityLevel: level}
}

func TestAuthorLifecycle(t *testing.T) {
	e := newTestEvaluator()

	for _, a := range []Action{ActionRead, ActionUpdate, ActionDelete, ActionSubmit} {
		require.True(t, e.CanAccess(author, doc(types.DocumentDraft, types.SecurityGeneral), a, nil), a)
	}
	require.True(t, e.CanAccess(author, doc(types.DocumentRejected, types.SecurityGeneral), ActionUpdate, nil))
	require.False(t, e.CanAccess(author, doc(types.DocumentPending, types.SecurityGeneral), ActionUpdate, nil))
	require.False(t, e.CanAccess(author, doc(types.DocumentDraft, types.SecurityGeneral), ActionRecall, nil))
	require.True(t, e.CanAccess(author, doc(types.DocumentPending, types.SecurityGeneral), ActionRecall, nil))
	require.True(t, e.CanAccess(author, doc(types.DocumentPending, types.SecurityGeneral), ActionRead, nil))
	require.False(t, e.CanAccess(author, doc(types.DocumentPending, types.SecurityGeneral), ActionApprove, nil))
	require.False(t, e.CanAccess(author, doc(types.DocumentRejected, types.SecurityGeneral), ActionRestore, nil))
}

func TestApproverActions(t *testing.T) {
	e := newTestEvaluator()
	pending := doc(types.DocumentPending, types.SecurityGeneral)
	eligible := &Context{EligibleApprover: true}

	require.True(t, e.CanAccess(manager, pending, ActionApprove, eligible))
	require.True(t, e.CanAccess(director, pending, ActionReject, eligible))
	require.False(t, e.CanAccess(manager, pending, ActionApprove, nil), "not on the line")
	require.False(t, e.CanAccess(peer, pending, ActionApprove, eligible), "USER role cannot decide")
	require.True(t, e.CanAccess(outsider, pending, ActionApprove, eligible), "cross-branch approver of record")
	require.False(t, e.CanAccess(outsider, pending, ActionUpdate, eligible))
}

func TestDraftAndRejectedVisibility(t *testing.T) {
	e := newTestEvaluator()
	for _, status := range []types.DocumentStatus{types.DocumentDraft, types.DocumentRejected} {
		require.True(t, e.CanAccess(author, doc(status, types.SecurityGeneral), ActionRead, nil))
		require.False(t, e.CanAccess(manager, doc(status, types.SecurityGeneral), ActionRead, nil))
		require.False(t, e.CanAccess(peer, doc(status, types.SecurityGeneral), ActionRead, nil))
		require.True(t, e.CanAccess(admin, doc(status, types.SecurityGeneral), ActionRead, nil))
	}
}

func TestApprovedIsReadOpen(t *testing.T) {
	e := newTestEvaluator()
	approved := doc(types.DocumentApproved, types.SecurityGeneral)
	require.True(t, e.CanAccess(peer, approved, ActionRead, nil))
	require.False(t, e.CanAccess(author, approved, ActionUpdate, nil))
	require.False(t, e.CanAccess(manager, approved, ActionApprove, &Context{EligibleApprover: true}))
	require.True(t, e.CanAccess(admin, approved, ActionUpdate, nil))
	require.False(t, e.CanAccess(outsider, approved, ActionRead, nil), "branch rule still applies")
}

func TestDifferentBranchDeniedReadForAllRoles(t *testing.T) {
	e := newTestEvaluator()
	for _, status := range []types.DocumentStatus{types.DocumentDraft, types.DocumentPending, types.DocumentApproved, types.DocumentRejected} {
		for _, role := range []string{types.RoleUser, types.RoleManager, types.RoleDirector} {
			u := types.User{ID: "x-" + role, BranchCode: "B2", Roles: []string{role}, Active: true}
			require.False(t, e.CanAccess(u, doc(status, types.SecurityGeneral), ActionRead, nil), "%s %s", role, status)
		}
	}
}

func TestConfidentialDeniedToPlainUsers(t *testing.T) {
	e := newTestEvaluator()
	actions := []Action{ActionRead, ActionUpdate, ActionDelete, ActionSubmit, ActionRecall, ActionApprove, ActionReject, ActionDelegate, ActionReturn, ActionRestore}
	levels := []types.SecurityLevel{types.SecurityConfidential, types.SecuritySecret, types.SecurityTopSecret}
	statuses := []types.DocumentStatus{types.DocumentDraft, types.DocumentPending, types.DocumentApproved, types.DocumentRejected}
	for _, branch := range []string{"B1", "B2"} {
		u := types.User{ID: author.ID, BranchCode: branch, Roles: []string{types.RoleUser}, Active: true}
		for _, level := range levels {
			for _, status := range statuses {
				for _, a := range actions {
					ctx := &Context{EligibleApprover: true}
					require.False(t, e.CanAccess(u, doc(status, level), a, ctx), "%s %s %s %s", branch, level, status, a)
				}
			}
		}
	}

	require.True(t, e.CanAccess(manager, doc(types.DocumentPending, types.SecurityConfidential), ActionApprove, &Context{EligibleApprover: true}))
}

func TestAdminBypassButNotTimeOrNetwork(t *testing.T) {
	e := newTestEvaluator()
	e.AllowedIPPrefixes = []string{"10.", "192.168."}

	secret := types.Document{ID: "d2", AuthorID: "someone", BranchCode: "B5", Status: types.DocumentDraft, SecurityLevel: types.SecurityTopSecret}
	d := e.Decide(super, secret, ActionUpdate, nil)
	require.True(t, d.Allowed)
	require.Equal(t, RuleAdmin, d.Rule)
	require.True(t, e.CanAccess(admin, doc(types.DocumentRejected, types.SecurityGeneral), ActionRestore, nil))

	d = e.Decide(admin, secret, ActionRead, &Context{IPAddress: "8.8.8.8"})
	require.False(t, d.Allowed)
	require.Equal(t, RuleNetwork, d.Rule)

	d = e.Decide(admin, secret, ActionRead, &Context{Time: time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)})
	require.False(t, d.Allowed)
	require.Equal(t, RuleTime, d.Rule)
}

func TestBusinessHoursWindow(t *testing.T) {
	e := newTestEvaluator()
	draft := doc(types.DocumentDraft, types.SecurityGeneral)
	at := func(h, m int) *Context {
		return &Context{Time: time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)}
	}

	require.True(t, e.CanAccess(author, draft, ActionRead, at(9, 0)))
	require.True(t, e.CanAccess(author, draft, ActionRead, at(17, 59)))
	require.False(t, e.CanAccess(author, draft, ActionRead, at(8, 59)))
	require.False(t, e.CanAccess(author, draft, ActionRead, at(18, 0)))

	// Evaluated in the evaluator's location, not the caller's.
	seoul := time.FixedZone("KST", 9*3600)
	require.True(t, e.CanAccess(author, draft, ActionRead, &Context{Time: time.Date(2026, 3, 2, 19, 0, 0, 0, seoul)}))

	e.HoursEnabled = false
	require.True(t, e.CanAccess(author, draft, ActionRead, at(23, 0)))
}

func TestNetworkAllowList(t *testing.T) {
	e := newTestEvaluator()
	draft := doc(types.DocumentDraft, types.SecurityGeneral)

	require.True(t, e.CanAccess(author, draft, ActionRead, &Context{IPAddress: "8.8.8.8"}), "no list configured")

	e.AllowedIPPrefixes = []string{"10.", "192.168.1."}
	require.True(t, e.CanAccess(author, draft, ActionRead, &Context{IPAddress: "10.1.2.3"}))
	require.True(t, e.CanAccess(author, draft, ActionRead, &Context{IPAddress: "192.168.1.20"}))
	require.False(t, e.CanAccess(author, draft, ActionRead, &Context{IPAddress: "192.168.2.20"}))
	require.True(t, e.CanAccess(author, draft, ActionRead, &Context{}), "no address supplied")
	require.False(t, e.CanAccess(author, draft, ActionRead, &Context{IPAddress: "not-an-ip"}))
}

func TestNetworkAllowListEntryForms(t *testing.T) {
	e := newTestEvaluator()
	draft := doc(types.DocumentDraft, types.SecurityGeneral)
	allowed := func(entry, ip string) bool {
		e.AllowedIPPrefixes = []string{entry}
		return e.CanAccess(author, draft, ActionRead, &Context{IPAddress: ip})
	}

	require.True(t, allowed("10.0.0.1", "10.0.0.1"))
	require.False(t, allowed("10.0.0.1", "10.0.0.12"), "bare address matches exactly")
	require.True(t, allowed("10.0.0.0/24", "10.0.0.12"))
	require.False(t, allowed("10.0.0.0/24", "10.0.1.12"))
	require.True(t, allowed("172.16.0.0/12", "172.20.1.1"))
	require.False(t, allowed("bad/cidr", "10.0.0.1"))
	require.True(t, allowed("192.168.1", "192.168.1.7"))
	require.False(t, allowed("192.168.1", "192.168.10.7"), "prefix stops on an octet boundary")
	require.True(t, allowed("127.0.0.1", "::ffff:127.0.0.1"))
	require.True(t, allowed("fd00::/8", "fd00::1"))
}

type recordingReporter struct {
	decisions []Decision
}

func (r *recordingReporter) Report(_ types.User, _ types.Document, _ Action, _ *Context, d Decision) {
	r.decisions = append(r.decisions, d)
}

func TestEveryDecisionIsReported(t *testing.T) {
	e := newTestEvaluator()
	rec := &recordingReporter{}
	e.Reporter = rec

	e.CanAccess(author, doc(types.DocumentDraft, types.SecurityGeneral), ActionRead, nil)
	e.CanAccess(peer, doc(types.DocumentDraft, types.SecurityGeneral), ActionRead, nil)

	require.Len(t, rec.decisions, 2)
	require.True(t, rec.decisions[0].Allowed)
	require.False(t, rec.decisions[1].Allowed)
	require.Equal(t, RuleStatus, rec.decisions[1].Rule)
	require.NotEmpty(t, rec.decisions[1].Reason)
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEvaluator()
	e.Reporter = LogReporter{Log: zerolog.New(&buf)}

	e.CanAccess(outsider, doc(types.DocumentApproved, types.SecurityGeneral), ActionRead, nil)
	out := buf.String()
	require.True(t, strings.Contains(out, `"allowed":false`), out)
	require.True(t, strings.Contains(out, `"rule":"abac_branch"`), out)
	require.True(t, strings.Contains(out, `"level":"warn"`), out)
}

func TestUnknownActionDenied(t *testing.T) {
	e := newTestEvaluator()
	d := e.Decide(author, doc(types.DocumentDraft, types.SecurityGeneral), Action("SHRED"), nil)
	require.False(t, d.Allowed)
	require.Equal(t, RuleRBAC, d.Rule)
}
