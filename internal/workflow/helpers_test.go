package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/docflow/internal/access"
	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/internal/directory"
	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/notify"
	"github.com/davidahmann/docflow/internal/policy"
	"github.com/davidahmann/docflow/pkg/types"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// take returns and clears the recorded messages.
func (r *recordingNotifier) take() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type fixture struct {
	engine *Engine
	store  *ledger.InMemoryStore
	sent   *recordingNotifier
}

func testDirectory(t *testing.T) *directory.Static {
	t.Helper()
	branches := []types.Branch{
		{Code: "HQ", Name: "Headquarters", Headquarters: true},
		{Code: "B1", Name: "Branch 1"},
		{Code: "B2", Name: "Branch 2"},
	}
	users := []types.User{
		{ID: "hq-mgr", BranchCode: "HQ", Roles: []string{types.RoleManager}, Active: true},
		{ID: "hq-admin", BranchCode: "HQ", Roles: []string{types.RoleAdmin}, Active: true},
		{ID: "b1-user", BranchCode: "B1", Roles: []string{types.RoleUser}, Active: true},
		{ID: "b1-user2", BranchCode: "B1", Roles: []string{types.RoleUser}, Active: true},
		{ID: "b1-mgr", BranchCode: "B1", Roles: []string{types.RoleManager}, Active: true},
		{ID: "b1-dir", BranchCode: "B1", Roles: []string{types.RoleDirector}, Active: true},
		{ID: "b1-mgr2", BranchCode: "B1", Roles: []string{types.RoleManager}, Active: true},
		{ID: "b1-gone", BranchCode: "B1", Roles: []string{types.RoleManager}, Active: false},
		{ID: "b2-mgr", BranchCode: "B2", Roles: []string{types.RoleManager}, Active: true},
		{ID: "b2-dir", BranchCode: "B2", Roles: []string{types.RoleDirector}, Active: true},
	}
	d, err := directory.NewStatic(branches, users)
	require.NoError(t, err)
	return d
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := testDirectory(t)
	store := ledger.NewInMemoryStore()

	acc := access.NewEvaluator()
	acc.Location = time.UTC
	acc.Now = func() time.Time { return testNow }

	e := New(store, dir, policy.NewEngine(dir, policy.DefaultTiers().Tiers), acc)
	e.Now = func() time.Time { return testNow }
	sent := &recordingNotifier{}
	e.Notifier = sent
	return &fixture{engine: e, store: store, sent: sent}
}

// draft creates a DRAFT expense document authored by b1-user.
func (f *fixture) draft(t *testing.T, id string) types.Document {
	t.Helper()
	doc, err := f.engine.CreateDocument(context.Background(), "b1-user", NewDocument{
		ID:            id,
		Title:         "Budget request",
		DocumentType:  "EXPENSE_REPORT",
		SecurityLevel: types.SecurityGeneral,
		Priority:      2,
		Amount:        500_000,
	})
	require.NoError(t, err)
	return doc
}

func (f *fixture) line(t *testing.T, docID, policyName, condition string) types.ApprovalLine {
	t.Helper()
	lines, err := f.engine.CreateApprovalLine(context.Background(), CreateLineRequest{
		DocumentID: docID,
		PolicyName: policyName,
		Condition:  condition,
		ActorID:    "b1-user",
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	return lines[0]
}

// submitted returns a PENDING document with one line under policyName.
func (f *fixture) submitted(t *testing.T, id, policyName string) (types.Document, types.ApprovalLine) {
	t.Helper()
	f.draft(t, id)
	line := f.line(t, id, policyName, "")
	doc, err := f.engine.Submit(context.Background(), id, "b1-user", Meta{})
	require.NoError(t, err)
	f.sent.take()
	return doc, line
}

func (f *fixture) act(stepID string, action types.Action, actorID, comment string) (types.ApprovalHistory, error) {
	return f.engine.PerformAction(context.Background(), ActionRequest{
		StepID:  stepID,
		Action:  action,
		ActorID: actorID,
		Comment: comment,
		Meta:    Meta{IPAddress: "10.0.0.5", UserAgent: "docflow-test"},
	})
}

func (f *fixture) doc(t *testing.T, id string) types.Document {
	t.Helper()
	doc, err := f.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (f *fixture) step(t *testing.T, id string) types.ApprovalStep {
	t.Helper()
	step, err := f.store.GetStep(context.Background(), id)
	require.NoError(t, err)
	return step
}

func requireKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
}

func kinds(msgs []notify.Message) map[string][]string {
	out := map[string][]string{}
	for _, m := range msgs {
		out[m.Kind] = append(out[m.Kind], m.UserID)
	}
	return out
}
