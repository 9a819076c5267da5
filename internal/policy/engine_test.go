package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/pkg/types"
)

func TestGenerateSequential(t *testing.T) {
	e := testEngine(t)
	line, err := e.Generate(context.Background(), testDocument(), types.PolicySequential, "")
	require.NoError(t, err)

	require.Equal(t, "doc-1", line.DocumentID)
	require.False(t, line.IsParallel)
	require.Equal(t, []string{"b1-mgr", "b1-dir"}, approvers(line))
	for i, step := range line.Steps {
		require.Equal(t, i+1, step.StepOrder)
		require.True(t, step.IsRequired)
		require.False(t, step.IsDelegatable)
		require.Equal(t, types.StepPending, step.Status)
		require.Equal(t, line.ID, step.LineID)
	}
}

func TestGenerateParallelSharesOrder(t *testing.T) {
	e := testEngine(t)
	line, err := e.Generate(context.Background(), testDocument(), types.PolicyParallel, "")
	require.NoError(t, err)

	require.True(t, line.IsParallel)
	require.Len(t, line.Steps, 2)
	for _, step := range line.Steps {
		require.Equal(t, 1, step.StepOrder)
		require.False(t, step.IsRequired)
	}
}

func TestGenerateOrdersAcrossPolicies(t *testing.T) {
	e := testEngine(t)
	doc := testDocument()
	for _, name := range types.PolicyNames {
		cond := ""
		if name == types.PolicyConditional || name == types.PolicyComplex {
			cond = "amount > 1000"
		}
		line, err := e.Generate(context.Background(), doc, name, cond)
		require.NoError(t, err, name)
		prev := 0
		for _, step := range line.Steps {
			require.GreaterOrEqual(t, step.StepOrder, prev, "%s orders must be non-decreasing", name)
			prev = step.StepOrder
		}
	}
}

func TestGenerateConditional(t *testing.T) {
	e := testEngine(t)

	_, err := e.Generate(context.Background(), testDocument(), types.PolicyConditional, "free text")
	require.True(t, errors.Is(err, apperr.ErrInvalidCondition))

	_, err = e.Generate(context.Background(), testDocument(), types.PolicyConditional, "")
	require.True(t, errors.Is(err, apperr.ErrInvalidCondition))

	doc := testDocument()
	doc.Amount = 5_000_000
	line, err := e.Generate(context.Background(), doc, types.PolicyConditional, "amount > 1000000")
	require.NoError(t, err)
	require.True(t, line.IsConditional)
	require.Equal(t, "amount > 1000000", line.ConditionExpression)
	require.True(t, line.Steps[0].IsConditional)
	require.True(t, line.Steps[0].IsRequired)
	require.Equal(t, "amount > 1000000", line.Steps[0].ConditionExpression)
	for _, step := range line.Steps[1:] {
		require.False(t, step.IsConditional)
		require.True(t, step.IsRequired)
	}
}

func TestGenerateConditionalGateNotMet(t *testing.T) {
	e := testEngine(t)
	line, err := e.Generate(context.Background(), testDocument(), types.PolicyConditional, "amount > 1000000")
	require.NoError(t, err)
	require.True(t, line.Steps[0].IsConditional)
	require.False(t, line.Steps[0].IsRequired, "unmet gate does not hold up completion")
	require.True(t, line.Steps[1].IsRequired)
}

func TestGenerateComplex(t *testing.T) {
	e := testEngine(t)
	line, err := e.Generate(context.Background(), testDocument(), types.PolicyComplex, "priority >= 1")
	require.NoError(t, err)
	require.Equal(t, []string{"b1-mgr", "b1-dir", "b1-admin", "b1-super"}, approvers(line))
	require.True(t, line.Steps[0].IsConditional)
	for i, step := range line.Steps {
		require.Equal(t, i+1, step.StepOrder)
		if i > 0 {
			require.False(t, step.IsConditional)
		}
	}

	_, err = e.Generate(context.Background(), testDocument(), types.PolicyComplex, "priority")
	require.True(t, errors.Is(err, apperr.ErrInvalidCondition))
}

func TestGenerateSecurityLevelSpecific(t *testing.T) {
	e := testEngine(t)
	doc := testDocument()

	line, err := e.Generate(context.Background(), doc, types.PolicySecurityLevelSpecific, "")
	require.NoError(t, err)
	require.Len(t, line.Steps, 2)

	doc.SecurityLevel = types.SecurityConfidential
	line, err = e.Generate(context.Background(), doc, types.PolicySecurityLevelSpecific, "")
	require.NoError(t, err)
	require.Equal(t, []string{"b1-mgr", "b1-dir", "b1-admin", "b1-super"}, approvers(line))
}

func TestGenerateBranchAndDocumentTypeSpecific(t *testing.T) {
	e := testEngine(t)
	doc := testDocument()
	doc.BranchCode = "HQ"

	line, err := e.Generate(context.Background(), doc, types.PolicyBranchSpecific, "")
	require.NoError(t, err)
	require.Equal(t, []string{"hq-mgr", "hq-dir", "hq-admin"}, approvers(line))

	doc = testDocument()
	line, err = e.Generate(context.Background(), doc, types.PolicyBranchSpecific, "")
	require.NoError(t, err)
	require.Equal(t, []string{"b1-mgr", "b1-dir"}, approvers(line))

	doc.DocumentType = "CONTRACT"
	line, err = e.Generate(context.Background(), doc, types.PolicyDocumentTypeSpecific, "")
	require.NoError(t, err)
	require.Equal(t, []string{"b1-mgr", "b1-dir", "b1-admin"}, approvers(line))

	doc.DocumentType = "EXPENSE"
	line, err = e.Generate(context.Background(), doc, types.PolicyDocumentTypeSpecific, "")
	require.NoError(t, err)
	require.Equal(t, []string{"b1-mgr"}, approvers(line))
}

func TestGenerateDelegatable(t *testing.T) {
	e := testEngine(t)
	line, err := e.Generate(context.Background(), testDocument(), types.PolicyDelegatable, "")
	require.NoError(t, err)
	for _, step := range line.Steps {
		require.True(t, step.IsDelegatable)
		require.Equal(t, 2, step.MaxDelegationLevel)
	}
}

func TestGenerateAlternateApprover(t *testing.T) {
	e := testEngine(t)
	line, err := e.Generate(context.Background(), testDocument(), types.PolicyAlternateApprover, "")
	require.NoError(t, err)
	require.Len(t, line.Steps, 2)
	require.Equal(t, "b1-dir", line.Steps[0].AlternateApproverID)
	require.Equal(t, "b1-admin", line.Steps[1].AlternateApproverID)
	require.Equal(t, types.StepPending, line.Steps[0].Status)
}

func TestGenerateUnsupportedPolicy(t *testing.T) {
	e := testEngine(t)
	_, err := e.Generate(context.Background(), testDocument(), types.PolicyName("ROUND_ROBIN"), "")
	require.True(t, errors.Is(err, apperr.ErrUnsupportedPolicy))

	_, err = ParsePolicyName("ROUND_ROBIN")
	require.True(t, errors.Is(err, apperr.ErrUnsupportedPolicy))
	p, err := ParsePolicyName("PARALLEL")
	require.NoError(t, err)
	require.Equal(t, types.PolicyParallel, p)
}

func TestMissingApproverSkipAndFail(t *testing.T) {
	e := testEngine(t)
	doc := testDocument()
	doc.BranchCode = "B3" // only a manager exists in B3

	line, err := e.Generate(context.Background(), doc, types.PolicySequential, "")
	require.NoError(t, err)
	require.Equal(t, []string{"b3-mgr"}, approvers(line))
	require.Equal(t, 1, line.Steps[0].StepOrder)

	e.MissingApprover = MissingApproverFail
	_, err = e.Generate(context.Background(), doc, types.PolicySequential, "")
	require.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestConditionMovesToFirstResolvedStep(t *testing.T) {
	e := testEngine(t)
	e.Tiers.Conditional = []string{types.RoleSuperAdmin, types.RoleManager}
	doc := testDocument()
	doc.BranchCode = "B2"

	line, err := e.Generate(context.Background(), doc, types.PolicyConditional, "amount > 1")
	require.NoError(t, err)
	require.Len(t, line.Steps, 1)
	require.True(t, line.Steps[0].IsConditional)
	require.Equal(t, "b2-mgr", line.Steps[0].ApproverID)
}

func TestNoResolvableApproverIsNotFound(t *testing.T) {
	e := testEngine(t)
	doc := testDocument()
	doc.BranchCode = "NOWHERE"
	_, err := e.Generate(context.Background(), doc, types.PolicySequential, "")
	require.True(t, errors.Is(err, apperr.ErrNotFound))
}
