// Package policy generates approval lines from the named organizational policies.
package policy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/internal/directory"
	"github.com/davidahmann/docflow/internal/metrics"
	"github.com/davidahmann/docflow/pkg/types"
)

type MissingApproverMode string

const (
	MissingApproverSkip MissingApproverMode = "skip"
	MissingApproverFail MissingApproverMode = "fail"
)

const delegatableMaxLevel = 2

var lineNames = map[types.PolicyName]string{
	types.PolicySequential:            "Sequential approval",
	types.PolicyParallel:              "Parallel approval",
	types.PolicyConditional:           "Conditional approval",
	types.PolicyBranchSpecific:        "Branch approval",
	types.PolicyDocumentTypeSpecific:  "Document type approval",
	types.PolicySecurityLevelSpecific: "Security level approval",
	types.PolicyDelegatable:           "Delegatable approval",
	types.PolicyAlternateApprover:     "Alternate approver approval",
	types.PolicyComplex:               "Complex approval",
}

// Engine turns a document and a policy name into an approval line. It never
// persists anything.
type Engine struct {
	Directory       directory.RoleDirectory
	Tiers           Tiers
	MissingApprover MissingApproverMode
	Log             zerolog.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
	NewID           func() string
}

func NewEngine(dir directory.RoleDirectory, tiers Tiers) *Engine {
	return &Engine{
		Directory:       dir,
		Tiers:           tiers,
		MissingApprover: MissingApproverSkip,
		Log:             zerolog.Nop(),
		Now:             func() time.Time { return time.Now().UTC() },
		NewID:           uuid.NewString,
	}
}

func ParsePolicyName(name string) (types.PolicyName, error) {
	p := types.PolicyName(name)
	if _, ok := lineNames[p]; !ok {
		return "", apperr.UnsupportedPolicy("policy.parse", "unsupported approval policy %q", name)
	}
	return p, nil
}

type stepSpec struct {
	role          string
	branch        string
	parallel      bool
	optional      bool
	delegatable   bool
	conditional   bool
	condition     string
	alternateRole string
}

// Generate builds one approval line for doc under the named policy. condition is
// only consulted by CONDITIONAL and COMPLEX.
func (e *Engine) Generate(ctx context.Context, doc types.Document, name types.PolicyName, condition string) (types.ApprovalLine, error) {
	if _, ok := lineNames[name]; !ok {
		return types.ApprovalLine{}, apperr.UnsupportedPolicy("policy.generate", "unsupported approval policy %q", name)
	}

	line := e.newLine(doc, name)
	t := e.Tiers
	branch := doc.BranchCode

	var specs []stepSpec
	switch name {
	case types.PolicySequential:
		specs = sequential(t.Sequential, branch)
	case types.PolicyParallel:
		specs = parallel(t.Parallel, branch)
		line.IsParallel = true
	case types.PolicyConditional, types.PolicyComplex:
		roles := t.Conditional
		if name == types.PolicyComplex {
			roles = t.Complex
		}
		cond, err := e.conditionalFirst(doc, condition, &line)
		if err != nil {
			return types.ApprovalLine{}, err
		}
		specs = sequential(roles, branch)
		if len(specs) > 0 {
			applyCondition(&specs[0], cond)
		}
	case types.PolicyBranchSpecific:
		specs = sequential(forKey(t.Branches, branch, t.Sequential), branch)
	case types.PolicyDocumentTypeSpecific:
		specs = sequential(forKey(t.DocumentTypes, doc.DocumentType, t.Sequential), branch)
	case types.PolicySecurityLevelSpecific:
		specs = sequential(forKey(t.SecurityLevels, string(doc.SecurityLevel), t.Sequential), branch)
	case types.PolicyDelegatable:
		specs = sequential(t.Delegatable, branch)
		for i := range specs {
			specs[i].delegatable = true
		}
	case types.PolicyAlternateApprover:
		specs = sequential(t.Alternate.Roles, branch)
		for i := range specs {
			specs[i].alternateRole = t.Alternate.Alternates[specs[i].role]
		}
	}

	steps, err := e.resolve(ctx, line, specs)
	if err != nil {
		return types.ApprovalLine{}, err
	}
	line.Steps = steps
	e.Metrics.RecordLine(string(name))
	return line, nil
}

func (e *Engine) newLine(doc types.Document, name types.PolicyName) types.ApprovalLine {
	return types.ApprovalLine{
		ID:         e.NewID(),
		DocumentID: doc.ID,
		Name:       lineNames[name],
		PolicyName: name,
		CreatedAt:  e.Now(),
	}
}

type evaluatedCondition struct {
	expr string
	met  bool
}

// conditionalFirst validates the condition, marks the line conditional and
// evaluates the gate against the document.
func (e *Engine) conditionalFirst(doc types.Document, expr string, line *types.ApprovalLine) (evaluatedCondition, error) {
	cond, err := ParseCondition(expr)
	if err != nil {
		return evaluatedCondition{}, err
	}
	met, err := cond.Evaluate(AttributesOf(doc))
	if err != nil {
		return evaluatedCondition{}, err
	}
	line.IsConditional = true
	line.ConditionExpression = cond.String()
	return evaluatedCondition{expr: cond.String(), met: met}, nil
}

func applyCondition(spec *stepSpec, cond evaluatedCondition) {
	spec.conditional = true
	spec.condition = cond.expr
	// A gate that does not hold keeps the step on the line but out of the completion rule.
	spec.optional = !cond.met
}

func sequential(roles []string, branch string) []stepSpec {
	specs := make([]stepSpec, 0, len(roles))
	for _, role := range roles {
		specs = append(specs, stepSpec{role: role, branch: branch})
	}
	return specs
}

func parallel(roles []string, branch string) []stepSpec {
	specs := make([]stepSpec, 0, len(roles))
	for _, role := range roles {
		specs = append(specs, stepSpec{role: role, branch: branch, parallel: true, optional: true})
	}
	return specs
}

// resolve binds each spec to the first active holder of its role in its branch.
// Sequential orders stay dense when a step is omitted, and a condition on an
// omitted step moves to the next resolved one.
func (e *Engine) resolve(ctx context.Context, line types.ApprovalLine, specs []stepSpec) ([]types.ApprovalStep, error) {
	steps := make([]types.ApprovalStep, 0, len(specs))
	order := 0
	var carried *stepSpec
	for i := range specs {
		spec := specs[i]
		if carried != nil {
			spec.conditional, spec.condition, spec.optional = true, carried.condition, carried.optional
			carried = nil
		}
		approver, ok, err := e.Directory.FindApproverByRoleAndBranch(ctx, spec.role, spec.branch)
		if err != nil {
			return nil, apperr.Internal("policy.resolve", err)
		}
		if !ok {
			if e.MissingApprover == MissingApproverFail {
				return nil, apperr.NotFound("policy.resolve", "no active %s in branch %s", spec.role, spec.branch)
			}
			e.Log.Warn().
				Str("document_id", line.DocumentID).
				Str("role", spec.role).
				Str("branch", spec.branch).
				Msg("approver not found; step omitted")
			if spec.conditional {
				carried = &spec
			}
			continue
		}

		if spec.parallel {
			order = 1
		} else {
			order++
		}

		step := types.ApprovalStep{
			ID:                  e.NewID(),
			LineID:              line.ID,
			DocumentID:          line.DocumentID,
			StepOrder:           order,
			RoleName:            spec.role,
			BranchCode:          spec.branch,
			ApproverID:          approver.ID,
			IsRequired:          !spec.optional,
			IsConditional:       spec.conditional,
			ConditionExpression: spec.condition,
			Status:              types.StepPending,
		}
		if spec.delegatable {
			step.IsDelegatable = true
			step.MaxDelegationLevel = delegatableMaxLevel
		}
		if spec.alternateRole != "" {
			alt, ok, err := e.Directory.FindApproverByRoleAndBranch(ctx, spec.alternateRole, spec.branch)
			if err != nil {
				return nil, apperr.Internal("policy.resolve", err)
			}
			if ok && alt.ID != approver.ID {
				step.AlternateApproverID = alt.ID
				step.IsDelegatable = true
				step.MaxDelegationLevel = 1
			}
		}
		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, apperr.NotFound("policy.resolve", "no approver could be resolved for %s", line.Name)
	}
	return steps, nil
}
