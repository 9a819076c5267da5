package policy

import (
	"context"
	"fmt"

	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/pkg/types"
)

type LineStatus string

const (
	LinePending   LineStatus = "PENDING"
	LineCompleted LineStatus = "COMPLETED"
	LineRejected  LineStatus = "REJECTED"
)

func ParseRouteType(route string) (types.RouteType, error) {
	switch r := types.RouteType(route); r {
	case types.RouteHQToBranch, types.RouteBranchToHQ, types.RouteBranchToBranch,
		types.RouteParallelCrossBranch, types.RouteConditionalCrossBranch:
		return r, nil
	default:
		return "", apperr.UnsupportedPolicy("policy.route", "unsupported route type %q", route)
	}
}

// CheckCrossBranchPermission enforces that only the author or an admin may route
// a document, and only to a branch other than its own.
func CheckCrossBranchPermission(user types.User, doc types.Document, target string) error {
	if user.ID != doc.AuthorID && !user.IsAdmin() {
		return apperr.Permission("policy.cross_branch", "only the author or an admin may route document %s", doc.ID)
	}
	if target == "" || target == doc.BranchCode {
		return apperr.InvalidInput("policy.cross_branch", "target branch must differ from document branch %s", doc.BranchCode)
	}
	return nil
}

// GenerateCrossBranch builds one line routing doc to target.
func (e *Engine) GenerateCrossBranch(ctx context.Context, doc types.Document, target string, route types.RouteType, condition string) (types.ApprovalLine, error) {
	if _, err := ParseRouteType(string(route)); err != nil {
		return types.ApprovalLine{}, err
	}
	if target == "" || target == doc.BranchCode {
		return types.ApprovalLine{}, apperr.InvalidInput("policy.cross_branch", "target branch must differ from document branch %s", doc.BranchCode)
	}

	roles := e.Tiers.CrossBranch
	line := types.ApprovalLine{
		ID:           e.NewID(),
		DocumentID:   doc.ID,
		Name:         fmt.Sprintf("Cross-branch %s to %s", route, target),
		RouteType:    route,
		TargetBranch: target,
		CreatedAt:    e.Now(),
	}

	var specs []stepSpec
	switch route {
	case types.RouteHQToBranch:
		specs = sequential(roles, target)
	case types.RouteBranchToHQ:
		specs = sequential(roles, doc.BranchCode)
	case types.RouteBranchToBranch:
		hq, err := e.Directory.HeadquartersBranch(ctx)
		if err != nil {
			return types.ApprovalLine{}, apperr.Internal("policy.cross_branch", err)
		}
		if len(roles) > 0 {
			specs = append(specs, stepSpec{role: roles[0], branch: hq})
		}
		specs = append(specs, sequential(roles, target)...)
	case types.RouteParallelCrossBranch:
		specs = parallel(roles, target)
		line.IsParallel = true
	case types.RouteConditionalCrossBranch:
		cond, err := e.conditionalFirst(doc, condition, &line)
		if err != nil {
			return types.ApprovalLine{}, err
		}
		specs = sequential(roles, target)
		if len(specs) > 0 {
			applyCondition(&specs[0], cond)
		}
	}

	steps, err := e.resolve(ctx, line, specs)
	if err != nil {
		return types.ApprovalLine{}, err
	}
	line.Steps = steps
	e.Metrics.RecordLine(string(route))
	return line, nil
}

// GenerateParallelCrossBranch builds one line per distinct target; every line is
// marked parallel so the targets review concurrently.
func (e *Engine) GenerateParallelCrossBranch(ctx context.Context, doc types.Document, targets []string, route types.RouteType, condition string) ([]types.ApprovalLine, error) {
	if len(targets) == 0 {
		return nil, apperr.InvalidInput("policy.cross_branch", "at least one target branch is required")
	}
	seen := make(map[string]struct{}, len(targets))
	lines := make([]types.ApprovalLine, 0, len(targets))
	for _, target := range targets {
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}

		line, err := e.GenerateCrossBranch(ctx, doc, target, route, condition)
		if err != nil {
			return nil, err
		}
		line.IsParallel = true
		lines = append(lines, line)
	}
	return lines, nil
}

// GetStatus aggregates the steps of a line. It is computed on every call. A
// line without steps can never complete and stays PENDING.
func GetStatus(line types.ApprovalLine) LineStatus {
	if len(line.Steps) == 0 {
		return LinePending
	}
	settled := true
	for _, step := range line.Steps {
		if step.Status == types.StepRejected {
			return LineRejected
		}
		if step.Status.Open() {
			settled = false
		}
	}
	if settled {
		return LineCompleted
	}
	return LinePending
}
