package workflow

import "github.com/davidahmann/docflow/pkg/types"

// IsAllRequiredStepsCompleted reports whether a document with these lines is
// fully approved: every required step on every line is APPROVED. A line with no
// required steps is complete once all of its steps have settled and none was
// rejected. A document without lines is never complete.
func IsAllRequiredStepsCompleted(lines []types.ApprovalLine) bool {
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		if !lineComplete(line) {
			return false
		}
	}
	return true
}

func lineComplete(line types.ApprovalLine) bool {
	required := 0
	for _, step := range line.Steps {
		if !step.IsRequired {
			continue
		}
		required++
		if step.Status != types.StepApproved {
			return false
		}
	}
	if required > 0 {
		return true
	}
	if len(line.Steps) == 0 {
		return false
	}
	for _, step := range line.Steps {
		if step.Status.Open() || step.Status == types.StepRejected {
			return false
		}
	}
	return true
}

// stepActive reports whether step may be decided now: every required step of a
// lower order on the same line must already be APPROVED.
func stepActive(line types.ApprovalLine, step types.ApprovalStep) bool {
	for _, other := range line.Steps {
		if other.ID == step.ID || !other.IsRequired || other.StepOrder >= step.StepOrder {
			continue
		}
		if other.Status != types.StepApproved {
			return false
		}
	}
	return true
}

func findLine(lines []types.ApprovalLine, lineID string) (types.ApprovalLine, bool) {
	for _, line := range lines {
		if line.ID == lineID {
			return line, true
		}
	}
	return types.ApprovalLine{}, false
}

// replaceStep swaps step into lines by id.
func replaceStep(lines []types.ApprovalLine, step types.ApprovalStep) {
	for i := range lines {
		for j := range lines[i].Steps {
			if lines[i].Steps[j].ID == step.ID {
				lines[i].Steps[j] = step
				return
			}
		}
	}
}
