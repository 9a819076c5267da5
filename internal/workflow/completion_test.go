package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/docflow/pkg/types"
)

func st(id string, order int, required bool, status types.StepStatus) types.ApprovalStep {
	return types.ApprovalStep{ID: id, StepOrder: order, IsRequired: required, Status: status}
}

func TestIsAllRequiredStepsCompleted(t *testing.T) {
	cases := []struct {
		name  string
		lines []types.ApprovalLine
		want  bool
	}{
		{name: "no lines", want: false},
		{
			name:  "line without steps",
			lines: []types.ApprovalLine{{ID: "l1"}},
			want:  false,
		},
		{
			name: "all required approved",
			lines: []types.ApprovalLine{{ID: "l1", Steps: []types.ApprovalStep{
				st("s1", 1, true, types.StepApproved),
				st("s2", 2, true, types.StepApproved),
			}}},
			want: true,
		},
		{
			name: "one required pending",
			lines: []types.ApprovalLine{{ID: "l1", Steps: []types.ApprovalStep{
				st("s1", 1, true, types.StepApproved),
				st("s2", 2, true, types.StepPending),
			}}},
			want: false,
		},
		{
			name: "required delegated is not approved",
			lines: []types.ApprovalLine{{ID: "l1", Steps: []types.ApprovalStep{
				st("s1", 1, true, types.StepDelegated),
			}}},
			want: false,
		},
		{
			name: "optional step still open",
			lines: []types.ApprovalLine{{ID: "l1", Steps: []types.ApprovalStep{
				st("s1", 1, false, types.StepPending),
				st("s2", 2, true, types.StepApproved),
			}}},
			want: true,
		},
		{
			name: "second line incomplete",
			lines: []types.ApprovalLine{
				{ID: "l1", Steps: []types.ApprovalStep{st("s1", 1, true, types.StepApproved)}},
				{ID: "l2", Steps: []types.ApprovalStep{st("s2", 1, true, types.StepPending)}},
			},
			want: false,
		},
		{
			name: "parallel peers all approved",
			lines: []types.ApprovalLine{{ID: "l1", IsParallel: true, Steps: []types.ApprovalStep{
				st("s1", 1, false, types.StepApproved),
				st("s2", 1, false, types.StepApproved),
			}}},
			want: true,
		},
		{
			name: "parallel peer still open",
			lines: []types.ApprovalLine{{ID: "l1", IsParallel: true, Steps: []types.ApprovalStep{
				st("s1", 1, false, types.StepApproved),
				st("s2", 1, false, types.StepPending),
			}}},
			want: false,
		},
		{
			name: "parallel peer rejected",
			lines: []types.ApprovalLine{{ID: "l1", IsParallel: true, Steps: []types.ApprovalStep{
				st("s1", 1, false, types.StepApproved),
				st("s2", 1, false, types.StepRejected),
			}}},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsAllRequiredStepsCompleted(tc.lines))
		})
	}
}

func TestStepActive(t *testing.T) {
	line := types.ApprovalLine{ID: "l1", Steps: []types.ApprovalStep{
		st("s1", 1, true, types.StepApproved),
		st("s2", 2, false, types.StepPending),
		st("s3", 3, true, types.StepPending),
		st("s4", 4, true, types.StepPending),
	}}
	require.True(t, stepActive(line, line.Steps[1]))
	require.True(t, stepActive(line, line.Steps[2]), "optional lower steps do not block")
	require.False(t, stepActive(line, line.Steps[3]))

	peers := types.ApprovalLine{ID: "l2", Steps: []types.ApprovalStep{
		st("p1", 1, false, types.StepPending),
		st("p2", 1, false, types.StepPending),
	}}
	require.True(t, stepActive(peers, peers.Steps[0]))
	require.True(t, stepActive(peers, peers.Steps[1]))
}
