package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/docflow/internal/directory"
	"github.com/davidahmann/docflow/pkg/types"
)

func testDirectory(t *testing.T) *directory.Static {
	t.Helper()
	branches := []types.Branch{
		{Code: "HQ", Name: "Headquarters", Headquarters: true},
		{Code: "B1", Name: "Branch 1"},
		{Code: "B2", Name: "Branch 2"},
		{Code: "B3", Name: "Branch 3"},
	}
	users := []types.User{
		{ID: "hq-mgr", BranchCode: "HQ", Roles: []string{types.RoleManager}, Active: true},
		{ID: "hq-dir", BranchCode: "HQ", Roles: []string{types.RoleDirector}, Active: true},
		{ID: "hq-admin", BranchCode: "HQ", Roles: []string{types.RoleAdmin}, Active: true},
		{ID: "b1-user", BranchCode: "B1", Roles: []string{types.RoleUser}, Active: true},
		{ID: "b1-mgr", BranchCode: "B1", Roles: []string{types.RoleManager}, Active: true},
		{ID: "b1-dir", BranchCode: "B1", Roles: []string{types.RoleDirector}, Active: true},
		{ID: "b1-admin", BranchCode: "B1", Roles: []string{types.RoleAdmin}, Active: true},
		{ID: "b1-super", BranchCode: "B1", Roles: []string{types.RoleSuperAdmin}, Active: true},
		{ID: "b2-mgr", BranchCode: "B2", Roles: []string{types.RoleManager}, Active: true},
		{ID: "b2-dir", BranchCode: "B2", Roles: []string{types.RoleDirector}, Active: true},
		{ID: "b3-mgr", BranchCode: "B3", Roles: []string{types.RoleManager}, Active: true},
	}
	d, err := directory.NewStatic(branches, users)
	require.NoError(t, err)
	return d
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(testDirectory(t), DefaultTiers().Tiers)
	n := 0
	e.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	e.Now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return e
}

func testDocument() types.Document {
	return types.Document{
		ID:            "doc-1",
		Title:         "Budget request",
		DocumentType:  "EXPENSE_REPORT",
		SecurityLevel: types.SecurityGeneral,
		Status:        types.DocumentDraft,
		Priority:      2,
		Amount:        500_000,
		BranchCode:    "B1",
		AuthorID:      "b1-user",
	}
}

func approvers(line types.ApprovalLine) []string {
	out := make([]string, 0, len(line.Steps))
	for _, s := range line.Steps {
		out = append(out, s.ApproverID)
	}
	return out
}
