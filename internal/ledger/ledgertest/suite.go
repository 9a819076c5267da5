// Package ledgertest holds a behavioural suite shared by every ledger.Store
// implementation.
package ledgertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/pkg/types"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func Document(id string) types.Document {
	return types.Document{
		ID:            id,
		Title:         "Quarterly budget",
		Content:       "body",
		DocumentType:  "EXPENSE_REPORT",
		SecurityLevel: types.SecurityGeneral,
		Status:        types.DocumentDraft,
		Priority:      2,
		Amount:        500000,
		BranchCode:    "B1",
		AuthorID:      "author",
		CreatedAt:     base,
		UpdatedAt:     base,
		Version:       1,
	}
}

func Line(docID, lineID string, approvers ...string) types.ApprovalLine {
	line := types.ApprovalLine{
		ID:         lineID,
		DocumentID: docID,
		Name:       "Sequential approval",
		PolicyName: types.PolicySequential,
		CreatedAt:  base,
	}
	for i, approver := range approvers {
		line.Steps = append(line.Steps, types.ApprovalStep{
			ID:         lineID + "-s" + string(rune('1'+i)),
			LineID:     lineID,
			DocumentID: docID,
			StepOrder:  i + 1,
			RoleName:   types.RoleManager,
			BranchCode: "B1",
			ApproverID: approver,
			IsRequired: true,
			Status:     types.StepPending,
			Version:    1,
		})
	}
	return line
}

// Run exercises s. newStore must return an empty store per call.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("DocumentVersioning", func(t *testing.T) { testDocumentVersioning(t, newStore(t)) })
	t.Run("LinesAndSteps", func(t *testing.T) { testLinesAndSteps(t, newStore(t)) })
	t.Run("StepConflict", func(t *testing.T) { testStepConflict(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("HistoryChain", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("Notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
}

func testDocumentVersioning(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	doc := Document("d1")
	if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertDocument(ctx, doc) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertDocument(ctx, doc) }); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}

	got, err := s.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != doc.Title || got.Amount != doc.Amount || got.Status != types.DocumentDraft || !got.CreatedAt.Equal(base) {
		t.Fatalf("document mismatch: %+v", got)
	}
	if got.SubmittedAt != nil {
		t.Fatalf("expected nil submitted_at")
	}

	submitted := base.Add(time.Minute)
	got.Status = types.DocumentPending
	got.SubmittedAt = &submitted
	var updated types.Document
	if err := s.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetDocumentForUpdate(ctx, "d1")
		if err != nil {
			return err
		}
		cur.Status = got.Status
		cur.SubmittedAt = got.SubmittedAt
		updated, err = tx.PutDocument(ctx, cur)
		return err
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	stale := got
	stale.Version = 1
	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.PutDocument(ctx, stale)
		return err
	})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	reread, err := s.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if reread.SubmittedAt == nil || !reread.SubmittedAt.Equal(submitted) || reread.Status != types.DocumentPending {
		t.Fatalf("reread mismatch: %+v", reread)
	}

	if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func seed(t *testing.T, s ledger.Store, lines ...types.ApprovalLine) {
	t.Helper()
	ctx := context.Background()
	if err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertDocument(ctx, Document("d1")); err != nil {
			return err
		}
		for _, line := range lines {
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func testLinesAndSteps(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	seed(t, s, Line("d1", "l1", "mgr", "dir"), Line("d1", "l2", "hq"))

	lines, err := s.ListLinesByDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("list lines: %v", err)
	}
	if len(lines) != 2 || lines[0].ID != "l1" || lines[1].ID != "l2" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
	if len(lines[0].Steps) != 2 || lines[0].Steps[0].StepOrder != 1 || lines[0].Steps[1].ApproverID != "dir" {
		t.Fatalf("unexpected steps: %+v", lines[0].Steps)
	}
	if !lines[0].Steps[0].IsRequired || lines[0].Steps[0].Status != types.StepPending {
		t.Fatalf("step flags lost: %+v", lines[0].Steps[0])
	}

	steps, err := s.ListStepsByLines(ctx, []string{"l1", "l2"})
	if err != nil || len(steps) != 3 {
		t.Fatalf("list steps: err=%v len=%d", err, len(steps))
	}

	line, err := s.GetLine(ctx, "l2")
	if err != nil || len(line.Steps) != 1 {
		t.Fatalf("get line: err=%v line=%+v", err, line)
	}

	inbox, err := s.ListStepsByApprover(ctx, "mgr")
	if err != nil || len(inbox) != 1 || inbox[0].ID != "l1-s1" {
		t.Fatalf("inbox: err=%v steps=%+v", err, inbox)
	}

	// A delegated step belongs to its alternate approver.
	if err := s.WithTx(ctx, func(tx ledger.Tx) error {
		step, err := tx.GetStepForUpdate(ctx, "l1-s1")
		if err != nil {
			return err
		}
		at := base.Add(time.Hour)
		step.Status = types.StepDelegated
		step.AlternateApproverID = "deputy"
		step.DelegationLevel = 1
		step.DelegatedAt = &at
		_, err = tx.UpdateStep(ctx, step)
		return err
	}); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if inbox, _ := s.ListStepsByApprover(ctx, "mgr"); len(inbox) != 0 {
		t.Fatalf("expected delegating approver inbox empty, got %+v", inbox)
	}
	if inbox, _ := s.ListStepsByApprover(ctx, "deputy"); len(inbox) != 1 || inbox[0].DelegatedAt == nil {
		t.Fatalf("expected deputy inbox with the step, got %+v", inbox)
	}

	if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.DeleteLinesByDocument(ctx, "d1") }); err != nil {
		t.Fatalf("delete lines: %v", err)
	}
	if lines, _ := s.ListLinesByDocument(ctx, "d1"); len(lines) != 0 {
		t.Fatalf("expected no lines, got %+v", lines)
	}
	if _, err := s.GetStep(ctx, "l1-s1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected deleted step, got %v", err)
	}
}

func testStepConflict(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	seed(t, s, Line("d1", "l1", "mgr"))

	step, err := s.GetStep(ctx, "l1-s1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	approved := step
	approved.Status = types.StepApproved
	if err := s.WithTx(ctx, func(tx ledger.Tx) error {
		next, err := tx.UpdateStep(ctx, approved)
		if err == nil && next.Version != step.Version+1 {
			t.Errorf("expected version bump, got %d", next.Version)
		}
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rejected := step
	rejected.Status = types.StepRejected
	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.UpdateStep(ctx, rejected)
		return err
	})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
	if got, _ := s.GetStep(ctx, "l1-s1"); got.Status != types.StepApproved {
		t.Fatalf("stale write leaked: %+v", got)
	}
}

func testRollback(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertDocument(ctx, Document("d1")); err != nil {
			return err
		}
		if err := tx.InsertLine(ctx, Line("d1", "l1", "mgr")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetDocument(ctx, "d1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected rolled back document, got %v", err)
	}
	if _, err := s.GetStep(ctx, "l1-s1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected rolled back step, got %v", err)
	}
}

func testHistory(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	seed(t, s, Line("d1", "l1", "mgr"))

	entries := []types.ApprovalHistory{
		{ID: "h1", DocumentID: "d1", Action: types.ActionSubmit, ActorID: "author", CreatedAt: base},
		{ID: "h2", DocumentID: "d1", LineID: "l1", StepID: "l1-s1", Action: types.ActionApprove, ActorID: "mgr", Comment: "ok", IPAddress: "10.0.0.1", UserAgent: "curl", CreatedAt: base.Add(time.Second)},
		{ID: "h3", DocumentID: "d2", Action: types.ActionSubmit, ActorID: "mgr", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := s.WithTx(ctx, func(tx ledger.Tx) error {
			prev, err := tx.LastHistoryDigest(ctx, e.DocumentID)
			if err != nil {
				return err
			}
			rec, err := ledger.ChainHistory(prev, e)
			if err != nil {
				return err
			}
			return tx.AppendHistory(ctx, rec)
		}); err != nil {
			t.Fatalf("append %s: %v", e.ID, err)
		}
	}

	recs, err := s.ListHistoryByDocument(ctx, "d1")
	if err != nil || len(recs) != 2 {
		t.Fatalf("history by document: err=%v len=%d", err, len(recs))
	}
	if recs[0].ID != "h1" || recs[1].ID != "h2" || recs[1].IPAddress != "10.0.0.1" || recs[1].Comment != "ok" {
		t.Fatalf("history order or fields: %+v", recs)
	}
	if err := ledger.VerifyHistoryChain(recs); err != nil {
		t.Fatalf("verify chain after round trip: %v", err)
	}

	byActor, err := s.ListHistoryByActor(ctx, "mgr")
	if err != nil || len(byActor) != 2 || byActor[0].ID != "h2" || byActor[1].ID != "h3" {
		t.Fatalf("history by actor: err=%v recs=%+v", err, byActor)
	}

	last, err := s.LastHistoryDigest(ctx, "d1")
	if err != nil || last != recs[1].Digest {
		t.Fatalf("last digest: err=%v got=%s", err, last)
	}
	if empty, err := s.LastHistoryDigest(ctx, "none"); err != nil || empty != "" {
		t.Fatalf("expected empty digest, got %q err=%v", empty, err)
	}
}

func testNotifications(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	due := ledger.NotificationRecord{
		ID: "n1", UserID: "mgr", DocumentID: "d1", Kind: "approval_requested", Subject: "Approval requested",
		Status: ledger.NotificationPending, NextAttemptAt: base, CreatedAt: base, UpdatedAt: base,
	}
	later := due
	later.ID = "n2"
	later.NextAttemptAt = base.Add(time.Hour)
	later.CreatedAt = base.Add(time.Second)

	if err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.EnqueueNotification(ctx, due); err != nil {
			return err
		}
		return tx.EnqueueNotification(ctx, later)
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	list, err := s.ListNotificationsDue(ctx, base.Add(time.Minute), 10)
	if err != nil || len(list) != 1 || list[0].ID != "n1" {
		t.Fatalf("due: err=%v list=%+v", err, list)
	}

	sent := base.Add(2 * time.Minute)
	rec := list[0]
	rec.Status = ledger.NotificationSent
	rec.AttemptCount = 1
	rec.SentAt = &sent
	rec.UpdatedAt = sent
	if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.PutNotification(ctx, rec) }); err != nil {
		t.Fatalf("put notification: %v", err)
	}
	got, err := s.GetNotification(ctx, "n1")
	if err != nil || got.Status != ledger.NotificationSent || got.SentAt == nil || !got.SentAt.Equal(sent) {
		t.Fatalf("get notification: err=%v rec=%+v", err, got)
	}

	list, err = s.ListNotificationsDue(ctx, base.Add(2*time.Hour), 10)
	if err != nil || len(list) != 1 || list[0].ID != "n2" {
		t.Fatalf("due after send: err=%v list=%+v", err, list)
	}
	if _, err := s.GetNotification(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
