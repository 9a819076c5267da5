package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/davidahmann/docflow/internal/access"
	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/notify"
	"github.com/davidahmann/docflow/pkg/types"
)

type ActionRequest struct {
	StepID       string
	Action       types.Action
	ActorID      string
	Comment      string
	DelegateToID string
	Meta         Meta
}

// Delegate hands the step to another approver. An empty DelegateToID falls back
// to the step's alternate approver.
func (e *Engine) Delegate(ctx context.Context, req ActionRequest) (types.ApprovalHistory, error) {
	req.Action = types.ActionDelegate
	return e.PerformAction(ctx, req)
}

// PerformAction applies an approver decision to one step. The step, its
// document and the completion rule are read and written in one transaction,
// with the document row locked before the step row.
func (e *Engine) PerformAction(ctx context.Context, req ActionRequest) (rec types.ApprovalHistory, err error) {
	const op = "workflow.perform_action"
	defer func() { e.record(req.Action, err) }()

	target, ok := types.StepStatusFor(req.Action)
	if !ok {
		return types.ApprovalHistory{}, apperr.InvalidInput(op, "unsupported step action %q", req.Action)
	}
	if req.StepID == "" {
		return types.ApprovalHistory{}, apperr.InvalidInput(op, "approval step id is required")
	}
	user, err := e.actor(ctx, op, req.ActorID)
	if err != nil {
		return types.ApprovalHistory{}, err
	}
	probe, err := e.Store.GetStep(ctx, req.StepID)
	if err != nil {
		return types.ApprovalHistory{}, storeErr(op, err)
	}

	var msgs []notify.Message
	err = e.Store.WithTx(ctx, func(tx ledger.Tx) error {
		msgs = nil
		doc, err := tx.GetDocumentForUpdate(ctx, probe.DocumentID)
		if err != nil {
			return storeErr(op, err)
		}
		step, err := tx.GetStepForUpdate(ctx, req.StepID)
		if err != nil {
			return storeErr(op, err)
		}

		if !step.Status.Open() {
			return apperr.InvalidState(op, "step %s is %s", step.ID, step.Status)
		}
		if step.ApproverOfRecord() != user.ID {
			return apperr.Permission(op, "%s is not the approver of record for step %s", user.ID, step.ID)
		}
		if doc.Status != types.DocumentPending {
			return apperr.InvalidState(op, "document %s is %s", doc.ID, doc.Status)
		}
		lines, err := tx.ListLinesByDocument(ctx, doc.ID)
		if err != nil {
			return storeErr(op, err)
		}
		before, ok := findLine(lines, step.LineID)
		if !ok {
			return apperr.NotFound(op, "approval line %s not found", step.LineID)
		}
		// replaceStep writes through the shared backing array.
		before.Steps = append([]types.ApprovalStep(nil), before.Steps...)
		if !stepActive(before, step) {
			return apperr.InvalidState(op, "step %s is waiting on earlier steps", step.ID)
		}
		if err := e.authorize(op, user, doc, access.Action(req.Action), true, req.Meta); err != nil {
			return err
		}

		now := e.now()
		hist := types.ApprovalHistory{
			DocumentID: doc.ID,
			LineID:     step.LineID,
			StepID:     step.ID,
			Action:     req.Action,
			ActorID:    user.ID,
			Comment:    req.Comment,
			IPAddress:  req.Meta.IPAddress,
			UserAgent:  req.Meta.UserAgent,
			CreatedAt:  now,
		}
		step.Comment = req.Comment

		switch req.Action {
		case types.ActionApprove:
			step.ApprovedAt = &now
		case types.ActionReject:
			step.RejectedAt = &now
			doc.Status = types.DocumentRejected
			doc.RejectionReason = req.Comment
			doc.RejectedAt = &now
		case types.ActionReturn:
			step.ReturnedAt = &now
			doc.Status = types.DocumentDraft
			doc.SubmittedAt = nil
		case types.ActionDelegate:
			delegate, err := e.delegateTarget(ctx, op, user, step, req.DelegateToID)
			if err != nil {
				return err
			}
			step.AlternateApproverID = delegate.ID
			step.DelegationLevel++
			step.DelegatedAt = &now
			hist.DelegatedToID = delegate.ID
			msgs = append(msgs, notify.Message{
				UserID:     delegate.ID,
				DocumentID: doc.ID,
				Kind:       notify.KindDelegated,
				Subject:    "Approval delegated: " + doc.Title,
				Body:       fmt.Sprintf("%s delegated step %d of %q to you.", user.ID, step.StepOrder, doc.Title),
			})
		}
		step.Status = target

		updated, err := tx.UpdateStep(ctx, step)
		if err != nil {
			return storeErr(op, err)
		}
		replaceStep(lines, updated)

		if req.Action == types.ActionApprove {
			if err := e.afterApprove(ctx, tx, &doc, lines, before, updated, now, &msgs); err != nil {
				return err
			}
		}
		if doc.Status != types.DocumentPending {
			doc.UpdatedAt = now
			if _, err := tx.PutDocument(ctx, doc); err != nil {
				return storeErr(op, err)
			}
			msgs = append(msgs, authorMessage(doc, req.Action, user.ID))
		}

		if rec, err = e.appendHistory(ctx, tx, hist); err != nil {
			return storeErr(op, err)
		}
		return nil
	})
	if err != nil {
		return types.ApprovalHistory{}, apperr.Wrap(op, err)
	}

	e.Log.Info().
		Str("document_id", rec.DocumentID).
		Str("step_id", rec.StepID).
		Str("action", string(rec.Action)).
		Str("actor_id", rec.ActorID).
		Msg("approval action recorded")
	e.deliver(ctx, msgs)
	return rec, nil
}

// afterApprove applies the completion rule to the freshly updated lines. A
// completed document cancels the optional steps still open; otherwise the
// steps unblocked by this approval are notified.
func (e *Engine) afterApprove(ctx context.Context, tx ledger.Tx, doc *types.Document, lines []types.ApprovalLine, before types.ApprovalLine, approved types.ApprovalStep, now time.Time, msgs *[]notify.Message) error {
	const op = "workflow.complete"
	if IsAllRequiredStepsCompleted(lines) {
		doc.Status = types.DocumentApproved
		doc.ApprovedAt = &now
		for _, line := range lines {
			for _, step := range line.Steps {
				if !step.Status.Open() {
					continue
				}
				step.Status = types.StepCancelled
				step.CancelledAt = &now
				if _, err := tx.UpdateStep(ctx, step); err != nil {
					return storeErr(op, err)
				}
			}
		}
		return nil
	}

	after, _ := findLine(lines, approved.LineID)
	for _, step := range after.Steps {
		if step.ID == approved.ID || !step.Status.Open() {
			continue
		}
		if stepActive(after, step) && !stepActive(before, step) {
			*msgs = append(*msgs, requestMessage(*doc, step))
		}
	}
	return nil
}

func (e *Engine) delegateTarget(ctx context.Context, op string, user types.User, step types.ApprovalStep, to string) (types.User, error) {
	if !step.IsDelegatable {
		return types.User{}, apperr.Delegation(op, "step %s is not delegatable", step.ID)
	}
	if step.DelegationLevel >= step.MaxDelegationLevel {
		return types.User{}, apperr.Delegation(op, "step %s reached delegation level %d", step.ID, step.MaxDelegationLevel)
	}
	if to == "" {
		to = step.AlternateApproverID
	}
	if to == "" {
		return types.User{}, apperr.Delegation(op, "no delegate given and step %s has no alternate approver", step.ID)
	}
	if to == user.ID {
		return types.User{}, apperr.Delegation(op, "cannot delegate step %s to yourself", step.ID)
	}
	delegate, ok, err := e.Directory.GetUser(ctx, to)
	if err != nil {
		return types.User{}, apperr.Internal(op, err)
	}
	if !ok || !delegate.Active {
		return types.User{}, apperr.Delegation(op, "delegate %s is unknown or inactive", to)
	}
	if delegate.HighestRank() < types.RoleRank(types.RoleManager) {
		return types.User{}, apperr.Delegation(op, "delegate %s cannot approve", to)
	}
	return delegate, nil
}

// Submit moves a DRAFT document with freshly generated lines to PENDING.
func (e *Engine) Submit(ctx context.Context, documentID, actorID string, meta Meta) (doc types.Document, err error) {
	const op = "workflow.submit"
	defer func() { e.record(types.ActionSubmit, err) }()

	var msgs []notify.Message
	doc, err = e.documentTransition(ctx, op, documentID, actorID, meta, func(tx ledger.Tx, user types.User, doc *types.Document, now time.Time) error {
		msgs = nil
		if doc.Status != types.DocumentDraft {
			return apperr.InvalidState(op, "document %s is %s", doc.ID, doc.Status)
		}
		if err := e.authorize(op, user, *doc, access.ActionSubmit, false, meta); err != nil {
			return err
		}
		lines, err := tx.ListLinesByDocument(ctx, doc.ID)
		if err != nil {
			return storeErr(op, err)
		}
		if len(lines) == 0 {
			return apperr.InvalidState(op, "document %s has no approval lines", doc.ID)
		}
		for _, line := range lines {
			for _, step := range line.Steps {
				if step.Status != types.StepPending {
					return apperr.InvalidState(op, "step %s is %s; regenerate the approval lines", step.ID, step.Status)
				}
				if stepActive(line, step) {
					msgs = append(msgs, requestMessage(*doc, step))
				}
			}
		}
		doc.Status = types.DocumentPending
		doc.SubmittedAt = &now
		return nil
	}, types.ActionSubmit)
	if err != nil {
		return types.Document{}, err
	}
	e.deliver(ctx, msgs)
	return doc, nil
}

// Recall lets the author pull a PENDING document back to DRAFT.
func (e *Engine) Recall(ctx context.Context, documentID, actorID string, meta Meta) (doc types.Document, err error) {
	const op = "workflow.recall"
	defer func() { e.record(types.ActionRecall, err) }()

	return e.documentTransition(ctx, op, documentID, actorID, meta, func(_ ledger.Tx, user types.User, doc *types.Document, _ time.Time) error {
		if doc.Status != types.DocumentPending {
			return apperr.InvalidState(op, "document %s is %s", doc.ID, doc.Status)
		}
		if err := e.authorize(op, user, *doc, access.ActionRecall, false, meta); err != nil {
			return err
		}
		doc.Status = types.DocumentDraft
		doc.SubmittedAt = nil
		return nil
	}, types.ActionRecall)
}

// Restore reopens a REJECTED document and its rejected steps. Admins only.
func (e *Engine) Restore(ctx context.Context, documentID, actorID string, meta Meta) (doc types.Document, err error) {
	const op = "workflow.restore"
	defer func() { e.record(types.ActionRestore, err) }()

	var msgs []notify.Message
	doc, err = e.documentTransition(ctx, op, documentID, actorID, meta, func(tx ledger.Tx, user types.User, doc *types.Document, _ time.Time) error {
		msgs = nil
		if !user.IsAdmin() {
			return apperr.Permission(op, "restore is admin-only")
		}
		if doc.Status != types.DocumentRejected {
			return apperr.InvalidState(op, "document %s is %s", doc.ID, doc.Status)
		}
		if err := e.authorize(op, user, *doc, access.ActionRestore, false, meta); err != nil {
			return err
		}
		lines, err := tx.ListLinesByDocument(ctx, doc.ID)
		if err != nil {
			return storeErr(op, err)
		}
		for _, line := range lines {
			for _, step := range line.Steps {
				if step.Status != types.StepRejected {
					continue
				}
				step.Status = types.StepPending
				step.RejectedAt = nil
				step.Comment = ""
				updated, err := tx.UpdateStep(ctx, step)
				if err != nil {
					return storeErr(op, err)
				}
				msgs = append(msgs, requestMessage(*doc, updated))
			}
		}
		doc.Status = types.DocumentPending
		doc.RejectionReason = ""
		doc.RejectedAt = nil
		msgs = append(msgs, authorMessage(*doc, types.ActionRestore, user.ID))
		return nil
	}, types.ActionRestore)
	if err != nil {
		return types.Document{}, err
	}
	e.deliver(ctx, msgs)
	return doc, nil
}

// documentTransition locks the document, lets apply mutate it, then stores it
// with one history row for action.
func (e *Engine) documentTransition(ctx context.Context, op, documentID, actorID string, meta Meta, apply func(ledger.Tx, types.User, *types.Document, time.Time) error, action types.Action) (types.Document, error) {
	user, err := e.actor(ctx, op, actorID)
	if err != nil {
		return types.Document{}, err
	}

	var out types.Document
	err = e.Store.WithTx(ctx, func(tx ledger.Tx) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return storeErr(op, err)
		}
		now := e.now()
		if err := apply(tx, user, &doc, now); err != nil {
			return err
		}
		doc.UpdatedAt = now
		if out, err = tx.PutDocument(ctx, doc); err != nil {
			return storeErr(op, err)
		}
		_, err = e.appendHistory(ctx, tx, types.ApprovalHistory{
			DocumentID: doc.ID,
			Action:     action,
			ActorID:    user.ID,
			IPAddress:  meta.IPAddress,
			UserAgent:  meta.UserAgent,
			CreatedAt:  now,
		})
		return storeErr(op, err)
	})
	if err != nil {
		return types.Document{}, apperr.Wrap(op, err)
	}

	e.Log.Info().
		Str("document_id", out.ID).
		Str("action", string(action)).
		Str("actor_id", user.ID).
		Str("status", string(out.Status)).
		Msg("document transition")
	return out, nil
}

func requestMessage(doc types.Document, step types.ApprovalStep) notify.Message {
	return notify.Message{
		UserID:     step.ApproverOfRecord(),
		DocumentID: doc.ID,
		Kind:       notify.KindApprovalRequested,
		Subject:    "Approval requested: " + doc.Title,
		Body:       fmt.Sprintf("Step %d (%s) of %q is waiting for your decision.", step.StepOrder, step.RoleName, doc.Title),
	}
}

func authorMessage(doc types.Document, action types.Action, actorID string) notify.Message {
	msg := notify.Message{UserID: doc.AuthorID, DocumentID: doc.ID}
	switch {
	case action == types.ActionRestore:
		msg.Kind = notify.KindRestored
		msg.Subject = "Document restored: " + doc.Title
	case doc.Status == types.DocumentApproved:
		msg.Kind = notify.KindApproved
		msg.Subject = "Document approved: " + doc.Title
	case doc.Status == types.DocumentRejected:
		msg.Kind = notify.KindRejected
		msg.Subject = "Document rejected: " + doc.Title
	default:
		msg.Kind = notify.KindReturned
		msg.Subject = "Document returned: " + doc.Title
	}
	msg.Body = fmt.Sprintf("%s by %s.", msg.Subject, actorID)
	if doc.RejectionReason != "" {
		msg.Body += " Reason: " + doc.RejectionReason
	}
	return msg
}
