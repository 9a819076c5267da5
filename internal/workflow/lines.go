package workflow

import (
	"context"
	"strings"

	"github.com/davidahmann/docflow/internal/access"
	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/policy"
	"github.com/davidahmann/docflow/pkg/types"
)

type NewDocument struct {
	ID            string
	Title         string
	Content       string
	DocumentType  string
	SecurityLevel types.SecurityLevel
	Priority      int
	Amount        int64
}

// CreateDocument stores a DRAFT document authored by actorID in the author's branch.
func (e *Engine) CreateDocument(ctx context.Context, actorID string, in NewDocument) (types.Document, error) {
	const op = "workflow.create_document"
	author, err := e.actor(ctx, op, actorID)
	if err != nil {
		return types.Document{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return types.Document{}, apperr.InvalidInput(op, "title is required")
	}
	if in.SecurityLevel == "" {
		in.SecurityLevel = types.SecurityGeneral
	}
	if !in.SecurityLevel.Valid() {
		return types.Document{}, apperr.InvalidInput(op, "unknown security level %q", in.SecurityLevel)
	}
	if in.ID == "" {
		in.ID = e.newID()
	}

	now := e.now()
	doc := types.Document{
		ID:            in.ID,
		Title:         in.Title,
		Content:       in.Content,
		DocumentType:  in.DocumentType,
		SecurityLevel: in.SecurityLevel,
		Status:        types.DocumentDraft,
		Priority:      in.Priority,
		Amount:        in.Amount,
		BranchCode:    author.BranchCode,
		AuthorID:      author.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := e.Store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertDocument(ctx, doc)
	}); err != nil {
		return types.Document{}, storeErr(op, err)
	}
	return doc, nil
}

// GetDocument returns the document if actorID may read it.
func (e *Engine) GetDocument(ctx context.Context, actorID, documentID string, meta Meta) (types.Document, error) {
	const op = "workflow.get_document"
	doc, _, err := e.readable(ctx, op, actorID, documentID, meta)
	return doc, err
}

// readable loads a document with its lines and applies the READ decision.
func (e *Engine) readable(ctx context.Context, op, actorID, documentID string, meta Meta) (types.Document, []types.ApprovalLine, error) {
	user, err := e.actor(ctx, op, actorID)
	if err != nil {
		return types.Document{}, nil, err
	}
	doc, err := e.Store.GetDocument(ctx, documentID)
	if err != nil {
		return types.Document{}, nil, storeErr(op, err)
	}
	lines, err := e.Store.ListLinesByDocument(ctx, documentID)
	if err != nil {
		return types.Document{}, nil, storeErr(op, err)
	}
	if err := e.authorize(op, user, doc, access.ActionRead, participantOn(lines, user.ID), meta); err != nil {
		return types.Document{}, nil, err
	}
	return doc, lines, nil
}

type CrossBranchRequest struct {
	Targets   []string
	RouteType string
}

type CreateLineRequest struct {
	DocumentID  string
	PolicyName  string
	Condition   string
	ActorID     string
	CrossBranch *CrossBranchRequest
	Meta        Meta
}

// CreateApprovalLine generates the document's approval lines and replaces any
// existing set. Lines can only be (re)built while the document is DRAFT.
func (e *Engine) CreateApprovalLine(ctx context.Context, req CreateLineRequest) (lines []types.ApprovalLine, err error) {
	const op = "workflow.create_approval_line"
	defer func() { e.record(types.ActionCreateLine, err) }()

	user, err := e.actor(ctx, op, req.ActorID)
	if err != nil {
		return nil, err
	}
	if req.PolicyName == "" && req.CrossBranch == nil {
		return nil, apperr.InvalidInput(op, "a policy name or a cross-branch route is required")
	}

	err = e.Store.WithTx(ctx, func(tx ledger.Tx) error {
		doc, err := tx.GetDocumentForUpdate(ctx, req.DocumentID)
		if err != nil {
			return storeErr(op, err)
		}
		if doc.Status != types.DocumentDraft {
			return apperr.InvalidState(op, "approval lines can only be created for DRAFT documents, %s is %s", doc.ID, doc.Status)
		}
		if err := e.authorize(op, user, doc, access.ActionUpdate, false, req.Meta); err != nil {
			return err
		}

		generated, err := e.generate(ctx, user, doc, req)
		if err != nil {
			return err
		}

		if err := tx.DeleteLinesByDocument(ctx, doc.ID); err != nil {
			return storeErr(op, err)
		}
		for i := range generated {
			for j := range generated[i].Steps {
				generated[i].Steps[j].Version = 1
			}
			if err := tx.InsertLine(ctx, generated[i]); err != nil {
				return storeErr(op, err)
			}
			if _, err := e.appendHistory(ctx, tx, types.ApprovalHistory{
				DocumentID: doc.ID,
				LineID:     generated[i].ID,
				Action:     types.ActionCreateLine,
				ActorID:    user.ID,
				Comment:    generated[i].Name,
				IPAddress:  req.Meta.IPAddress,
				UserAgent:  req.Meta.UserAgent,
				CreatedAt:  e.now(),
			}); err != nil {
				return storeErr(op, err)
			}
		}
		lines = generated
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}

	e.Log.Info().
		Str("document_id", req.DocumentID).
		Str("actor_id", user.ID).
		Int("lines", len(lines)).
		Msg("approval lines created")
	return lines, nil
}

func (e *Engine) generate(ctx context.Context, user types.User, doc types.Document, req CreateLineRequest) ([]types.ApprovalLine, error) {
	var lines []types.ApprovalLine
	if req.PolicyName != "" {
		name, err := policy.ParsePolicyName(req.PolicyName)
		if err != nil {
			return nil, err
		}
		line, err := e.Policy.Generate(ctx, doc, name, req.Condition)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	if cb := req.CrossBranch; cb != nil {
		route, err := policy.ParseRouteType(cb.RouteType)
		if err != nil {
			return nil, err
		}
		if len(cb.Targets) == 0 {
			return nil, apperr.InvalidInput("workflow.cross_branch", "at least one target branch is required")
		}
		for _, target := range cb.Targets {
			if err := policy.CheckCrossBranchPermission(user, doc, target); err != nil {
				return nil, err
			}
		}
		if len(cb.Targets) == 1 {
			line, err := e.Policy.GenerateCrossBranch(ctx, doc, cb.Targets[0], route, req.Condition)
			if err != nil {
				return nil, err
			}
			lines = append(lines, line)
		} else {
			crossLines, err := e.Policy.GenerateParallelCrossBranch(ctx, doc, cb.Targets, route, req.Condition)
			if err != nil {
				return nil, err
			}
			lines = append(lines, crossLines...)
		}
	}
	return lines, nil
}

// GetApprovalLinesByDocument returns the document's lines in creation order.
func (e *Engine) GetApprovalLinesByDocument(ctx context.Context, actorID, documentID string, meta Meta) ([]types.ApprovalLine, error) {
	const op = "workflow.get_approval_lines"
	_, lines, err := e.readable(ctx, op, actorID, documentID, meta)
	return lines, err
}

// GetLineStatus aggregates a line's steps into PENDING, COMPLETED or REJECTED.
func (e *Engine) GetLineStatus(ctx context.Context, actorID, lineID string, meta Meta) (policy.LineStatus, error) {
	const op = "workflow.get_line_status"
	line, err := e.Store.GetLine(ctx, lineID)
	if err != nil {
		return "", storeErr(op, err)
	}
	if _, _, err := e.readable(ctx, op, actorID, line.DocumentID, meta); err != nil {
		return "", err
	}
	return policy.GetStatus(line), nil
}

func (e *Engine) GetApprovalHistoryByDocument(ctx context.Context, actorID, documentID string, meta Meta) ([]types.ApprovalHistory, error) {
	const op = "workflow.get_history_by_document"
	if _, _, err := e.readable(ctx, op, actorID, documentID, meta); err != nil {
		return nil, err
	}
	recs, err := e.Store.ListHistoryByDocument(ctx, documentID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return recs, nil
}

// GetApprovalHistoryByUser lists the actions userID performed. Users may read
// their own trail; admins may read anyone's.
func (e *Engine) GetApprovalHistoryByUser(ctx context.Context, actorID, userID string) ([]types.ApprovalHistory, error) {
	const op = "workflow.get_history_by_user"
	user, err := e.actor(ctx, op, actorID)
	if err != nil {
		return nil, err
	}
	if user.ID != userID && !user.IsAdmin() {
		return nil, apperr.Permission(op, "history of %s is not visible to %s", userID, user.ID)
	}
	recs, err := e.Store.ListHistoryByActor(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return recs, nil
}

// VerifyHistory checks the digest chain of the document's history.
func (e *Engine) VerifyHistory(ctx context.Context, actorID, documentID string, meta Meta) error {
	const op = "workflow.verify_history"
	recs, err := e.GetApprovalHistoryByDocument(ctx, actorID, documentID, meta)
	if err != nil {
		return err
	}
	if err := ledger.VerifyHistoryChain(recs); err != nil {
		return apperr.InvalidState(op, "history of %s failed verification: %v", documentID, err)
	}
	return nil
}

type InboxItem struct {
	Document types.Document     `json:"document"`
	Step     types.ApprovalStep `json:"step"`
}

// GetPendingStepsForApprover lists the steps userID can decide right now. The
// inbox is visible to its owner and to admins.
func (e *Engine) GetPendingStepsForApprover(ctx context.Context, actorID, userID string) ([]InboxItem, error) {
	const op = "workflow.get_pending_steps"
	user, err := e.actor(ctx, op, actorID)
	if err != nil {
		return nil, err
	}
	if user.ID != userID && !user.IsAdmin() {
		return nil, apperr.Permission(op, "inbox of %s is not visible to %s", userID, user.ID)
	}
	steps, err := e.Store.ListStepsByApprover(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}

	docs := map[string]types.Document{}
	lines := map[string][]types.ApprovalLine{}
	out := []InboxItem{}
	for _, step := range steps {
		doc, ok := docs[step.DocumentID]
		if !ok {
			if doc, err = e.Store.GetDocument(ctx, step.DocumentID); err != nil {
				return nil, storeErr(op, err)
			}
			docs[doc.ID] = doc
			if lines[doc.ID], err = e.Store.ListLinesByDocument(ctx, doc.ID); err != nil {
				return nil, storeErr(op, err)
			}
		}
		if doc.Status != types.DocumentPending {
			continue
		}
		line, ok := findLine(lines[doc.ID], step.LineID)
		if !ok || !stepActive(line, step) {
			continue
		}
		out = append(out, InboxItem{Document: doc, Step: step})
	}
	return out, nil
}

// CheckAccess evaluates action for actorID on the document without acting.
func (e *Engine) CheckAccess(ctx context.Context, actorID, documentID string, action access.Action, meta Meta) (access.Decision, error) {
	const op = "workflow.check_access"
	user, err := e.actor(ctx, op, actorID)
	if err != nil {
		return access.Decision{}, err
	}
	doc, err := e.Store.GetDocument(ctx, documentID)
	if err != nil {
		return access.Decision{}, storeErr(op, err)
	}
	lines, err := e.Store.ListLinesByDocument(ctx, documentID)
	if err != nil {
		return access.Decision{}, storeErr(op, err)
	}
	eligible := eligibleOn(lines, user.ID)
	if action == access.ActionRead {
		eligible = participantOn(lines, user.ID)
	}
	if e.Access == nil {
		return access.Decision{Allowed: true, Rule: access.RuleAllowed}, nil
	}
	return e.Access.Decide(user, doc, action, &access.Context{
		IPAddress:        meta.networkAddr(),
		UserAgent:        meta.UserAgent,
		Time:             e.now(),
		EligibleApprover: eligible,
	}), nil
}
