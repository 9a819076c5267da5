// Package api exposes the approval workflow over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/davidahmann/docflow/internal/access"
	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/internal/auth"
	"github.com/davidahmann/docflow/internal/metrics"
	"github.com/davidahmann/docflow/internal/workflow"
	"github.com/davidahmann/docflow/pkg/types"
)

type Handler struct {
	Auth     auth.Authenticator
	Engine   *workflow.Engine
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Idem     *InMemoryIdemStore

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool
}

type CreateDocumentRequest struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	DocumentType  string `json:"documentType"`
	SecurityLevel string `json:"securityLevel"`
	Priority      int    `json:"priority"`
	Amount        int64  `json:"amount"`
}

type CrossBranchRequest struct {
	Targets   []string `json:"targets"`
	RouteType string   `json:"routeType"`
}

type CreateLineRequest struct {
	PolicyName  string              `json:"policyName"`
	Condition   string              `json:"condition"`
	CrossBranch *CrossBranchRequest `json:"crossBranch,omitempty"`
}

type ActionRequest struct {
	StepID        string `json:"approvalStepId"`
	Action        string `json:"action"`
	Comments      string `json:"comments"`
	IPAddress     string `json:"ipAddress"`
	UserAgent     string `json:"userAgent"`
	DelegatedToID string `json:"delegatedToId"`
}

type AccessCheckRequest struct {
	DocumentID string `json:"documentId"`
	Action     string `json:"action"`
}

type AccessCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule"`
	Reason  string `json:"reason"`
}

func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.Engine.CreateDocument(r.Context(), subject(r), workflow.NewDocument{
		ID:            req.ID,
		Title:         req.Title,
		Content:       req.Content,
		DocumentType:  req.DocumentType,
		SecurityLevel: types.SecurityLevel(req.SecurityLevel),
		Priority:      req.Priority,
		Amount:        req.Amount,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Engine.GetDocument(r.Context(), subject(r), chi.URLParam(r, "documentID"), clientMeta(r, "", ""))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) CreateApprovalLine(w http.ResponseWriter, r *http.Request) {
	var req CreateLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := workflow.CreateLineRequest{
		DocumentID: chi.URLParam(r, "documentID"),
		PolicyName: req.PolicyName,
		Condition:  req.Condition,
		ActorID:    subject(r),
		Meta:       clientMeta(r, "", ""),
	}
	if req.CrossBranch != nil {
		in.CrossBranch = &workflow.CrossBranchRequest{Targets: req.CrossBranch.Targets, RouteType: req.CrossBranch.RouteType}
	}
	lines, err := h.Engine.CreateApprovalLine(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lines": lines})
}

func (h *Handler) ListApprovalLines(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Engine.GetApprovalLinesByDocument(r.Context(), subject(r), chi.URLParam(r, "documentID"), clientMeta(r, "", ""))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *Handler) LineStatus(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineID")
	status, err := h.Engine.GetLineStatus(r.Context(), subject(r), lineID, clientMeta(r, "", ""))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lineId": lineID, "status": string(status)})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.Submit)
}

func (h *Handler) Recall(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.Recall)
}

func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.Restore)
}

type transitionFn func(ctx context.Context, documentID, actorID string, meta workflow.Meta) (types.Document, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFn) {
	doc, err := fn(r.Context(), chi.URLParam(r, "documentID"), subject(r), clientMeta(r, "", ""))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) PerformAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.act(w, r, actionRequest(r, req, types.Action(req.Action)), h.Engine.PerformAction)
}

func (h *Handler) Delegate(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.act(w, r, actionRequest(r, req, types.ActionDelegate), h.Engine.Delegate)
}

// act runs one approval action. With an Idempotency-Key header a repeated
// request replays the first successful result instead of failing on the
// already-decided step; concurrent requests with the same key wait for the
// one that reserved it.
func (h *Handler) act(w http.ResponseWriter, r *http.Request, req workflow.ActionRequest, run func(context.Context, workflow.ActionRequest) (types.ApprovalHistory, error)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.Idem == nil {
		rec, err := run(r.Context(), req)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	prev, replay, err := h.Idem.Reserve(r.Context(), req.ActorID, key)
	if err != nil {
		h.writeError(w, apperr.Internal("api.idempotency", err))
		return
	}
	if replay {
		if prev.StepID != req.StepID || prev.Action != req.Action {
			h.writeError(w, apperr.InvalidInput("api.idempotency", "idempotency key %q was used for a different request", key))
			return
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, prev.Result)
		return
	}

	rec, err := run(r.Context(), req)
	if err != nil {
		h.Idem.Release(req.ActorID, key)
		h.writeError(w, err)
		return
	}
	h.Idem.Complete(IdemRecord{IdemKey: key, Subject: req.ActorID, StepID: req.StepID, Action: req.Action, Result: rec})
	writeJSON(w, http.StatusOK, rec)
}

func actionRequest(r *http.Request, req ActionRequest, action types.Action) workflow.ActionRequest {
	return workflow.ActionRequest{
		StepID:       req.StepID,
		Action:       action,
		ActorID:      subject(r),
		Comment:      req.Comments,
		DelegateToID: req.DelegatedToID,
		Meta:         clientMeta(r, req.IPAddress, req.UserAgent),
	}
}

func (h *Handler) DocumentHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Engine.GetApprovalHistoryByDocument(r.Context(), subject(r), chi.URLParam(r, "documentID"), clientMeta(r, "", ""))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": recs})
}

func (h *Handler) VerifyHistory(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	err := h.Engine.VerifyHistory(r.Context(), subject(r), documentID, clientMeta(r, "", ""))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "valid": true})
	case apperr.KindOf(err) == apperr.KindInvalidState:
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "valid": false, "error": err.Error()})
	default:
		h.writeError(w, err)
	}
}

func (h *Handler) UserHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Engine.GetApprovalHistoryByUser(r.Context(), subject(r), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": recs})
}

func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.GetPendingStepsForApprover(r.Context(), subject(r), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	var req AccessCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DocumentID == "" || req.Action == "" {
		h.writeError(w, apperr.InvalidInput("api.access_check", "documentId and action are required"))
		return
	}
	d, err := h.Engine.CheckAccess(r.Context(), subject(r), req.DocumentID, access.Action(req.Action), clientMeta(r, "", ""))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccessCheckResponse{Allowed: d.Allowed, Rule: d.Rule, Reason: d.Reason})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, apperr.InvalidInput("api.decode", "invalid json"))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		event := h.Log.Error().Err(err)
		if cause := errors.Unwrap(err); cause != nil {
			event = event.AnErr("cause", cause)
		}
		event.Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(apperr.KindOf(err))})
}

func subject(r *http.Request) string {
	id, _ := auth.SubjectFrom(r.Context())
	return id
}

// clientMeta records the client-reported address and agent, falling back to
// the connection. Access control only ever sees the connection address.
func clientMeta(r *http.Request, ip, userAgent string) workflow.Meta {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remote = host
	}
	if ip == "" {
		ip = remote
	}
	if userAgent == "" {
		userAgent = r.UserAgent()
	}
	return workflow.Meta{IPAddress: ip, RemoteAddr: remote, UserAgent: userAgent}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
