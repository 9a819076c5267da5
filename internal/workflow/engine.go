// Package workflow runs the document and approval step state machine on top of
// the ledger. Every transition is one ledger transaction.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/davidahmann/docflow/internal/access"
	"github.com/davidahmann/docflow/internal/apperr"
	"github.com/davidahmann/docflow/internal/directory"
	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/metrics"
	"github.com/davidahmann/docflow/internal/notify"
	"github.com/davidahmann/docflow/internal/policy"
	"github.com/davidahmann/docflow/pkg/types"
)

type Engine struct {
	Store     ledger.Store
	Directory directory.RoleDirectory
	Policy    *policy.Engine
	Access    *access.Evaluator
	Notifier  notify.Notifier
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
	NewID     func() string
}

func New(store ledger.Store, dir directory.RoleDirectory, pol *policy.Engine, acc *access.Evaluator) *Engine {
	return &Engine{
		Store:     store,
		Directory: dir,
		Policy:    pol,
		Access:    acc,
		Notifier:  notify.NopNotifier{},
		Log:       zerolog.Nop(),
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

// Meta carries the client attributes recorded in history and fed to access
// control. IPAddress is what the client reports and is only recorded;
// RemoteAddr is the connection address the network rule checks. Callers
// outside HTTP leave RemoteAddr empty and IPAddress stands in for it.
type Meta struct {
	IPAddress  string
	RemoteAddr string
	UserAgent  string
}

func (m Meta) networkAddr() string {
	if m.RemoteAddr != "" {
		return m.RemoteAddr
	}
	return m.IPAddress
}

func (e *Engine) now() time.Time {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// storeErr maps ledger errors onto the engine taxonomy.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		return apperr.NotFound(op, "%s", err.Error())
	case errors.Is(err, ledger.ErrConflict):
		return apperr.InvalidState(op, "concurrent modification, retry with fresh state")
	default:
		return apperr.Wrap(op, err)
	}
}

func (e *Engine) actor(ctx context.Context, op, id string) (types.User, error) {
	if id == "" {
		return types.User{}, apperr.InvalidInput(op, "actor id is required")
	}
	user, ok, err := e.Directory.GetUser(ctx, id)
	if err != nil {
		return types.User{}, apperr.Internal(op, err)
	}
	if !ok {
		return types.User{}, apperr.NotFound(op, "user %s not found", id)
	}
	if !user.Active {
		return types.User{}, apperr.Permission(op, "user %s is inactive", id)
	}
	return user, nil
}

func (e *Engine) authorize(op string, user types.User, doc types.Document, action access.Action, eligible bool, meta Meta) error {
	if e.Access == nil {
		return nil
	}
	d := e.Access.Decide(user, doc, action, &access.Context{
		IPAddress:        meta.networkAddr(),
		UserAgent:        meta.UserAgent,
		Time:             e.now(),
		EligibleApprover: eligible,
	})
	if !d.Allowed {
		return apperr.Permission(op, "%s denied: %s", action, d.Reason)
	}
	return nil
}

// appendHistory chains rec onto the document's history inside tx.
func (e *Engine) appendHistory(ctx context.Context, tx ledger.Tx, rec types.ApprovalHistory) (types.ApprovalHistory, error) {
	if rec.ID == "" {
		rec.ID = e.newID()
	}
	prev, err := tx.LastHistoryDigest(ctx, rec.DocumentID)
	if err != nil {
		return types.ApprovalHistory{}, err
	}
	rec, err = ledger.ChainHistory(prev, rec)
	if err != nil {
		return types.ApprovalHistory{}, err
	}
	if err := tx.AppendHistory(ctx, rec); err != nil {
		return types.ApprovalHistory{}, err
	}
	return rec, nil
}

// deliver sends notifications after commit. Failures are logged only.
func (e *Engine) deliver(ctx context.Context, msgs []notify.Message) {
	if e.Notifier == nil {
		return
	}
	for _, msg := range msgs {
		if err := e.Notifier.Notify(ctx, msg); err != nil {
			e.Log.Warn().Err(err).
				Str("user_id", msg.UserID).
				Str("document_id", msg.DocumentID).
				Str("kind", msg.Kind).
				Msg("notification not queued")
		}
	}
}

func (e *Engine) record(action types.Action, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	e.Metrics.RecordAction(string(action), outcome)
}

// eligibleOn reports whether userID is the approver of record on an open step
// of lines.
func eligibleOn(lines []types.ApprovalLine, userID string) bool {
	for _, line := range lines {
		for _, step := range line.Steps {
			if step.Status.Open() && step.ApproverOfRecord() == userID {
				return true
			}
		}
	}
	return false
}

// participantOn reports whether userID appears on any step of lines.
func participantOn(lines []types.ApprovalLine, userID string) bool {
	for _, line := range lines {
		for _, step := range line.Steps {
			if step.ApproverID == userID || step.AlternateApproverID == userID {
				return true
			}
		}
	}
	return false
}
