// Package sqlstore is the SQLite ledger backend (modernc.org/sqlite, no cgo).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/pkg/types"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	queries
	db *sql.DB
}

type Tx struct {
	queries
	tx *sql.Tx
}

type queries struct {
	q querier
}

// OpenSQLite opens dsn on a single connection. SQLite allows one writer, so
// transactions are serialized by the pool instead of by lock retries.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Tx{queries: queries{q: tx}, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const documentColumns = `id, title, content, document_type, security_level, status, priority, amount, branch_code, author_id,
rejection_reason, submitted_at, approved_at, rejected_at, created_at, updated_at, version`

const lineColumns = `id, document_id, name, policy_name, is_parallel, is_conditional, condition_expression, route_type, target_branch, created_at`

const stepColumns = `id, line_id, document_id, step_order, role_name, branch_code, approver_id, alternate_approver_id,
is_required, is_delegatable, max_delegation_level, delegation_level, is_conditional, condition_expression, status, comment,
approved_at, rejected_at, delegated_at, returned_at, cancelled_at, version`

const historyColumns = `id, document_id, line_id, step_id, action, actor_id, delegated_to_id, comment, ip_address, user_agent,
created_at, prev_digest, digest`

const notificationColumns = `id, user_id, document_id, kind, subject, body, status, attempt_count, next_attempt_at, last_error,
sent_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ledger.ErrNotFound)
	}
	return err
}

func (q queries) GetDocument(ctx context.Context, id string) (types.Document, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return types.Document{}, notFound(err, "document", id)
	}
	return doc, nil
}

func scanDocument(row scanner) (types.Document, error) {
	var (
		doc                           types.Document
		level, status                 string
		submitted, approved, rejected sql.NullString
		created, updated              string
	)
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.DocumentType, &level, &status, &doc.Priority, &doc.Amount,
		&doc.BranchCode, &doc.AuthorID, &doc.RejectionReason, &submitted, &approved, &rejected, &created, &updated, &doc.Version); err != nil {
		return types.Document{}, err
	}
	doc.SecurityLevel = types.SecurityLevel(level)
	doc.Status = types.DocumentStatus(status)
	var err error
	if doc.SubmittedAt, err = parseTimePtr(submitted); err != nil {
		return types.Document{}, err
	}
	if doc.ApprovedAt, err = parseTimePtr(approved); err != nil {
		return types.Document{}, err
	}
	if doc.RejectedAt, err = parseTimePtr(rejected); err != nil {
		return types.Document{}, err
	}
	if doc.CreatedAt, err = parseTime(created); err != nil {
		return types.Document{}, err
	}
	if doc.UpdatedAt, err = parseTime(updated); err != nil {
		return types.Document{}, err
	}
	return doc, nil
}

func (q queries) GetLine(ctx context.Context, id string) (types.ApprovalLine, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM approval_lines WHERE id = ?`, id)
	line, err := scanLine(row)
	if err != nil {
		return types.ApprovalLine{}, notFound(err, "approval line", id)
	}
	steps, err := q.ListStepsByLines(ctx, []string{id})
	if err != nil {
		return types.ApprovalLine{}, err
	}
	line.Steps = steps
	return line, nil
}

func scanLine(row scanner) (types.ApprovalLine, error) {
	var (
		line                   types.ApprovalLine
		policy, route, created string
	)
	if err := row.Scan(&line.ID, &line.DocumentID, &line.Name, &policy, &line.IsParallel, &line.IsConditional,
		&line.ConditionExpression, &route, &line.TargetBranch, &created); err != nil {
		return types.ApprovalLine{}, err
	}
	line.PolicyName = types.PolicyName(policy)
	line.RouteType = types.RouteType(route)
	at, err := parseTime(created)
	if err != nil {
		return types.ApprovalLine{}, err
	}
	line.CreatedAt = at
	return line, nil
}

func (q queries) ListLinesByDocument(ctx context.Context, documentID string) ([]types.ApprovalLine, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+lineColumns+` FROM approval_lines WHERE document_id = ? ORDER BY rowid ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []types.ApprovalLine{}
	ids := []string{}
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
		ids = append(ids, line.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	steps, err := q.ListStepsByLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	byLine := make(map[string][]types.ApprovalStep, len(ids))
	for _, step := range steps {
		byLine[step.LineID] = append(byLine[step.LineID], step)
	}
	for i := range lines {
		lines[i].Steps = byLine[lines[i].ID]
		if lines[i].Steps == nil {
			lines[i].Steps = []types.ApprovalStep{}
		}
	}
	return lines, nil
}

func (q queries) ListStepsByLines(ctx context.Context, lineIDs []string) ([]types.ApprovalStep, error) {
	if len(lineIDs) == 0 {
		return []types.ApprovalStep{}, nil
	}
	args := make([]any, len(lineIDs))
	for i, id := range lineIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(lineIDs)), ",")
	return q.listSteps(ctx, `SELECT `+stepColumns+` FROM approval_steps WHERE line_id IN (`+placeholders+`) ORDER BY line_id, step_order, id`, args...)
}

func (q queries) ListStepsByApprover(ctx context.Context, userID string) ([]types.ApprovalStep, error) {
	return q.listSteps(ctx, `SELECT `+stepColumns+` FROM approval_steps
WHERE (status = 'PENDING' AND approver_id = ?) OR (status = 'DELEGATED' AND alternate_approver_id = ?)
ORDER BY document_id, line_id, step_order`, userID, userID)
}

func (q queries) listSteps(ctx context.Context, query string, args ...any) ([]types.ApprovalStep, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.ApprovalStep{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (q queries) GetStep(ctx context.Context, id string) (types.ApprovalStep, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM approval_steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err != nil {
		return types.ApprovalStep{}, notFound(err, "approval step", id)
	}
	return step, nil
}

func scanStep(row scanner) (types.ApprovalStep, error) {
	var (
		step                                               types.ApprovalStep
		status                                             string
		approved, rejected, delegated, returned, cancelled sql.NullString
	)
	if err := row.Scan(&step.ID, &step.LineID, &step.DocumentID, &step.StepOrder, &step.RoleName, &step.BranchCode,
		&step.ApproverID, &step.AlternateApproverID, &step.IsRequired, &step.IsDelegatable, &step.MaxDelegationLevel,
		&step.DelegationLevel, &step.IsConditional, &step.ConditionExpression, &status, &step.Comment,
		&approved, &rejected, &delegated, &returned, &cancelled, &step.Version); err != nil {
		return types.ApprovalStep{}, err
	}
	step.Status = types.StepStatus(status)
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&step.ApprovedAt, approved},
		{&step.RejectedAt, rejected},
		{&step.DelegatedAt, delegated},
		{&step.ReturnedAt, returned},
		{&step.CancelledAt, cancelled},
	} {
		t, err := parseTimePtr(f.src)
		if err != nil {
			return types.ApprovalStep{}, err
		}
		*f.dst = t
	}
	return step, nil
}

func (q queries) ListHistoryByDocument(ctx context.Context, documentID string) ([]types.ApprovalHistory, error) {
	return q.listHistory(ctx, `SELECT `+historyColumns+` FROM approval_history WHERE document_id = ? ORDER BY seq ASC`, documentID)
}

func (q queries) ListHistoryByActor(ctx context.Context, actorID string) ([]types.ApprovalHistory, error) {
	return q.listHistory(ctx, `SELECT `+historyColumns+` FROM approval_history WHERE actor_id = ? ORDER BY seq ASC`, actorID)
}

func (q queries) listHistory(ctx context.Context, query string, args ...any) ([]types.ApprovalHistory, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.ApprovalHistory{}
	for rows.Next() {
		var (
			rec             types.ApprovalHistory
			action, created string
		)
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.LineID, &rec.StepID, &action, &rec.ActorID, &rec.DelegatedToID,
			&rec.Comment, &rec.IPAddress, &rec.UserAgent, &created, &rec.PrevDigest, &rec.Digest); err != nil {
			return nil, err
		}
		rec.Action = types.Action(action)
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q queries) LastHistoryDigest(ctx context.Context, documentID string) (string, error) {
	var digest string
	err := q.q.QueryRowContext(ctx, `SELECT digest FROM approval_history WHERE document_id = ? ORDER BY seq DESC LIMIT 1`, documentID).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return digest, err
}

func (q queries) GetNotification(ctx context.Context, id string) (ledger.NotificationRecord, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notification_outbox WHERE id = ?`, id)
	rec, err := scanNotification(row)
	if err != nil {
		return ledger.NotificationRecord{}, notFound(err, "notification", id)
	}
	return rec, nil
}

func (q queries) ListNotificationsDue(ctx context.Context, now time.Time, limit int) ([]ledger.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.q.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notification_outbox
WHERE status = ? AND next_attempt_at <= ?
ORDER BY created_at ASC, id ASC
LIMIT ?`, ledger.NotificationPending, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.NotificationRecord{}
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanNotification(row scanner) (ledger.NotificationRecord, error) {
	var (
		rec                    ledger.NotificationRecord
		next, created, updated string
		sent                   sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.DocumentID, &rec.Kind, &rec.Subject, &rec.Body, &rec.Status,
		&rec.AttemptCount, &next, &rec.LastError, &sent, &created, &updated); err != nil {
		return ledger.NotificationRecord{}, err
	}
	var err error
	if rec.NextAttemptAt, err = parseTime(next); err != nil {
		return ledger.NotificationRecord{}, err
	}
	if rec.SentAt, err = parseTimePtr(sent); err != nil {
		return ledger.NotificationRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return ledger.NotificationRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return ledger.NotificationRecord{}, err
	}
	return rec, nil
}

// SQLite has no row locks; the single connection already serializes writers.
func (t *Tx) GetDocumentForUpdate(ctx context.Context, id string) (types.Document, error) {
	return t.GetDocument(ctx, id)
}

func (t *Tx) GetStepForUpdate(ctx context.Context, id string) (types.ApprovalStep, error) {
	return t.GetStep(ctx, id)
}

func (t *Tx) InsertDocument(ctx context.Context, doc types.Document) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.DocumentType, string(doc.SecurityLevel), string(doc.Status), doc.Priority, doc.Amount,
		doc.BranchCode, doc.AuthorID, doc.RejectionReason, formatTimePtr(doc.SubmittedAt), formatTimePtr(doc.ApprovedAt),
		formatTimePtr(doc.RejectedAt), formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt), doc.Version)
	return err
}

func (t *Tx) PutDocument(ctx context.Context, doc types.Document) (types.Document, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE documents SET
title = ?, content = ?, document_type = ?, security_level = ?, status = ?, priority = ?, amount = ?, branch_code = ?,
author_id = ?, rejection_reason = ?, submitted_at = ?, approved_at = ?, rejected_at = ?, created_at = ?, updated_at = ?,
version = version + 1
WHERE id = ? AND version = ?`,
		doc.Title, doc.Content, doc.DocumentType, string(doc.SecurityLevel), string(doc.Status), doc.Priority, doc.Amount,
		doc.BranchCode, doc.AuthorID, doc.RejectionReason, formatTimePtr(doc.SubmittedAt), formatTimePtr(doc.ApprovedAt),
		formatTimePtr(doc.RejectedAt), formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt), doc.ID, doc.Version)
	if err != nil {
		return types.Document{}, err
	}
	if err := t.checkVersioned(ctx, res, "documents", "document", doc.ID, doc.Version); err != nil {
		return types.Document{}, err
	}
	doc.Version++
	return doc, nil
}

// checkVersioned distinguishes a missing row from a stale version after an
// optimistic update touched nothing.
func (t *Tx) checkVersioned(ctx context.Context, res sql.Result, table, what, id string, version int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var one int
	err = t.tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ledger.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s version %d: %w", what, id, version, ledger.ErrConflict)
}

func (t *Tx) InsertLine(ctx context.Context, line types.ApprovalLine) error {
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO approval_lines(`+lineColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.ID, line.DocumentID, line.Name, string(line.PolicyName), boolInt(line.IsParallel), boolInt(line.IsConditional),
		line.ConditionExpression, string(line.RouteType), line.TargetBranch, formatTime(line.CreatedAt)); err != nil {
		return err
	}
	for _, step := range line.Steps {
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO approval_steps(`+stepColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, line.ID, line.DocumentID, step.StepOrder, step.RoleName, step.BranchCode, step.ApproverID,
			step.AlternateApproverID, boolInt(step.IsRequired), boolInt(step.IsDelegatable), step.MaxDelegationLevel,
			step.DelegationLevel, boolInt(step.IsConditional), step.ConditionExpression, string(step.Status), step.Comment,
			formatTimePtr(step.ApprovedAt), formatTimePtr(step.RejectedAt), formatTimePtr(step.DelegatedAt),
			formatTimePtr(step.ReturnedAt), formatTimePtr(step.CancelledAt), step.Version); err != nil {
			return fmt.Errorf("insert step %s: %w", step.ID, err)
		}
	}
	return nil
}

func (t *Tx) DeleteLinesByDocument(ctx context.Context, documentID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM approval_steps WHERE document_id = ?`, documentID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM approval_lines WHERE document_id = ?`, documentID)
	return err
}

func (t *Tx) UpdateStep(ctx context.Context, step types.ApprovalStep) (types.ApprovalStep, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE approval_steps SET
approver_id = ?, alternate_approver_id = ?, is_required = ?, is_delegatable = ?, max_delegation_level = ?,
delegation_level = ?, status = ?, comment = ?, approved_at = ?, rejected_at = ?, delegated_at = ?, returned_at = ?,
cancelled_at = ?, version = version + 1
WHERE id = ? AND version = ?`,
		step.ApproverID, step.AlternateApproverID, boolInt(step.IsRequired), boolInt(step.IsDelegatable),
		step.MaxDelegationLevel, step.DelegationLevel, string(step.Status), step.Comment, formatTimePtr(step.ApprovedAt),
		formatTimePtr(step.RejectedAt), formatTimePtr(step.DelegatedAt), formatTimePtr(step.ReturnedAt),
		formatTimePtr(step.CancelledAt), step.ID, step.Version)
	if err != nil {
		return types.ApprovalStep{}, err
	}
	if err := t.checkVersioned(ctx, res, "approval_steps", "approval step", step.ID, step.Version); err != nil {
		return types.ApprovalStep{}, err
	}
	step.Version++
	return step, nil
}

func (t *Tx) AppendHistory(ctx context.Context, rec types.ApprovalHistory) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO approval_history(`+historyColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DocumentID, rec.LineID, rec.StepID, string(rec.Action), rec.ActorID, rec.DelegatedToID, rec.Comment,
		rec.IPAddress, rec.UserAgent, formatTime(rec.CreatedAt), rec.PrevDigest, rec.Digest)
	return err
}

func (t *Tx) EnqueueNotification(ctx context.Context, rec ledger.NotificationRecord) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO notification_outbox(`+notificationColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.DocumentID, rec.Kind, rec.Subject, rec.Body, rec.Status, rec.AttemptCount,
		formatTime(rec.NextAttemptAt), rec.LastError, formatTimePtr(rec.SentAt), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return err
}

func (t *Tx) PutNotification(ctx context.Context, rec ledger.NotificationRecord) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE notification_outbox SET
status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, sent_at = ?, updated_at = ?
WHERE id = ?`,
		rec.Status, rec.AttemptCount, formatTime(rec.NextAttemptAt), rec.LastError, formatTimePtr(rec.SentAt),
		formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("notification %s: %w", rec.ID, ledger.ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
