// Package pgstore is the PostgreSQL ledger backend (lib/pq). Writers lock the
// document and step rows they change with SELECT ... FOR UPDATE.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/pkg/types"
)

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

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
	return q.getDocument(ctx, `SELECT `+documentColumns+` FROM docflow_documents WHERE id = $1`, id)
}

func (q queries) getDocument(ctx context.Context, query, id string) (types.Document, error) {
	var (
		doc                           types.Document
		level, status                 string
		submitted, approved, rejected sql.NullTime
	)
	err := q.q.QueryRowContext(ctx, query, id).Scan(&doc.ID, &doc.Title, &doc.Content, &doc.DocumentType, &level, &status,
		&doc.Priority, &doc.Amount, &doc.BranchCode, &doc.AuthorID, &doc.RejectionReason, &submitted, &approved, &rejected,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.Version)
	if err != nil {
		return types.Document{}, notFound(err, "document", id)
	}
	doc.SecurityLevel = types.SecurityLevel(level)
	doc.Status = types.DocumentStatus(status)
	doc.SubmittedAt = timePtr(submitted)
	doc.ApprovedAt = timePtr(approved)
	doc.RejectedAt = timePtr(rejected)
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func (q queries) GetLine(ctx context.Context, id string) (types.ApprovalLine, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM docflow_approval_lines WHERE id = $1`, id)
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
		line          types.ApprovalLine
		policy, route string
	)
	if err := row.Scan(&line.ID, &line.DocumentID, &line.Name, &policy, &line.IsParallel, &line.IsConditional,
		&line.ConditionExpression, &route, &line.TargetBranch, &line.CreatedAt); err != nil {
		return types.ApprovalLine{}, err
	}
	line.PolicyName = types.PolicyName(policy)
	line.RouteType = types.RouteType(route)
	line.CreatedAt = line.CreatedAt.UTC()
	return line, nil
}

func (q queries) ListLinesByDocument(ctx context.Context, documentID string) ([]types.ApprovalLine, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+lineColumns+` FROM docflow_approval_lines WHERE document_id = $1 ORDER BY seq ASC`, documentID)
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
	if len(ids) == 0 {
		return lines, nil
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
	return q.listSteps(ctx, `SELECT `+stepColumns+` FROM docflow_approval_steps WHERE line_id = ANY($1) ORDER BY line_id, step_order, id`, pq.Array(lineIDs))
}

func (q queries) ListStepsByApprover(ctx context.Context, userID string) ([]types.ApprovalStep, error) {
	return q.listSteps(ctx, `SELECT `+stepColumns+` FROM docflow_approval_steps
WHERE (status = 'PENDING' AND approver_id = $1) OR (status = 'DELEGATED' AND alternate_approver_id = $1)
ORDER BY document_id, line_id, step_order`, userID)
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
	return q.getStep(ctx, `SELECT `+stepColumns+` FROM docflow_approval_steps WHERE id = $1`, id)
}

func (q queries) getStep(ctx context.Context, query, id string) (types.ApprovalStep, error) {
	step, err := scanStep(q.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return types.ApprovalStep{}, notFound(err, "approval step", id)
	}
	return step, nil
}

func scanStep(row scanner) (types.ApprovalStep, error) {
	var (
		step                                               types.ApprovalStep
		status                                             string
		approved, rejected, delegated, returned, cancelled sql.NullTime
	)
	if err := row.Scan(&step.ID, &step.LineID, &step.DocumentID, &step.StepOrder, &step.RoleName, &step.BranchCode,
		&step.ApproverID, &step.AlternateApproverID, &step.IsRequired, &step.IsDelegatable, &step.MaxDelegationLevel,
		&step.DelegationLevel, &step.IsConditional, &step.ConditionExpression, &status, &step.Comment,
		&approved, &rejected, &delegated, &returned, &cancelled, &step.Version); err != nil {
		return types.ApprovalStep{}, err
	}
	step.Status = types.StepStatus(status)
	step.ApprovedAt = timePtr(approved)
	step.RejectedAt = timePtr(rejected)
	step.DelegatedAt = timePtr(delegated)
	step.ReturnedAt = timePtr(returned)
	step.CancelledAt = timePtr(cancelled)
	return step, nil
}

func (q queries) ListHistoryByDocument(ctx context.Context, documentID string) ([]types.ApprovalHistory, error) {
	return q.listHistory(ctx, `SELECT `+historyColumns+` FROM docflow_approval_history WHERE document_id = $1 ORDER BY seq ASC`, documentID)
}

func (q queries) ListHistoryByActor(ctx context.Context, actorID string) ([]types.ApprovalHistory, error) {
	return q.listHistory(ctx, `SELECT `+historyColumns+` FROM docflow_approval_history WHERE actor_id = $1 ORDER BY seq ASC`, actorID)
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
			rec    types.ApprovalHistory
			action string
		)
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.LineID, &rec.StepID, &action, &rec.ActorID, &rec.DelegatedToID,
			&rec.Comment, &rec.IPAddress, &rec.UserAgent, &rec.CreatedAt, &rec.PrevDigest, &rec.Digest); err != nil {
			return nil, err
		}
		rec.Action = types.Action(action)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q queries) LastHistoryDigest(ctx context.Context, documentID string) (string, error) {
	var digest string
	err := q.q.QueryRowContext(ctx, `SELECT digest FROM docflow_approval_history WHERE document_id = $1 ORDER BY seq DESC LIMIT 1`, documentID).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return digest, err
}

func (q queries) GetNotification(ctx context.Context, id string) (ledger.NotificationRecord, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM docflow_notification_outbox WHERE id = $1`, id)
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
	rows, err := q.q.QueryContext(ctx, `SELECT `+notificationColumns+` FROM docflow_notification_outbox
WHERE status = $1 AND next_attempt_at <= $2
ORDER BY created_at ASC, id ASC
LIMIT $3`, ledger.NotificationPending, now.UTC(), limit)
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
		rec  ledger.NotificationRecord
		sent sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.DocumentID, &rec.Kind, &rec.Subject, &rec.Body, &rec.Status,
		&rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &sent, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.NotificationRecord{}, err
	}
	rec.SentAt = timePtr(sent)
	rec.NextAttemptAt = rec.NextAttemptAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (t *Tx) GetDocumentForUpdate(ctx context.Context, id string) (types.Document, error) {
	return t.getDocument(ctx, `SELECT `+documentColumns+` FROM docflow_documents WHERE id = $1 FOR UPDATE`, id)
}

func (t *Tx) GetStepForUpdate(ctx context.Context, id string) (types.ApprovalStep, error) {
	return t.getStep(ctx, `SELECT `+stepColumns+` FROM docflow_approval_steps WHERE id = $1 FOR UPDATE`, id)
}

func (t *Tx) InsertDocument(ctx context.Context, doc types.Document) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO docflow_documents(`+documentColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		doc.ID, doc.Title, doc.Content, doc.DocumentType, string(doc.SecurityLevel), string(doc.Status), doc.Priority, doc.Amount,
		doc.BranchCode, doc.AuthorID, doc.RejectionReason, nullTime(doc.SubmittedAt), nullTime(doc.ApprovedAt),
		nullTime(doc.RejectedAt), doc.CreatedAt.UTC(), doc.UpdatedAt.UTC(), doc.Version)
	return err
}

func (t *Tx) PutDocument(ctx context.Context, doc types.Document) (types.Document, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE docflow_documents SET
title = $1, content = $2, document_type = $3, security_level = $4, status = $5, priority = $6, amount = $7,
branch_code = $8, author_id = $9, rejection_reason = $10, submitted_at = $11, approved_at = $12, rejected_at = $13,
created_at = $14, updated_at = $15, version = version + 1
WHERE id = $16 AND version = $17`,
		doc.Title, doc.Content, doc.DocumentType, string(doc.SecurityLevel), string(doc.Status), doc.Priority, doc.Amount,
		doc.BranchCode, doc.AuthorID, doc.RejectionReason, nullTime(doc.SubmittedAt), nullTime(doc.ApprovedAt),
		nullTime(doc.RejectedAt), doc.CreatedAt.UTC(), doc.UpdatedAt.UTC(), doc.ID, doc.Version)
	if err != nil {
		return types.Document{}, err
	}
	if err := t.checkVersioned(ctx, res, "docflow_documents", "document", doc.ID, doc.Version); err != nil {
		return types.Document{}, err
	}
	doc.Version++
	return doc, nil
}

func (t *Tx) checkVersioned(ctx context.Context, res sql.Result, table, what, id string, version int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var one int
	err = t.tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ledger.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s version %d: %w", what, id, version, ledger.ErrConflict)
}

func (t *Tx) InsertLine(ctx context.Context, line types.ApprovalLine) error {
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO docflow_approval_lines(`+lineColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		line.ID, line.DocumentID, line.Name, string(line.PolicyName), line.IsParallel, line.IsConditional,
		line.ConditionExpression, string(line.RouteType), line.TargetBranch, line.CreatedAt.UTC()); err != nil {
		return err
	}
	for _, step := range line.Steps {
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO docflow_approval_steps(`+stepColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
			step.ID, line.ID, line.DocumentID, step.StepOrder, step.RoleName, step.BranchCode, step.ApproverID,
			step.AlternateApproverID, step.IsRequired, step.IsDelegatable, step.MaxDelegationLevel, step.DelegationLevel,
			step.IsConditional, step.ConditionExpression, string(step.Status), step.Comment, nullTime(step.ApprovedAt),
			nullTime(step.RejectedAt), nullTime(step.DelegatedAt), nullTime(step.ReturnedAt), nullTime(step.CancelledAt),
			step.Version); err != nil {
			return fmt.Errorf("insert step %s: %w", step.ID, err)
		}
	}
	return nil
}

func (t *Tx) DeleteLinesByDocument(ctx context.Context, documentID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM docflow_approval_steps WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM docflow_approval_lines WHERE document_id = $1`, documentID)
	return err
}

func (t *Tx) UpdateStep(ctx context.Context, step types.ApprovalStep) (types.ApprovalStep, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE docflow_approval_steps SET
approver_id = $1, alternate_approver_id = $2, is_required = $3, is_delegatable = $4, max_delegation_level = $5,
delegation_level = $6, status = $7, comment = $8, approved_at = $9, rejected_at = $10, delegated_at = $11,
returned_at = $12, cancelled_at = $13, version = version + 1
WHERE id = $14 AND version = $15`,
		step.ApproverID, step.AlternateApproverID, step.IsRequired, step.IsDelegatable, step.MaxDelegationLevel,
		step.DelegationLevel, string(step.Status), step.Comment, nullTime(step.ApprovedAt), nullTime(step.RejectedAt),
		nullTime(step.DelegatedAt), nullTime(step.ReturnedAt), nullTime(step.CancelledAt), step.ID, step.Version)
	if err != nil {
		return types.ApprovalStep{}, err
	}
	if err := t.checkVersioned(ctx, res, "docflow_approval_steps", "approval step", step.ID, step.Version); err != nil {
		return types.ApprovalStep{}, err
	}
	step.Version++
	return step, nil
}

func (t *Tx) AppendHistory(ctx context.Context, rec types.ApprovalHistory) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO docflow_approval_history(`+historyColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.DocumentID, rec.LineID, rec.StepID, string(rec.Action), rec.ActorID, rec.DelegatedToID, rec.Comment,
		rec.IPAddress, rec.UserAgent, rec.CreatedAt.UTC(), rec.PrevDigest, rec.Digest)
	return err
}

func (t *Tx) EnqueueNotification(ctx context.Context, rec ledger.NotificationRecord) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO docflow_notification_outbox(`+notificationColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.UserID, rec.DocumentID, rec.Kind, rec.Subject, rec.Body, rec.Status, rec.AttemptCount,
		rec.NextAttemptAt.UTC(), rec.LastError, nullTime(rec.SentAt), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

func (t *Tx) PutNotification(ctx context.Context, rec ledger.NotificationRecord) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE docflow_notification_outbox SET
status = $1, attempt_count = $2, next_attempt_at = $3, last_error = $4, sent_at = $5, updated_at = $6
WHERE id = $7`,
		rec.Status, rec.AttemptCount, rec.NextAttemptAt.UTC(), rec.LastError, nullTime(rec.SentAt), rec.UpdatedAt.UTC(), rec.ID)
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

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
