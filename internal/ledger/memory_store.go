package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/docflow/pkg/types"
)

type InMemoryStore struct {
	mu sync.Mutex

	documents     map[string]types.Document
	lines         map[string]types.ApprovalLine
	linesByDoc    map[string][]string
	steps         map[string]types.ApprovalStep
	stepsByLine   map[string][]string
	history       []types.ApprovalHistory
	notifications map[string]NotificationRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		documents:     make(map[string]types.Document),
		lines:         make(map[string]types.ApprovalLine),
		linesByDoc:    make(map[string][]string),
		steps:         make(map[string]types.ApprovalStep),
		stepsByLine:   make(map[string][]string),
		notifications: make(map[string]NotificationRecord),
	}
}

// WithTx runs fn under the store lock. State is restored if fn fails.
func (s *InMemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.snapshot()
	if err := fn((*memTx)(s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memTx InMemoryStore

type memSnapshot struct {
	documents     map[string]types.Document
	lines         map[string]types.ApprovalLine
	linesByDoc    map[string][]string
	steps         map[string]types.ApprovalStep
	stepsByLine   map[string][]string
	history       []types.ApprovalHistory
	notifications map[string]NotificationRecord
}

func (s *InMemoryStore) snapshot() memSnapshot {
	return memSnapshot{
		documents:     copyMap(s.documents),
		lines:         copyMap(s.lines),
		linesByDoc:    copyIndex(s.linesByDoc),
		steps:         copyMap(s.steps),
		stepsByLine:   copyIndex(s.stepsByLine),
		history:       append([]types.ApprovalHistory(nil), s.history...),
		notifications: copyMap(s.notifications),
	}
}

func (s *InMemoryStore) restore(snap memSnapshot) {
	s.documents = snap.documents
	s.lines = snap.lines
	s.linesByDoc = snap.linesByDoc
	s.steps = snap.steps
	s.stepsByLine = snap.stepsByLine
	s.history = snap.history
	s.notifications = snap.notifications
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIndex(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (s *InMemoryStore) read(fn func(t *memTx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn((*memTx)(s))
}

func (s *InMemoryStore) GetDocument(ctx context.Context, id string) (doc types.Document, err error) {
	s.read(func(t *memTx) { doc, err = t.GetDocument(ctx, id) })
	return doc, err
}

func (s *InMemoryStore) GetLine(ctx context.Context, id string) (line types.ApprovalLine, err error) {
	s.read(func(t *memTx) { line, err = t.GetLine(ctx, id) })
	return line, err
}

func (s *InMemoryStore) GetStep(ctx context.Context, id string) (step types.ApprovalStep, err error) {
	s.read(func(t *memTx) { step, err = t.GetStep(ctx, id) })
	return step, err
}

func (s *InMemoryStore) ListLinesByDocument(ctx context.Context, documentID string) (lines []types.ApprovalLine, err error) {
	s.read(func(t *memTx) { lines, err = t.ListLinesByDocument(ctx, documentID) })
	return lines, err
}

func (s *InMemoryStore) ListStepsByLines(ctx context.Context, lineIDs []string) (steps []types.ApprovalStep, err error) {
	s.read(func(t *memTx) { steps, err = t.ListStepsByLines(ctx, lineIDs) })
	return steps, err
}

func (s *InMemoryStore) ListStepsByApprover(ctx context.Context, userID string) (steps []types.ApprovalStep, err error) {
	s.read(func(t *memTx) { steps, err = t.ListStepsByApprover(ctx, userID) })
	return steps, err
}

func (s *InMemoryStore) ListHistoryByDocument(ctx context.Context, documentID string) (recs []types.ApprovalHistory, err error) {
	s.read(func(t *memTx) { recs, err = t.ListHistoryByDocument(ctx, documentID) })
	return recs, err
}

func (s *InMemoryStore) ListHistoryByActor(ctx context.Context, actorID string) (recs []types.ApprovalHistory, err error) {
	s.read(func(t *memTx) { recs, err = t.ListHistoryByActor(ctx, actorID) })
	return recs, err
}

func (s *InMemoryStore) LastHistoryDigest(ctx context.Context, documentID string) (digest string, err error) {
	s.read(func(t *memTx) { digest, err = t.LastHistoryDigest(ctx, documentID) })
	return digest, err
}

func (s *InMemoryStore) GetNotification(ctx context.Context, id string) (rec NotificationRecord, err error) {
	s.read(func(t *memTx) { rec, err = t.GetNotification(ctx, id) })
	return rec, err
}

func (s *InMemoryStore) ListNotificationsDue(ctx context.Context, now time.Time, limit int) (recs []NotificationRecord, err error) {
	s.read(func(t *memTx) { recs, err = t.ListNotificationsDue(ctx, now, limit) })
	return recs, err
}

func (t *memTx) GetDocument(_ context.Context, id string) (types.Document, error) {
	doc, ok := t.documents[id]
	if !ok {
		return types.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return cloneDocument(doc), nil
}

func (t *memTx) GetDocumentForUpdate(ctx context.Context, id string) (types.Document, error) {
	return t.GetDocument(ctx, id)
}

func (t *memTx) InsertDocument(_ context.Context, doc types.Document) error {
	if _, ok := t.documents[doc.ID]; ok {
		return fmt.Errorf("document %s already exists: %w", doc.ID, ErrConflict)
	}
	t.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (t *memTx) PutDocument(_ context.Context, doc types.Document) (types.Document, error) {
	cur, ok := t.documents[doc.ID]
	if !ok {
		return types.Document{}, fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	if cur.Version != doc.Version {
		return types.Document{}, fmt.Errorf("document %s version %d: %w", doc.ID, doc.Version, ErrConflict)
	}
	doc.Version++
	t.documents[doc.ID] = cloneDocument(doc)
	return cloneDocument(doc), nil
}

func (t *memTx) GetLine(_ context.Context, id string) (types.ApprovalLine, error) {
	line, ok := t.lines[id]
	if !ok {
		return types.ApprovalLine{}, fmt.Errorf("approval line %s: %w", id, ErrNotFound)
	}
	return t.lineWithSteps(line), nil
}

func (t *memTx) lineWithSteps(line types.ApprovalLine) types.ApprovalLine {
	ids := t.stepsByLine[line.ID]
	line.Steps = make([]types.ApprovalStep, 0, len(ids))
	for _, id := range ids {
		line.Steps = append(line.Steps, cloneStep(t.steps[id]))
	}
	sortSteps(line.Steps)
	return line
}

func (t *memTx) ListLinesByDocument(_ context.Context, documentID string) ([]types.ApprovalLine, error) {
	ids := t.linesByDoc[documentID]
	out := make([]types.ApprovalLine, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.lineWithSteps(t.lines[id]))
	}
	return out, nil
}

func (t *memTx) ListStepsByLines(_ context.Context, lineIDs []string) ([]types.ApprovalStep, error) {
	out := []types.ApprovalStep{}
	for _, lineID := range lineIDs {
		for _, id := range t.stepsByLine[lineID] {
			out = append(out, cloneStep(t.steps[id]))
		}
	}
	return out, nil
}

func (t *memTx) ListStepsByApprover(_ context.Context, userID string) ([]types.ApprovalStep, error) {
	out := []types.ApprovalStep{}
	for _, step := range t.steps {
		if step.Status.Open() && step.ApproverOfRecord() == userID {
			out = append(out, cloneStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		if out[i].LineID != out[j].LineID {
			return out[i].LineID < out[j].LineID
		}
		return out[i].StepOrder < out[j].StepOrder
	})
	return out, nil
}

func (t *memTx) InsertLine(_ context.Context, line types.ApprovalLine) error {
	if _, ok := t.lines[line.ID]; ok {
		return fmt.Errorf("approval line %s already exists: %w", line.ID, ErrConflict)
	}
	steps := line.Steps
	line.Steps = nil
	t.lines[line.ID] = line
	t.linesByDoc[line.DocumentID] = append(t.linesByDoc[line.DocumentID], line.ID)
	for _, step := range steps {
		if _, ok := t.steps[step.ID]; ok {
			return fmt.Errorf("approval step %s already exists: %w", step.ID, ErrConflict)
		}
		step.LineID = line.ID
		step.DocumentID = line.DocumentID
		t.steps[step.ID] = cloneStep(step)
		t.stepsByLine[line.ID] = append(t.stepsByLine[line.ID], step.ID)
	}
	return nil
}

func (t *memTx) DeleteLinesByDocument(_ context.Context, documentID string) error {
	for _, lineID := range t.linesByDoc[documentID] {
		for _, stepID := range t.stepsByLine[lineID] {
			delete(t.steps, stepID)
		}
		delete(t.stepsByLine, lineID)
		delete(t.lines, lineID)
	}
	delete(t.linesByDoc, documentID)
	return nil
}

func (t *memTx) GetStep(_ context.Context, id string) (types.ApprovalStep, error) {
	step, ok := t.steps[id]
	if !ok {
		return types.ApprovalStep{}, fmt.Errorf("approval step %s: %w", id, ErrNotFound)
	}
	return cloneStep(step), nil
}

func (t *memTx) GetStepForUpdate(ctx context.Context, id string) (types.ApprovalStep, error) {
	return t.GetStep(ctx, id)
}

func (t *memTx) UpdateStep(_ context.Context, step types.ApprovalStep) (types.ApprovalStep, error) {
	cur, ok := t.steps[step.ID]
	if !ok {
		return types.ApprovalStep{}, fmt.Errorf("approval step %s: %w", step.ID, ErrNotFound)
	}
	if cur.Version != step.Version {
		return types.ApprovalStep{}, fmt.Errorf("approval step %s version %d: %w", step.ID, step.Version, ErrConflict)
	}
	step.Version++
	t.steps[step.ID] = cloneStep(step)
	return cloneStep(step), nil
}

func (t *memTx) AppendHistory(_ context.Context, rec types.ApprovalHistory) error {
	t.history = append(t.history, rec)
	return nil
}

func (t *memTx) ListHistoryByDocument(_ context.Context, documentID string) ([]types.ApprovalHistory, error) {
	out := []types.ApprovalHistory{}
	for _, rec := range t.history {
		if rec.DocumentID == documentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *memTx) ListHistoryByActor(_ context.Context, actorID string) ([]types.ApprovalHistory, error) {
	out := []types.ApprovalHistory{}
	for _, rec := range t.history {
		if rec.ActorID == actorID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *memTx) LastHistoryDigest(_ context.Context, documentID string) (string, error) {
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].DocumentID == documentID {
			return t.history[i].Digest, nil
		}
	}
	return "", nil
}

func (t *memTx) EnqueueNotification(_ context.Context, rec NotificationRecord) error {
	if _, ok := t.notifications[rec.ID]; ok {
		return fmt.Errorf("notification %s already exists: %w", rec.ID, ErrConflict)
	}
	t.notifications[rec.ID] = cloneNotification(rec)
	return nil
}

func (t *memTx) PutNotification(_ context.Context, rec NotificationRecord) error {
	if _, ok := t.notifications[rec.ID]; !ok {
		return fmt.Errorf("notification %s: %w", rec.ID, ErrNotFound)
	}
	t.notifications[rec.ID] = cloneNotification(rec)
	return nil
}

func (t *memTx) GetNotification(_ context.Context, id string) (NotificationRecord, error) {
	rec, ok := t.notifications[id]
	if !ok {
		return NotificationRecord{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return cloneNotification(rec), nil
}

func (t *memTx) ListNotificationsDue(_ context.Context, now time.Time, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	out := []NotificationRecord{}
	for _, rec := range t.notifications {
		if rec.Status != NotificationPending || rec.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, cloneNotification(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortSteps(steps []types.ApprovalStep) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneDocument(doc types.Document) types.Document {
	doc.SubmittedAt = cloneTime(doc.SubmittedAt)
	doc.ApprovedAt = cloneTime(doc.ApprovedAt)
	doc.RejectedAt = cloneTime(doc.RejectedAt)
	return doc
}

func cloneStep(step types.ApprovalStep) types.ApprovalStep {
	step.ApprovedAt = cloneTime(step.ApprovedAt)
	step.RejectedAt = cloneTime(step.RejectedAt)
	step.DelegatedAt = cloneTime(step.DelegatedAt)
	step.ReturnedAt = cloneTime(step.ReturnedAt)
	step.CancelledAt = cloneTime(step.CancelledAt)
	return step
}

func cloneNotification(rec NotificationRecord) NotificationRecord {
	rec.SentAt = cloneTime(rec.SentAt)
	return rec
}
