package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/davidahmann/docflow/pkg/types"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	ErrConflict = errors.New("ledger: version conflict")
)

// Reader is the read side shared by stores and transactions.
type Reader interface {
	GetDocument(ctx context.Context, id string) (types.Document, error)
	GetLine(ctx context.Context, id string) (types.ApprovalLine, error)
	GetStep(ctx context.Context, id string) (types.ApprovalStep, error)

	// ListLinesByDocument returns lines in creation order with their steps
	// ordered by step order.
	ListLinesByDocument(ctx context.Context, documentID string) ([]types.ApprovalLine, error)
	ListStepsByLines(ctx context.Context, lineIDs []string) ([]types.ApprovalStep, error)
	// ListStepsByApprover returns open steps whose approver of record is userID.
	ListStepsByApprover(ctx context.Context, userID string) ([]types.ApprovalStep, error)

	ListHistoryByDocument(ctx context.Context, documentID string) ([]types.ApprovalHistory, error)
	ListHistoryByActor(ctx context.Context, actorID string) ([]types.ApprovalHistory, error)
	LastHistoryDigest(ctx context.Context, documentID string) (string, error)

	GetNotification(ctx context.Context, id string) (NotificationRecord, error)
	ListNotificationsDue(ctx context.Context, now time.Time, limit int) ([]NotificationRecord, error)
}

type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(Tx) error) error
}

type Tx interface {
	Reader

	// GetDocumentForUpdate and GetStepForUpdate lock the row until the
	// transaction ends where the backend supports it.
	GetDocumentForUpdate(ctx context.Context, id string) (types.Document, error)
	GetStepForUpdate(ctx context.Context, id string) (types.ApprovalStep, error)

	InsertDocument(ctx context.Context, doc types.Document) error
	// PutDocument writes doc if the stored version equals doc.Version and
	// bumps the version. ErrConflict otherwise.
	PutDocument(ctx context.Context, doc types.Document) (types.Document, error)

	InsertLine(ctx context.Context, line types.ApprovalLine) error
	DeleteLinesByDocument(ctx context.Context, documentID string) error
	// UpdateStep has the same optimistic contract as PutDocument.
	UpdateStep(ctx context.Context, step types.ApprovalStep) (types.ApprovalStep, error)

	AppendHistory(ctx context.Context, rec types.ApprovalHistory) error

	EnqueueNotification(ctx context.Context, rec NotificationRecord) error
	PutNotification(ctx context.Context, rec NotificationRecord) error
}

const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

type NotificationRecord struct {
	ID            string
	UserID        string
	DocumentID    string
	Kind          string
	Subject       string
	Body          string
	Status        string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
