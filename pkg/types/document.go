package types

import "time"

type SecurityLevel string

const (
	SecurityGeneral      SecurityLevel = "GENERAL"
	SecurityConfidential SecurityLevel = "CONFIDENTIAL"
	SecuritySecret       SecurityLevel = "SECRET"
	SecurityTopSecret    SecurityLevel = "TOP_SECRET"
)

// Rank orders security levels from GENERAL (1) to TOP_SECRET (4). Unknown levels rank 0.
func (l SecurityLevel) Rank() int {
	switch l {
	case SecurityGeneral:
		return 1
	case SecurityConfidential:
		return 2
	case SecuritySecret:
		return 3
	case SecurityTopSecret:
		return 4
	default:
		return 0
	}
}

func (l SecurityLevel) Valid() bool { return l.Rank() > 0 }

type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "DRAFT"
	DocumentPending   DocumentStatus = "PENDING"
	DocumentApproved  DocumentStatus = "APPROVED"
	DocumentRejected  DocumentStatus = "REJECTED"
	DocumentCancelled DocumentStatus = "CANCELLED"
)

func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentDraft, DocumentPending, DocumentApproved, DocumentRejected, DocumentCancelled:
		return true
	default:
		return false
	}
}

type Document struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Content         string         `json:"content,omitempty"`
	DocumentType    string         `json:"documentType"`
	SecurityLevel   SecurityLevel  `json:"securityLevel"`
	Status          DocumentStatus `json:"status"`
	Priority        int            `json:"priority"`
	Amount          int64          `json:"amount"`
	BranchCode      string         `json:"branch"`
	AuthorID        string         `json:"authorId"`
	RejectionReason string         `json:"rejectionReason,omitempty"`
	SubmittedAt     *time.Time     `json:"submittedAt,omitempty"`
	ApprovedAt      *time.Time     `json:"approvedAt,omitempty"`
	RejectedAt      *time.Time     `json:"rejectedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`

	// Version is bumped on every write and checked on update.
	Version int64 `json:"version"`
}
