package types

import "time"

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepDelegated StepStatus = "DELEGATED"
	StepReturned  StepStatus = "RETURNED"
	StepCancelled StepStatus = "CANCELLED"
)

// Open reports whether a step still awaits a decision. A DELEGATED step awaits
// its alternate approver.
func (s StepStatus) Open() bool {
	return s == StepPending || s == StepDelegated
}

type Action string

const (
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
	ActionDelegate Action = "DELEGATE"
	ActionReturn   Action = "RETURN"

	// Document-level actions recorded in history.
	ActionCreateLine Action = "CREATE_LINE"
	ActionSubmit     Action = "SUBMIT"
	ActionRecall     Action = "RECALL"
	ActionRestore    Action = "RESTORE"
)

// StepStatusFor maps a step action to the status it produces. ok is false for
// actions that do not target a step.
func StepStatusFor(a Action) (status StepStatus, ok bool) {
	switch a {
	case ActionApprove:
		return StepApproved, true
	case ActionReject:
		return StepRejected, true
	case ActionDelegate:
		return StepDelegated, true
	case ActionReturn:
		return StepReturned, true
	case ActionCreateLine, ActionSubmit, ActionRecall, ActionRestore:
		return "", false
	default:
		return "", false
	}
}

type PolicyName string

const (
	PolicySequential            PolicyName = "SEQUENTIAL"
	PolicyParallel              PolicyName = "PARALLEL"
	PolicyConditional           PolicyName = "CONDITIONAL"
	PolicyBranchSpecific        PolicyName = "BRANCH_SPECIFIC"
	PolicyDocumentTypeSpecific  PolicyName = "DOCUMENT_TYPE_SPECIFIC"
	PolicySecurityLevelSpecific PolicyName = "SECURITY_LEVEL_SPECIFIC"
	PolicyDelegatable           PolicyName = "DELEGATABLE"
	PolicyAlternateApprover     PolicyName = "ALTERNATE_APPROVER"
	PolicyComplex               PolicyName = "COMPLEX"
)

var PolicyNames = []PolicyName{
	PolicySequential,
	PolicyParallel,
	PolicyConditional,
	PolicyBranchSpecific,
	PolicyDocumentTypeSpecific,
	PolicySecurityLevelSpecific,
	PolicyDelegatable,
	PolicyAlternateApprover,
	PolicyComplex,
}

type RouteType string

const (
	RouteHQToBranch             RouteType = "HQ_TO_BRANCH"
	RouteBranchToHQ             RouteType = "BRANCH_TO_HQ"
	RouteBranchToBranch         RouteType = "BRANCH_TO_BRANCH"
	RouteParallelCrossBranch    RouteType = "PARALLEL_CROSS_BRANCH"
	RouteConditionalCrossBranch RouteType = "CONDITIONAL_CROSS_BRANCH"
)

type ApprovalLine struct {
	ID                  string         `json:"id"`
	DocumentID          string         `json:"documentId"`
	Name                string         `json:"name"`
	PolicyName          PolicyName     `json:"policyName"`
	IsParallel          bool           `json:"isParallel"`
	IsConditional       bool           `json:"isConditional"`
	ConditionExpression string         `json:"conditionExpression,omitempty"`
	RouteType           RouteType      `json:"routeType,omitempty"`
	TargetBranch        string         `json:"targetBranch,omitempty"`
	Steps               []ApprovalStep `json:"steps"`
	CreatedAt           time.Time      `json:"createdAt"`
}

type ApprovalStep struct {
	ID                  string     `json:"id"`
	LineID              string     `json:"approvalLineId"`
	DocumentID          string     `json:"documentId"`
	StepOrder           int        `json:"stepOrder"`
	RoleName            string     `json:"roleName"`
	BranchCode          string     `json:"branch"`
	ApproverID          string     `json:"approverId"`
	AlternateApproverID string     `json:"alternateApproverId,omitempty"`
	IsRequired          bool       `json:"isRequired"`
	IsDelegatable       bool       `json:"isDelegatable"`
	MaxDelegationLevel  int        `json:"maxDelegationLevel"`
	DelegationLevel     int        `json:"delegationLevel"`
	IsConditional       bool       `json:"isConditional"`
	ConditionExpression string     `json:"conditionExpression,omitempty"`
	Status              StepStatus `json:"status"`
	Comment             string     `json:"comments,omitempty"`
	ApprovedAt          *time.Time `json:"approvedAt,omitempty"`
	RejectedAt          *time.Time `json:"rejectedAt,omitempty"`
	DelegatedAt         *time.Time `json:"delegatedAt,omitempty"`
	ReturnedAt          *time.Time `json:"returnedAt,omitempty"`
	CancelledAt         *time.Time `json:"cancelledAt,omitempty"`
	Version             int64      `json:"version"`
}

// ApproverOfRecord is the user currently entitled to decide the step.
func (s ApprovalStep) ApproverOfRecord() string {
	if s.Status == StepDelegated && s.AlternateApproverID != "" {
		return s.AlternateApproverID
	}
	return s.ApproverID
}

type ApprovalHistory struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	LineID        string    `json:"approvalLineId,omitempty"`
	StepID        string    `json:"approvalStepId,omitempty"`
	Action        Action    `json:"action"`
	ActorID       string    `json:"actorId"`
	DelegatedToID string    `json:"delegatedToId,omitempty"`
	Comment       string    `json:"comments,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`

	// PrevDigest links the record to the previous entry for the same document.
	PrevDigest string `json:"prevDigest,omitempty"`
	Digest     string `json:"digest"`
}
