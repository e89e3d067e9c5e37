package domain

import (
	"context"
	"time"
)

// ApprovalStatus is the state of a human approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Terminal reports whether the status admits no further transition.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// ApprovalRecord is the pause point of a workflow awaiting a human decision.
// It transitions exactly once, pending → approved|rejected, by an external
// actor; this core only creates and reads records.
type ApprovalRecord struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflowId"`
	ExecutionID string         `json:"executionId"`
	NodeID      string         `json:"nodeId"`
	Message     string         `json:"message"`
	Status      ApprovalStatus `json:"status"`
	RespondedBy string         `json:"respondedBy,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ApprovalStore persists approval records in the external store.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, rec ApprovalRecord) error
	GetApproval(ctx context.Context, id string) (*ApprovalRecord, error)
	// SetApprovalStatus performs the single pending → terminal transition.
	// Returns ErrApprovalDecided if the record is already terminal.
	SetApprovalStatus(ctx context.Context, id string, status ApprovalStatus, respondedBy string) error
}
