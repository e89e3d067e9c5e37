package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"flowrun/internal/domain"
)

// approvalPollInterval is how often Await re-reads the record. The contract
// is read-your-writes consistency from the store, not low latency.
const approvalPollInterval = 2500 * time.Millisecond

// ApprovalWatcher observes an approval record's status. The polling gate is
// the current implementation; a push-based one can replace it behind this
// interface without changing consumers.
type ApprovalWatcher interface {
	// Watch returns the record's current status plus the full record.
	Watch(ctx context.Context, approvalID string) (*domain.ApprovalRecord, error)
	// Await blocks until the record leaves pending, or ctx is done.
	Await(ctx context.Context, approvalID string) (*domain.ApprovalRecord, error)
}

// ApprovalGate suspends a workflow at an approval step. It creates the
// pending record and exposes status reads; the pending → approved|rejected
// transition is written by an external actor through the store, never here.
type ApprovalGate struct {
	store  domain.ApprovalStore
	logger *slog.Logger

	now   func() time.Time // for testing
	newID func() string
	poll  time.Duration
}

// NewApprovalGate creates a gate backed by the external store.
func NewApprovalGate(store domain.ApprovalStore, logger *slog.Logger) *ApprovalGate {
	return &ApprovalGate{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
		poll:   approvalPollInterval,
	}
}

// Compile-time interface check.
var _ ApprovalWatcher = (*ApprovalGate)(nil)

// Begin creates a pending approval record for the given workflow position
// and returns it. The caller suspends the workflow afterwards; resumption is
// outside this gate's contract.
func (g *ApprovalGate) Begin(ctx context.Context, workflowID, executionID, nodeID, message string) (*domain.ApprovalRecord, error) {
	now := g.now()
	rec := domain.ApprovalRecord{
		ID:          g.newID(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Message:     message,
		Status:      domain.ApprovalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := g.store.CreateApproval(ctx, rec); err != nil {
		return nil, domain.WrapOp("create approval", err)
	}

	g.logger.Info("approval pending",
		"approval_id", rec.ID,
		"workflow_id", workflowID,
		"node_id", nodeID,
	)
	return &rec, nil
}

// Watch implements ApprovalWatcher with a single store read.
func (g *ApprovalGate) Watch(ctx context.Context, approvalID string) (*domain.ApprovalRecord, error) {
	return g.store.GetApproval(ctx, approvalID)
}

// Await implements ApprovalWatcher by polling Watch until the record reaches
// a terminal status.
func (g *ApprovalGate) Await(ctx context.Context, approvalID string) (*domain.ApprovalRecord, error) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		rec, err := g.store.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			g.logger.Info("approval decided",
				"approval_id", approvalID,
				"status", rec.Status,
				"responded_by", rec.RespondedBy,
			)
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
