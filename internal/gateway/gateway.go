package gateway

import (
	"context"

	"github.com/rahul/planrun/internal/runtime"
	"github.com/rahul/planrun/internal/store"
)

// PlanService is the slice of the runtime the inbound edge needs.
type PlanService interface {
	SubmitPlanSteps(ctx context.Context, plan store.Plan, traceID, requestID string, subject store.Subject) error
	ResolvePlanStepApproval(ctx context.Context, decision runtime.ApprovalDecision) error
	GetPlanSubject(planID string) (store.Subject, error)
	GetPersistedPlanStep(planID, stepID string) (*store.PersistedStepEntry, error)
	QueueDepth(topic string) (int, error)
}

// Gateway defines the interface for inbound transports.
type Gateway interface {
	// Start begins serving requests and blocks until shutdown.
	Start() error
	// Stop gracefully shuts down the gateway.
	Stop(ctx context.Context) error
}
