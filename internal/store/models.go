package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepState is the lifecycle state of a plan step.
type StepState string

const (
	StateQueued          StepState = "queued"
	StateRunning         StepState = "running"
	StateWaitingApproval StepState = "waiting_approval"
	StateCompleted       StepState = "completed"
	StateFailed          StepState = "failed"
	StateDeadLettered    StepState = "dead_lettered"
)

// Terminal reports whether the state can never transition again.
func (s StepState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDeadLettered:
		return true
	}
	return false
}

// PlanStep is a single capability-scoped unit of work within a plan.
type PlanStep struct {
	ID               string            `json:"id"`
	Action           string            `json:"action"`
	Tool             string            `json:"tool"`
	Capability       string            `json:"capability"`
	CapabilityLabel  string            `json:"capability_label,omitempty"`
	Labels           []string          `json:"labels,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	ApprovalRequired bool              `json:"approval_required,omitempty"`
	Input            json.RawMessage   `json:"input,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Plan is a goal decomposed into an ordered list of steps. It is immutable
// once submitted; the plan ID doubles as the partition and idempotency root.
type Plan struct {
	ID              string     `json:"id"`
	Goal            string     `json:"goal"`
	Steps           []PlanStep `json:"steps"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
}

// Subject is the identity a plan executes on behalf of.
type Subject struct {
	Tenant string   `json:"tenant"`
	User   string   `json:"user,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// PersistedStepEntry is the durable record for one (planID, stepID) pair.
// The idempotency key is the sole authority for accepting a completion.
type PersistedStepEntry struct {
	PlanID         string          `json:"plan_id"`
	Step           PlanStep        `json:"step"`
	State          StepState       `json:"state"`
	Summary        string          `json:"summary,omitempty"`
	Output         string          `json:"output,omitempty"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	Approvals      map[string]bool `json:"approvals,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Approved reports whether the entry's required capability has been granted.
func (e *PersistedStepEntry) Approved() bool {
	return e.Approvals[e.Step.Capability]
}

// IdempotencyKey builds the canonical key tying a dispatch to its completion.
func IdempotencyKey(planID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", planID, stepID, attempt)
}
