package runtime

import (
	"time"

	"github.com/rahul/planrun/internal/store"
)

const (
	// CompletionsTopic is the shared topic every execution outcome lands on.
	CompletionsTopic = "plan.completions"
	// DeadLetterTopic quarantines forged, stale and mismatched completions.
	DeadLetterTopic = "plan.deadletter"

	dispatchTopicPrefix = "plan.dispatch."
)

// DispatchTopic returns the per-plan dispatch topic, which doubles as the
// partition key for same-plan messages.
func DispatchTopic(planID string) string {
	return dispatchTopicPrefix + planID
}

// dispatchMessage asks a consumer to drive one step through policy,
// approval and execution.
type dispatchMessage struct {
	PlanID         string `json:"plan_id"`
	StepID         string `json:"step_id"`
	Attempt        int    `json:"attempt"`
	IdempotencyKey string `json:"idempotency_key"`
	TraceID        string `json:"trace_id,omitempty"`
}

// completionMessage carries an execution outcome. It is never applied to
// state directly by the executor path; the completion consumer is the single
// auditable application point.
type completionMessage struct {
	PlanID         string          `json:"plan_id"`
	StepID         string          `json:"step_id"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	State          store.StepState `json:"state"`
	Summary        string          `json:"summary,omitempty"`
	Output         string          `json:"output,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// deadLetterRecord wraps a quarantined message with the rejection reason.
type deadLetterRecord struct {
	Reason         string    `json:"reason"`
	Topic          string    `json:"topic"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Payload        []byte    `json:"payload"`
	QuarantinedAt  time.Time `json:"quarantined_at"`
}

// StepEventBody is the step portion of a public transition event.
type StepEventBody struct {
	ID      string          `json:"id"`
	State   store.StepState `json:"state"`
	Summary string          `json:"summary,omitempty"`
	Output  string          `json:"output,omitempty"`
}

// StepEvent is published once per real (non-dead-lettered) transition and
// consumed by the SSE/audit layer.
type StepEvent struct {
	Event   string        `json:"event"`
	PlanID  string        `json:"planId"`
	TraceID string        `json:"traceId,omitempty"`
	Step    StepEventBody `json:"step"`
}

// EventPublisher receives public step-transition events.
type EventPublisher interface {
	PublishStepEvent(evt StepEvent)
}
