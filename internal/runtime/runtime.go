package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rahul/planrun/internal/governance"
	"github.com/rahul/planrun/internal/observability"
	"github.com/rahul/planrun/internal/queue"
	"github.com/rahul/planrun/internal/store"
	"github.com/rahul/planrun/internal/toolagent"
)

// ErrNotWaitingApproval is returned when an approval decision targets a step
// that is not suspended on one.
var ErrNotWaitingApproval = errors.New("runtime: step is not waiting for approval")

// ToolExecutor abstracts the remote tool executor client.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, inv toolagent.Invocation) ([]toolagent.Event, error)
}

// Runtime is the plan execution orchestrator. It consumes dispatch messages,
// enforces policy, gates on approval, invokes the tool executor, validates
// completions against the state store and publishes step-transition events.
// All collaborators are injected; tests construct fresh instances.
type Runtime struct {
	Queue    queue.Queue
	Store    *store.StateStore
	Enforcer *governance.Enforcer
	Agent    ToolExecutor
	Events   EventPublisher
	Log      *observability.Logger

	mu       sync.Mutex
	planSubs map[string]queue.Subscription
	compSub  queue.Subscription
}

// New wires a runtime. events may be nil when no one listens.
func New(q queue.Queue, st *store.StateStore, enf *governance.Enforcer, agent ToolExecutor, events EventPublisher, logger *observability.Logger) *Runtime {
	if logger == nil {
		logger = observability.NewLogger()
	}
	return &Runtime{
		Queue:    q,
		Store:    st,
		Enforcer: enf,
		Agent:    agent,
		Events:   events,
		Log:      logger,
		planSubs: make(map[string]queue.Subscription),
	}
}

// Start subscribes the completion consumer. Dispatch consumers are attached
// per plan on submission or resume.
func (r *Runtime) Start() error {
	sub, err := r.Queue.Consume(CompletionsTopic, r.handleCompletion)
	if err != nil {
		return fmt.Errorf("subscribe completions: %w", err)
	}
	r.mu.Lock()
	r.compSub = sub
	r.mu.Unlock()
	return nil
}

// Stop detaches every consumer.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.compSub != nil {
		_ = r.compSub.Unsubscribe()
		r.compSub = nil
	}
	for planID, sub := range r.planSubs {
		_ = sub.Unsubscribe()
		delete(r.planSubs, planID)
	}
}

func (r *Runtime) ensureDispatchConsumer(planID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.planSubs[planID]; ok {
		return nil
	}
	sub, err := r.Queue.Consume(DispatchTopic(planID), r.handleDispatch)
	if err != nil {
		return fmt.Errorf("subscribe dispatch for plan %s: %w", planID, err)
	}
	r.planSubs[planID] = sub
	return nil
}

// SubmitPlanSteps persists every step of the plan and enqueues one dispatch
// message each. A persistence failure stops the submission before anything
// is enqueued for that step, so no untracked work ever enters the broker.
func (r *Runtime) SubmitPlanSteps(ctx context.Context, plan store.Plan, traceID, requestID string, subject store.Subject) error {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if err := r.Store.RememberPlan(plan, subject); err != nil {
		return fmt.Errorf("persist plan %s: %w", plan.ID, err)
	}
	if err := r.ensureDispatchConsumer(plan.ID); err != nil {
		return err
	}

	for _, step := range plan.Steps {
		const attempt = 1
		key := store.IdempotencyKey(plan.ID, step.ID, attempt)
		if err := r.Store.RememberStep(plan.ID, step, traceID, store.RememberOpts{
			IdempotencyKey: key,
			Attempt:        attempt,
		}); err != nil {
			return fmt.Errorf("persist step %s/%s: %w", plan.ID, step.ID, err)
		}
		if err := r.enqueueDispatch(ctx, dispatchMessage{
			PlanID:         plan.ID,
			StepID:         step.ID,
			Attempt:        attempt,
			IdempotencyKey: key,
			TraceID:        traceID,
		}); err != nil {
			return fmt.Errorf("enqueue step %s/%s: %w", plan.ID, step.ID, err)
		}
		r.Log.LogDispatch(plan.ID, traceID, step.ID, key)
	}
	return nil
}

func (r *Runtime) enqueueDispatch(ctx context.Context, msg dispatchMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.Queue.Enqueue(ctx, DispatchTopic(msg.PlanID), payload, queue.Headers{
		queue.HeaderTraceID:        msg.TraceID,
		queue.HeaderIdempotencyKey: msg.IdempotencyKey,
	})
}

// ResumeActiveSteps re-enqueues dispatch for every queued or running entry
// found in the store. Suspended approval-gated steps stay suspended, but
// their plans get a dispatch consumer so a later approval can re-enqueue.
func (r *Runtime) ResumeActiveSteps(ctx context.Context) error {
	entries, err := r.Store.ListActiveSteps()
	if err != nil {
		return fmt.Errorf("list active steps: %w", err)
	}
	for _, entry := range entries {
		if err := r.ensureDispatchConsumer(entry.PlanID); err != nil {
			return err
		}
		if entry.State == store.StateWaitingApproval {
			continue
		}
		if err := r.enqueueDispatch(ctx, dispatchMessage{
			PlanID:         entry.PlanID,
			StepID:         entry.Step.ID,
			Attempt:        entry.Attempt,
			IdempotencyKey: entry.IdempotencyKey,
			TraceID:        entry.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// handleDispatch drives one step: policy check, approval gate, execution.
// Returning an error withholds the ack and lets the broker redeliver.
func (r *Runtime) handleDispatch(ctx context.Context, msg queue.Message) error {
	var dm dispatchMessage
	if err := json.Unmarshal(msg.Payload, &dm); err != nil {
		r.deadLetter(ctx, msg, "malformed_dispatch")
		return nil
	}

	entry, err := r.Store.GetEntry(dm.PlanID, dm.StepID)
	if errors.Is(err, store.ErrNotFound) {
		r.deadLetter(ctx, msg, "unknown_step")
		return nil
	}
	if err != nil {
		return err
	}
	// Replays of settled or superseded dispatches are no-ops.
	if entry.State.Terminal() || entry.IdempotencyKey != dm.IdempotencyKey {
		return nil
	}
	if entry.State == store.StateWaitingApproval && !entry.Approved() {
		return nil
	}

	if err := r.Store.SetState(dm.PlanID, dm.StepID, store.StateRunning, "", "", dm.Attempt); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return nil
		}
		return err
	}

	subject, err := r.Store.GetPlanSubject(dm.PlanID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	decision, err := r.Enforcer.EnforcePlanStep(ctx, entry.Step, governance.EnforceContext{
		PlanID:    dm.PlanID,
		TraceID:   dm.TraceID,
		Approvals: entry.Approvals,
		Subject:   subject,
	})
	if err != nil {
		return fmt.Errorf("enforce %s/%s: %w", dm.PlanID, dm.StepID, err)
	}
	r.Log.LogPolicyCheck(dm.PlanID, dm.TraceID, dm.StepID, entry.Step.Capability, decision.Allow, denyReasons(decision))

	if !decision.Allow {
		summary := "policy denied: " + strings.Join(denyReasons(decision), "; ")
		return r.transition(dm, store.StateFailed, summary, "")
	}

	if entry.Step.ApprovalRequired && !entry.Approved() {
		// Suspend: the step simply leaves the runnable queue until an
		// approval decision re-enqueues it. No goroutine blocks here.
		return r.transition(dm, store.StateWaitingApproval, "awaiting approval for "+entry.Step.Capability, "")
	}

	return r.execute(ctx, dm, entry)
}

func denyReasons(decision governance.PolicyDecision) []string {
	reasons := make([]string, 0, len(decision.Deny))
	for _, d := range decision.Deny {
		reasons = append(reasons, d.Reason)
	}
	return reasons
}

// transition applies a state change directly from the dispatch path (deny,
// approval suspension) and publishes its event.
func (r *Runtime) transition(dm dispatchMessage, state store.StepState, summary, output string) error {
	err := r.Store.SetState(dm.PlanID, dm.StepID, state, summary, output, dm.Attempt)
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	r.publishStepEvent(dm.PlanID, dm.TraceID, StepEventBody{
		ID:      dm.StepID,
		State:   state,
		Summary: summary,
		Output:  output,
	})
	return nil
}

// execute invokes the remote tool executor and enqueues the outcome as a
// completion message. The outcome is never applied to state here; the
// completion consumer is the single application path.
func (r *Runtime) execute(ctx context.Context, dm dispatchMessage, entry *store.PersistedStepEntry) error {
	inv := toolagent.Invocation{
		InvocationID:     uuid.NewString(),
		PlanID:           dm.PlanID,
		StepID:           dm.StepID,
		Tool:             entry.Step.Tool,
		Capability:       entry.Step.Capability,
		CapabilityLabel:  entry.Step.CapabilityLabel,
		Labels:           entry.Step.Labels,
		InputJSON:        string(entry.Step.Input),
		Metadata:         invocationMetadata(entry.Step.Metadata, dm.TraceID),
		TimeoutSeconds:   entry.Step.TimeoutSeconds,
		ApprovalRequired: entry.Step.ApprovalRequired,
	}

	cm := completionMessage{
		PlanID:         dm.PlanID,
		StepID:         dm.StepID,
		Attempt:        dm.Attempt,
		IdempotencyKey: dm.IdempotencyKey,
		TraceID:        dm.TraceID,
		OccurredAt:     time.Now().UTC(),
	}

	events, err := r.Agent.ExecuteTool(ctx, inv)
	if err != nil {
		cm.State = store.StateFailed
		cm.Summary = err.Error()
	} else {
		cm.State = store.StateCompleted
		if last := lastEvent(events); last != nil {
			cm.Summary = last.Summary
			cm.Output = last.OutputJSON
			if last.State == "failed" {
				cm.State = store.StateFailed
			}
		}
	}

	payload, err := json.Marshal(cm)
	if err != nil {
		return err
	}
	return r.Queue.Enqueue(ctx, CompletionsTopic, payload, queue.Headers{
		queue.HeaderTraceID:        dm.TraceID,
		queue.HeaderIdempotencyKey: dm.IdempotencyKey,
	})
}

func lastEvent(events []toolagent.Event) *toolagent.Event {
	if len(events) == 0 {
		return nil
	}
	return &events[len(events)-1]
}

func invocationMetadata(stepMeta map[string]string, traceID string) map[string]string {
	md := make(map[string]string, len(stepMeta)+1)
	for k, v := range stepMeta {
		md[k] = v
	}
	if traceID != "" {
		md[queue.HeaderTraceID] = traceID
	}
	return md
}

// handleCompletion validates the idempotency key against the state store
// before applying the transition. Unknown, stale and forged completions are
// dead-lettered and never reach the public event stream.
func (r *Runtime) handleCompletion(ctx context.Context, msg queue.Message) error {
	var cm completionMessage
	if err := json.Unmarshal(msg.Payload, &cm); err != nil {
		r.deadLetter(ctx, msg, "malformed_completion")
		return nil
	}
	if !cm.State.Terminal() || cm.State == store.StateDeadLettered {
		r.deadLetter(ctx, msg, "invalid_completion_state")
		return nil
	}

	entry, err := r.Store.GetEntryByIdempotencyKey(cm.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		r.deadLetter(ctx, msg, "unknown_idempotency_key")
		return nil
	}
	if err != nil {
		return err
	}
	if entry.PlanID != cm.PlanID || entry.Step.ID != cm.StepID {
		r.deadLetter(ctx, msg, "mismatched_identifiers")
		return nil
	}
	if entry.State.Terminal() {
		r.deadLetter(ctx, msg, "entry_already_terminal")
		return nil
	}

	err = r.Store.SetState(cm.PlanID, cm.StepID, cm.State, cm.Summary, cm.Output, cm.Attempt)
	if errors.Is(err, store.ErrTerminal) {
		// Lost the race with a concurrent application of the same key.
		r.deadLetter(ctx, msg, "entry_already_terminal")
		return nil
	}
	if err != nil {
		return err
	}

	r.publishStepEvent(cm.PlanID, cm.TraceID, StepEventBody{
		ID:      cm.StepID,
		State:   cm.State,
		Summary: cm.Summary,
		Output:  cm.Output,
	})
	return nil
}

// ApprovalDecision resolves a suspended approval-gated step.
type ApprovalDecision struct {
	PlanID   string
	StepID   string
	Approved bool
	Summary  string
}

// ResolvePlanStepApproval records the human decision. Approval re-enqueues
// the dispatch message; rejection fails the step. This call is the only way
// out of waiting_approval.
func (r *Runtime) ResolvePlanStepApproval(ctx context.Context, decision ApprovalDecision) error {
	entry, err := r.Store.GetEntry(decision.PlanID, decision.StepID)
	if err != nil {
		return err
	}
	if entry.State != store.StateWaitingApproval {
		return ErrNotWaitingApproval
	}

	if err := r.Store.RecordApproval(decision.PlanID, decision.StepID, entry.Step.Capability, decision.Approved); err != nil {
		return err
	}
	r.Log.LogApproval(decision.PlanID, decision.StepID, entry.Step.Capability, decision.Approved)

	dm := dispatchMessage{
		PlanID:         decision.PlanID,
		StepID:         decision.StepID,
		Attempt:        entry.Attempt,
		IdempotencyKey: entry.IdempotencyKey,
		TraceID:        entry.TraceID,
	}

	if !decision.Approved {
		summary := decision.Summary
		if summary == "" {
			summary = "approval rejected for " + entry.Step.Capability
		}
		return r.transition(dm, store.StateFailed, summary, "")
	}

	if err := r.ensureDispatchConsumer(decision.PlanID); err != nil {
		return err
	}
	return r.enqueueDispatch(ctx, dm)
}

// GetPlanSubject returns the subject a plan executes on behalf of.
func (r *Runtime) GetPlanSubject(planID string) (store.Subject, error) {
	return r.Store.GetPlanSubject(planID)
}

// GetPersistedPlanStep returns the durable entry for one step.
func (r *Runtime) GetPersistedPlanStep(planID, stepID string) (*store.PersistedStepEntry, error) {
	return r.Store.GetEntry(planID, stepID)
}

// QueueDepth reports the backlog of a topic.
func (r *Runtime) QueueDepth(topic string) (int, error) {
	return r.Queue.Depth(topic)
}

func (r *Runtime) publishStepEvent(planID, traceID string, body StepEventBody) {
	evt := StepEvent{Event: "plan.step", PlanID: planID, TraceID: traceID, Step: body}
	if r.Events != nil {
		r.Events.PublishStepEvent(evt)
	}
	r.Log.Log(observability.Event{
		Type:    observability.EventTypeStep,
		PlanID:  planID,
		TraceID: traceID,
		Data:    evt.Step,
	})
}

// deadLetter quarantines a message without surfacing any step event.
func (r *Runtime) deadLetter(ctx context.Context, msg queue.Message, reason string) {
	record := deadLetterRecord{
		Reason:         reason,
		Topic:          msg.Topic,
		IdempotencyKey: msg.IdempotencyKey(),
		Payload:        msg.Payload,
		QuarantinedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		log.Printf("runtime: marshal dead-letter record: %v", err)
		return
	}
	if err := r.Queue.Enqueue(ctx, DeadLetterTopic, payload, msg.Headers); err != nil {
		log.Printf("runtime: enqueue dead letter: %v", err)
	}
	r.Log.LogDeadLetter(msg.Topic, msg.IdempotencyKey(), reason)
}
