package governance

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/rahul/planrun/internal/store"
)

// DenyReason explains one cause of a policy denial.
type DenyReason struct {
	Reason     string `json:"reason"`
	Capability string `json:"capability,omitempty"`
}

// PolicyDecision is the outcome of a policy evaluation. It is a pure value,
// never mutated after creation, and therefore safe to cache.
type PolicyDecision struct {
	Allow bool         `json:"allow"`
	Deny  []DenyReason `json:"deny,omitempty"`
}

// EnforceContext carries the identity and approval context of an evaluation.
type EnforceContext struct {
	PlanID    string
	TraceID   string
	Approvals map[string]bool
	Subject   store.Subject
}

// Enforcer gates step execution by capability. It resolves the step's agent
// profile, builds the decision input, consults the cache, and falls back to
// the decision engine.
type Enforcer struct {
	Profiles *ProfileRegistry
	Engine   DecisionEngine
	Cache    DecisionCache
	CacheTTL time.Duration
}

// NewEnforcer wires a policy enforcer. cache may be nil to disable caching.
func NewEnforcer(profiles *ProfileRegistry, engine DecisionEngine, cache DecisionCache, cacheTTL time.Duration) *Enforcer {
	return &Enforcer{Profiles: profiles, Engine: engine, Cache: cache, CacheTTL: cacheTTL}
}

// EnforcePlanStep evaluates whether the step may execute for the subject.
// A missing agent profile is a hard denial, not a retryable error.
func (e *Enforcer) EnforcePlanStep(ctx context.Context, step store.PlanStep, ectx EnforceContext) (PolicyDecision, error) {
	profile, ok := e.Profiles.Get(step.Tool)
	if !ok {
		return PolicyDecision{
			Allow: false,
			Deny:  []DenyReason{{Reason: "agent_profile_missing", Capability: step.Capability}},
		}, nil
	}
	if !profile.Declares(step.Capability) {
		return PolicyDecision{
			Allow: false,
			Deny:  []DenyReason{{Reason: "capability_not_declared", Capability: step.Capability}},
		}, nil
	}

	input := DecisionInput{
		Subject:    ectx.Subject,
		Tool:       step.Tool,
		Capability: step.Capability,
		Labels:     sortedCopy(step.Labels),
		Approvals:  ectx.Approvals,
	}

	key, err := CacheKey(input)
	if err != nil {
		return PolicyDecision{}, err
	}

	if e.Cache != nil {
		if cached, ok, cerr := e.Cache.Get(ctx, key); cerr != nil {
			// Cache trouble downgrades to a fresh evaluation, never to
			// an unchecked allow.
			log.Printf("governance: decision cache read failed, evaluating live: %v", cerr)
		} else if ok {
			return *cached, nil
		}
	}

	decision, err := e.Engine.Decide(ctx, input)
	if err != nil {
		return PolicyDecision{}, err
	}

	if e.Cache != nil {
		if cerr := e.Cache.Set(ctx, key, decision, e.CacheTTL); cerr != nil {
			log.Printf("governance: decision cache write failed: %v", cerr)
		}
	}
	return decision, nil
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
