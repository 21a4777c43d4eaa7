package governance

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/rahul/planrun/internal/store"
)

// DecisionInput is the canonical document submitted to the decision engine.
// It contains everything a policy may consider; transport details like trace
// IDs deliberately stay out so identical authorization questions hash alike.
type DecisionInput struct {
	Subject    store.Subject   `json:"subject"`
	Tool       string          `json:"tool"`
	Capability string          `json:"capability"`
	Labels     []string        `json:"labels,omitempty"`
	Approvals  map[string]bool `json:"approvals,omitempty"`
}

// DecisionEngine is the pluggable authorization decision function. An engine
// is loaded once per process and reused; role-to-capability bindings can be
// injected into its data document at startup without reloading it.
type DecisionEngine interface {
	Decide(ctx context.Context, input DecisionInput) (PolicyDecision, error)
	SetBindings(bindings map[string][]string)
}

// RuleEngine is the built-in decision engine: role/scope bindings grant
// capabilities, with explicit capability and label denials on top.
type RuleEngine struct {
	mu           sync.RWMutex
	bindings     map[string][]string
	deniedCaps   map[string]bool
	deniedLabels []*regexp.Regexp
}

func NewRuleEngine() *RuleEngine {
	return &RuleEngine{
		bindings:   make(map[string][]string),
		deniedCaps: make(map[string]bool),
	}
}

// SetBindings replaces the role-to-capability data document.
func (e *RuleEngine) SetBindings(bindings map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings = make(map[string][]string, len(bindings))
	for role, caps := range bindings {
		e.bindings[role] = append([]string(nil), caps...)
	}
}

// DenyCapability blocks a capability outright, regardless of bindings.
func (e *RuleEngine) DenyCapability(capability string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deniedCaps[capability] = true
}

// DenyLabels blocks any step carrying a label matching the pattern.
func (e *RuleEngine) DenyLabels(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deniedLabels = append(e.deniedLabels, re)
	return nil
}

func (e *RuleEngine) Decide(ctx context.Context, input DecisionInput) (PolicyDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.deniedCaps[input.Capability] {
		return PolicyDecision{
			Allow: false,
			Deny: []DenyReason{{
				Reason:     fmt.Sprintf("capability '%s' is restricted by system policy", input.Capability),
				Capability: input.Capability,
			}},
		}, nil
	}

	for _, label := range input.Labels {
		for _, re := range e.deniedLabels {
			if re.MatchString(label) {
				return PolicyDecision{
					Allow: false,
					Deny: []DenyReason{{
						Reason:     fmt.Sprintf("label matches restricted pattern: %s", re.String()),
						Capability: input.Capability,
					}},
				}, nil
			}
		}
	}

	// With no bindings loaded the engine is permissive; once bindings exist,
	// some role or scope of the subject must grant the capability.
	if len(e.bindings) > 0 && !e.granted(input) {
		return PolicyDecision{
			Allow: false,
			Deny: []DenyReason{{
				Reason:     "capability_not_granted",
				Capability: input.Capability,
			}},
		}, nil
	}

	return PolicyDecision{Allow: true}, nil
}

func (e *RuleEngine) granted(input DecisionInput) bool {
	check := func(principal string) bool {
		for _, c := range e.bindings[principal] {
			if c == input.Capability || c == "*" {
				return true
			}
		}
		return false
	}
	for _, role := range input.Subject.Roles {
		if check(role) {
			return true
		}
	}
	for _, scope := range input.Subject.Scopes {
		if check(scope) {
			return true
		}
	}
	return false
}
