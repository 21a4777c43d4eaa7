package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rahul/planrun/internal/store"
)

func testEnforcer(cache DecisionCache) (*Enforcer, *RuleEngine) {
	profiles := NewProfileRegistry()
	profiles.Register(Profile{Tool: "shell", Capabilities: []string{"shell:exec"}})
	profiles.Register(Profile{Tool: "search", Capabilities: []string{"search:web"}})
	engine := NewRuleEngine()
	return NewEnforcer(profiles, engine, cache, time.Minute), engine
}

func TestRuleEngine_Evaluate(t *testing.T) {
	engine := NewRuleEngine()
	ctx := context.Background()

	// Test Allow (Default)
	res1, err := engine.Decide(ctx, DecisionInput{Tool: "search", Capability: "search:web"})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !res1.Allow {
		t.Errorf("Expected allow, got deny: %v", res1.Deny)
	}

	// Test Deny
	engine.DenyCapability("shell:exec")
	res2, err := engine.Decide(ctx, DecisionInput{Tool: "shell", Capability: "shell:exec"})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if res2.Allow {
		t.Error("Expected deny, got allow")
	}
	if len(res2.Deny) == 0 || res2.Deny[0].Capability != "shell:exec" {
		t.Errorf("Expected deny reason for shell:exec, got %v", res2.Deny)
	}
}

func TestRuleEngine_Bindings(t *testing.T) {
	engine := NewRuleEngine()
	engine.SetBindings(map[string][]string{
		"operator": {"shell:exec"},
		"admin":    {"*"},
	})
	ctx := context.Background()

	cases := []struct {
		name    string
		subject store.Subject
		allow   bool
	}{
		{"role grants capability", store.Subject{Roles: []string{"operator"}}, true},
		{"wildcard role", store.Subject{Roles: []string{"admin"}}, true},
		{"no grant", store.Subject{Roles: []string{"viewer"}}, false},
		{"scope grants capability", store.Subject{Scopes: []string{"operator"}}, true},
	}
	for _, tc := range cases {
		res, err := engine.Decide(ctx, DecisionInput{Tool: "shell", Capability: "shell:exec", Subject: tc.subject})
		if err != nil {
			t.Fatalf("%s: Decide failed: %v", tc.name, err)
		}
		if res.Allow != tc.allow {
			t.Errorf("%s: expected allow=%t, got %t (%v)", tc.name, tc.allow, res.Allow, res.Deny)
		}
	}
}

func TestRuleEngine_DenyLabels(t *testing.T) {
	engine := NewRuleEngine()
	if err := engine.DenyLabels(`^destructive$`); err != nil {
		t.Fatalf("DenyLabels failed: %v", err)
	}
	res, err := engine.Decide(context.Background(), DecisionInput{
		Tool: "shell", Capability: "shell:exec", Labels: []string{"destructive"},
	})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if res.Allow {
		t.Error("Expected deny for restricted label, got allow")
	}
}

func TestEnforcer_AgentProfileMissing(t *testing.T) {
	enf, _ := testEnforcer(nil)
	decision, err := enf.EnforcePlanStep(context.Background(),
		store.PlanStep{ID: "s1", Tool: "unknown-tool", Capability: "whatever"},
		EnforceContext{PlanID: "p1"})
	if err != nil {
		t.Fatalf("EnforcePlanStep failed: %v", err)
	}
	if decision.Allow {
		t.Fatal("Expected hard denial for missing agent profile")
	}
	if len(decision.Deny) != 1 || decision.Deny[0].Reason != "agent_profile_missing" {
		t.Errorf("Expected agent_profile_missing, got %v", decision.Deny)
	}
}

func TestEnforcer_CapabilityNotDeclared(t *testing.T) {
	enf, _ := testEnforcer(nil)
	decision, err := enf.EnforcePlanStep(context.Background(),
		store.PlanStep{ID: "s1", Tool: "shell", Capability: "filesystem:write"},
		EnforceContext{PlanID: "p1"})
	if err != nil {
		t.Fatalf("EnforcePlanStep failed: %v", err)
	}
	if decision.Allow {
		t.Fatal("Expected denial for undeclared capability")
	}
}

func TestCacheKey_OrderIndependent(t *testing.T) {
	a := DecisionInput{
		Subject:    store.Subject{Tenant: "t1", Roles: []string{"operator"}},
		Tool:       "shell",
		Capability: "shell:exec",
		Approvals:  map[string]bool{},
	}
	a.Approvals["shell:exec"] = true
	a.Approvals["filesystem:write"] = false

	b := DecisionInput{
		Subject:    store.Subject{Tenant: "t1", Roles: []string{"operator"}},
		Tool:       "shell",
		Capability: "shell:exec",
		Approvals:  map[string]bool{},
	}
	// Same approvals, inserted in the opposite order.
	b.Approvals["filesystem:write"] = false
	b.Approvals["shell:exec"] = true

	keyA, err := CacheKey(a)
	if err != nil {
		t.Fatalf("CacheKey failed: %v", err)
	}
	keyB, err := CacheKey(b)
	if err != nil {
		t.Fatalf("CacheKey failed: %v", err)
	}
	if keyA != keyB {
		t.Errorf("Expected identical cache keys, got %s and %s", keyA, keyB)
	}
}

// failingCache always errors, simulating an unreachable shared cache.
type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) (*PolicyDecision, bool, error) {
	return nil, false, errors.New("cache unavailable")
}

func (failingCache) Set(ctx context.Context, key string, decision PolicyDecision, ttl time.Duration) error {
	return errors.New("cache unavailable")
}

func TestEnforcer_CacheFailureFallsOpenToEvaluation(t *testing.T) {
	enf, engine := testEnforcer(failingCache{})
	engine.DenyCapability("shell:exec")

	decision, err := enf.EnforcePlanStep(context.Background(),
		store.PlanStep{ID: "s1", Tool: "shell", Capability: "shell:exec"},
		EnforceContext{PlanID: "p1"})
	if err != nil {
		t.Fatalf("EnforcePlanStep failed: %v", err)
	}
	if decision.Allow {
		t.Fatal("Cache failure must fall back to a live evaluation, never an unchecked allow")
	}
}

func TestMemoryCache_TTLAndBound(t *testing.T) {
	cache := NewMemoryCache(2)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	deny := PolicyDecision{Allow: false, Deny: []DenyReason{{Reason: "nope"}}}
	if err := cache.Set(ctx, "k1", deny, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := cache.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%t err=%v", ok, err)
	}
	if got.Allow {
		t.Error("Expected cached denial")
	}

	// Expire and observe a miss.
	now = now.Add(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "k1"); ok {
		t.Error("Expected expired entry to miss")
	}

	// Size bound: inserting past the cap evicts rather than grows.
	for _, key := range []string{"a", "b", "c", "d"} {
		_ = cache.Set(ctx, key, PolicyDecision{Allow: true}, time.Minute)
	}
	if len(cache.entries) > 2 {
		t.Errorf("Expected at most 2 entries, got %d", len(cache.entries))
	}
}
