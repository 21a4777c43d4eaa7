package governance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rahul/planrun/internal/store"
)

const testPolicyScript = `package main

var Bindings = map[string][]string{}

func Decide(input map[string]any) (bool, []string) {
	capability, _ := input["capability"].(string)
	if capability == "shell:sudo" {
		return false, []string{"capability_denied"}
	}
	if len(Bindings) == 0 {
		return true, nil
	}
	subject, _ := input["subject"].(map[string]any)
	roles, _ := subject["roles"].([]any)
	for _, r := range roles {
		role, _ := r.(string)
		for _, granted := range Bindings[role] {
			if granted == capability || granted == "*" {
				return true, nil
			}
		}
	}
	return false, []string{"not_bound_to_role"}
}
`

func writePolicyScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.go")
	if err := os.WriteFile(path, []byte(testPolicyScript), 0644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestScriptEngine_Decide(t *testing.T) {
	engine, err := LoadScriptEngine(writePolicyScript(t))
	if err != nil {
		t.Fatalf("load script: %v", err)
	}

	decision, err := engine.Decide(context.Background(), DecisionInput{
		Subject:    store.Subject{Tenant: "acme"},
		Tool:       "shell",
		Capability: "shell:exec",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected allow, got deny: %+v", decision.Deny)
	}

	decision, err = engine.Decide(context.Background(), DecisionInput{
		Subject:    store.Subject{Tenant: "acme"},
		Tool:       "shell",
		Capability: "shell:sudo",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Allow {
		t.Fatal("expected shell:sudo to be denied")
	}
	if len(decision.Deny) != 1 || decision.Deny[0].Reason != "capability_denied" {
		t.Fatalf("unexpected deny reasons: %+v", decision.Deny)
	}
	if decision.Deny[0].Capability != "shell:sudo" {
		t.Fatalf("deny reason should carry the capability, got %q", decision.Deny[0].Capability)
	}
}

func TestScriptEngine_Bindings(t *testing.T) {
	engine, err := LoadScriptEngine(writePolicyScript(t))
	if err != nil {
		t.Fatalf("load script: %v", err)
	}
	engine.SetBindings(map[string][]string{"operator": {"deploy:run"}})

	decision, err := engine.Decide(context.Background(), DecisionInput{
		Subject:    store.Subject{Tenant: "acme", Roles: []string{"operator"}},
		Tool:       "deploy",
		Capability: "deploy:run",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("bound role should be allowed: %+v", decision.Deny)
	}

	decision, err = engine.Decide(context.Background(), DecisionInput{
		Subject:    store.Subject{Tenant: "acme", Roles: []string{"viewer"}},
		Tool:       "deploy",
		Capability: "deploy:run",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Allow {
		t.Fatal("unbound role should be denied once bindings are loaded")
	}
}

func TestLoadScriptEngine_MissingDecide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.go")
	if err := os.WriteFile(path, []byte("package main\n\nvar X = 1\n"), 0644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if _, err := LoadScriptEngine(path); err == nil {
		t.Fatal("expected a load error for a script without Decide")
	}
}
