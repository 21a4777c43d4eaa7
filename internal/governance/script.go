package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const scriptDecideFuncName = "Decide"

// ScriptEngine evaluates authorization through a Go script interpreted in a
// yaegi sandbox. The script must define
//
//	func Decide(input map[string]any) (bool, []string)
//
// returning the allow flag and any deny reasons. The interpreter is built
// once at load time and reused for every decision; SetBindings republishes
// the bindings document into the script's global scope.
type ScriptEngine struct {
	mu     sync.Mutex
	interp *interp.Interpreter
	decide reflect.Value
}

// LoadScriptEngine interprets the policy script at path.
func LoadScriptEngine(path string) (*ScriptEngine, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("policy script: stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("policy script: interpret %s: %w", path, err)
	}
	fn, err := i.Eval(scriptDecideFuncName)
	if err != nil {
		return nil, fmt.Errorf("policy script: %s must define %s(map[string]any) (bool, []string): %w", path, scriptDecideFuncName, err)
	}
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("policy script: %s is not a function in %s", scriptDecideFuncName, path)
	}
	return &ScriptEngine{interp: i, decide: fn}, nil
}

// SetBindings publishes the role-to-capability document as the script
// global `Bindings` without reloading the script.
func (e *ScriptEngine) SetBindings(bindings map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(bindings)
	if err != nil {
		return
	}
	// Assign when the script declares the global itself, declare otherwise.
	literal := bindingsLiteral(payload)
	if _, err := e.interp.Eval("Bindings = " + literal); err != nil {
		_, _ = e.interp.Eval("var Bindings = " + literal)
	}
}

func bindingsLiteral(payload []byte) string {
	var doc map[string][]string
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "map[string][]string{}"
	}
	out := "map[string][]string{"
	for role, caps := range doc {
		out += fmt.Sprintf("%q: {", role)
		for _, c := range caps {
			out += fmt.Sprintf("%q,", c)
		}
		out += "},"
	}
	return out + "}"
}

func (e *ScriptEngine) Decide(ctx context.Context, input DecisionInput) (PolicyDecision, error) {
	doc, err := inputDocument(input)
	if err != nil {
		return PolicyDecision{}, err
	}

	e.mu.Lock()
	results := e.decide.Call([]reflect.Value{reflect.ValueOf(doc)})
	e.mu.Unlock()

	if len(results) != 2 {
		return PolicyDecision{}, fmt.Errorf("policy script: %s must return (bool, []string)", scriptDecideFuncName)
	}
	allow, ok := results[0].Interface().(bool)
	if !ok {
		return PolicyDecision{}, fmt.Errorf("policy script: first return value must be bool")
	}
	reasons, _ := results[1].Interface().([]string)

	decision := PolicyDecision{Allow: allow}
	for _, r := range reasons {
		decision.Deny = append(decision.Deny, DenyReason{Reason: r, Capability: input.Capability})
	}
	return decision, nil
}

// inputDocument round-trips the decision input through JSON so scripts see
// plain maps and slices rather than host types.
func inputDocument(input DecisionInput) (map[string]any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
