package policy

import (
	"context"
	"testing"
)

const allowSyncModule = `
package syncstream.authz

default allow = false

allow {
	input.cmd == 3
}
`

func newTestEngine(t *testing.T) *ComplianceEngine {
	t.Helper()
	engine, err := New(context.Background(), Config{
		Query:   "data.syncstream.authz.allow",
		Modules: map[string]string{"authz.rego": allowSyncModule},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine
}

func TestEvaluateCommandAllowsMatchingCmd(t *testing.T) {
	engine := newTestEngine(t)
	decision, err := engine.EvaluateCommand(context.Background(), CommandRequest{Device: "cam-01", Cmd: 3})
	if err != nil {
		t.Fatalf("EvaluateCommand: %v", err)
	}
	if !decision.Allow {
		t.Fatal("decision.Allow = false, want true for cmd == 3")
	}
}

func TestEvaluateCommandDeniesNonMatchingCmd(t *testing.T) {
	engine := newTestEngine(t)
	decision, err := engine.EvaluateCommand(context.Background(), CommandRequest{Device: "cam-01", Cmd: 1})
	if err != nil {
		t.Fatalf("EvaluateCommand: %v", err)
	}
	if decision.Allow {
		t.Fatal("decision.Allow = true, want false for cmd == 1")
	}
}

func TestEvaluateCachesRepeatedInput(t *testing.T) {
	engine := newTestEngine(t)
	req := CommandRequest{Device: "cam-01", Cmd: 3}

	first, err := engine.EvaluateCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("EvaluateCommand: %v", err)
	}
	key, err := fingerprintInput(req)
	if err != nil {
		t.Fatalf("fingerprintInput: %v", err)
	}
	if _, ok := engine.cache.Get(key); !ok {
		t.Fatal("decision for evaluated input was not cached")
	}
	second, err := engine.EvaluateCommand(context.Background(), req)
	if err != nil {
		t.Fatalf("EvaluateCommand (cached): %v", err)
	}
	if first.Allow != second.Allow {
		t.Fatal("cached decision diverged from original")
	}
}

func TestNewRejectsEmptyQuery(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestFingerprintInputIsDeterministic(t *testing.T) {
	req := CommandRequest{Device: "cam-01", Cmd: 3, KeyVer: 1, AtMs: 42}
	a, err := fingerprintInput(req)
	if err != nil {
		t.Fatalf("fingerprintInput: %v", err)
	}
	b, err := fingerprintInput(req)
	if err != nil {
		t.Fatalf("fingerprintInput: %v", err)
	}
	if a != b {
		t.Fatal("fingerprintInput not deterministic for identical input")
	}
}
