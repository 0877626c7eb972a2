package edgehub

import "testing"

func TestRateGateFirstHitStartsFull(t *testing.T) {
	g, err := NewRateGate(3, 1)
	if err != nil {
		t.Fatalf("NewRateGate: %v", err)
	}
	now := uint64(1000)
	for i := 0; i < 3; i++ {
		if !g.Hit("dev-1", now) {
			t.Fatalf("Hit #%d = false, want true (bucket starts full)", i+1)
		}
	}
	if g.Hit("dev-1", now) {
		t.Fatal("4th immediate Hit = true, want false (bucket exhausted)")
	}
}

func TestRateGateRefillsOverTime(t *testing.T) {
	g, err := NewRateGate(1, 1) // 1 token per second
	if err != nil {
		t.Fatalf("NewRateGate: %v", err)
	}
	if !g.Hit("dev-1", 0) {
		t.Fatal("first Hit = false, want true")
	}
	if g.Hit("dev-1", 500) {
		t.Fatal("Hit after 500ms = true, want false (not enough refill yet)")
	}
	if !g.Hit("dev-1", 1000) {
		t.Fatal("Hit after 1000ms = false, want true (one token refilled)")
	}
}

func TestRateGateBucketsAreIndependentPerDevice(t *testing.T) {
	g, err := NewRateGate(1, 1)
	if err != nil {
		t.Fatalf("NewRateGate: %v", err)
	}
	if !g.Hit("dev-1", 0) {
		t.Fatal("dev-1 first Hit = false, want true")
	}
	if !g.Hit("dev-2", 0) {
		t.Fatal("dev-2 first Hit = false, want true (independent bucket)")
	}
}

func TestNewRateGateRejectsZeroArgs(t *testing.T) {
	if _, err := NewRateGate(0, 1); err == nil {
		t.Fatal("expected error for zero burst")
	}
	if _, err := NewRateGate(1, 0); err == nil {
		t.Fatal("expected error for zero refill")
	}
}
