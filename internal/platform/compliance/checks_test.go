package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/example/syncstream/pkg/aead"
	"github.com/example/syncstream/pkg/edgehub"
	"github.com/example/syncstream/pkg/keychain"
)

func TestActiveKeyCheckFailsWithoutActivation(t *testing.T) {
	master, err := aead.MintKey()
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	kc := keychain.New(master)

	result := ActiveKeyCheck(kc).Run(context.Background())
	if result.Status != StatusFail {
		t.Fatalf("Status = %v, want StatusFail", result.Status)
	}
}

func TestActiveKeyCheckPassesAfterActivation(t *testing.T) {
	master, err := aead.MintKey()
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	kc := keychain.New(master)
	if err := kc.Stage(1, nil, nil); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := kc.Activate(1); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	result := ActiveKeyCheck(kc).Run(context.Background())
	if result.Status != StatusPass {
		t.Fatalf("Status = %v, want StatusPass", result.Status)
	}
}

func TestReplayCacheBoundCheckThresholds(t *testing.T) {
	cases := []struct {
		cap  int
		want Status
	}{
		{0, StatusFail},
		{-1, StatusFail},
		{10, StatusWarn},
		{4096, StatusPass},
	}
	for _, tc := range cases {
		result := ReplayCacheBoundCheck(tc.cap).Run(context.Background())
		if result.Status != tc.want {
			t.Errorf("ReplayCacheBoundCheck(%d) = %v, want %v", tc.cap, result.Status, tc.want)
		}
	}
}

func TestRateGateLivenessCheckWarnsWhenStarved(t *testing.T) {
	master, err := aead.MintKey()
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	kc := keychain.New(master)
	hub, err := edgehub.New(kc, edgehub.Params{
		MaxSkew:   45 * time.Second,
		ReplayCap: 64,
		Burst:     1,
		Refill:    1,
	})
	if err != nil {
		t.Fatalf("edgehub.New: %v", err)
	}

	// Exhaust the probe device's single token before asking the check to run.
	hub.ProbeRateGate()

	result := RateGateLivenessCheck(hub).Run(context.Background())
	if result.Status != StatusWarn {
		t.Fatalf("Status = %v, want StatusWarn", result.Status)
	}
}

func TestRateGateLivenessCheckPassesWhenFresh(t *testing.T) {
	master, err := aead.MintKey()
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	kc := keychain.New(master)
	hub, err := edgehub.New(kc, edgehub.Params{
		MaxSkew:   45 * time.Second,
		ReplayCap: 64,
		Burst:     64,
		Refill:    128,
	})
	if err != nil {
		t.Fatalf("edgehub.New: %v", err)
	}

	result := RateGateLivenessCheck(hub).Run(context.Background())
	if result.Status != StatusPass {
		t.Fatalf("Status = %v, want StatusPass", result.Status)
	}
}
