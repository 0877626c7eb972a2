package edgehub

import (
	"errors"
	"testing"
	"time"

	"github.com/example/syncstream/pkg/aead"
	"github.com/example/syncstream/pkg/keychain"
	"github.com/example/syncstream/pkg/relay"
)

func newHub(t *testing.T, p Params) (*EdgeHub, *keychain.Keychain) {
	t.Helper()
	master, err := aead.MintKey()
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	kc := keychain.New(master)
	if p.ReplayCap == 0 {
		p.ReplayCap = 64
	}
	if p.MaxSkew == 0 {
		p.MaxSkew = 45 * time.Second
	}
	if p.Burst == 0 {
		p.Burst = 64
	}
	if p.Refill == 0 {
		p.Refill = 128
	}
	hub, err := New(kc, p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return hub, kc
}

func TestSealRejectsCommandNotAllowed(t *testing.T) {
	hub, _ := newHub(t, Params{})
	if err := hub.StageKey(1, nil, nil, true); err != nil {
		t.Fatalf("StageKey: %v", err)
	}

	ctrl := relay.Ctrl{Dev: "cam-01", Cmd: relay.CmdArm, AtMs: uint64(time.Now().UnixMilli())}
	if _, err := hub.Seal(ctrl); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("Seal() with no allowed commands = %v, want ErrNotAllowed", err)
	}
}

func TestSealOpenRoundTripThroughHub(t *testing.T) {
	hub, _ := newHub(t, Params{})
	if err := hub.StageKey(1, nil, nil, true); err != nil {
		t.Fatalf("StageKey: %v", err)
	}
	hub.AllowCmd(relay.CmdArm)

	ctrl := relay.Ctrl{Dev: "cam-01", Cmd: relay.CmdArm, AtMs: uint64(time.Now().UnixMilli()), Body: []byte("4k:60")}
	venv, err := hub.Seal(ctrl)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if venv.KeyVer != 1 {
		t.Fatalf("venv.KeyVer = %d, want 1", venv.KeyVer)
	}

	got, err := hub.Open(venv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Dev != ctrl.Dev || got.Cmd != ctrl.Cmd {
		t.Fatalf("Open() = %+v, want matching %+v", got, ctrl)
	}
}

func TestOldKeyVersionStillOpensAfterRotation(t *testing.T) {
	hub, _ := newHub(t, Params{})
	if err := hub.StageKey(1, nil, nil, true); err != nil {
		t.Fatalf("StageKey(1): %v", err)
	}
	hub.AllowCmd(relay.CmdSync)

	ctrl := relay.Ctrl{Dev: "cam-01", Cmd: relay.CmdSync, AtMs: uint64(time.Now().UnixMilli())}
	venv1, err := hub.Seal(ctrl)
	if err != nil {
		t.Fatalf("Seal under v1: %v", err)
	}

	if err := hub.StageKey(2, []byte("salt-v2"), nil, true); err != nil {
		t.Fatalf("StageKey(2): %v", err)
	}
	venv2, err := hub.Seal(ctrl)
	if err != nil {
		t.Fatalf("Seal under v2: %v", err)
	}
	if venv2.KeyVer != 2 {
		t.Fatalf("venv2.KeyVer = %d, want 2", venv2.KeyVer)
	}

	if _, err := hub.Open(venv1); err != nil {
		t.Fatalf("Open(venv1) after rotation = %v, want nil (old version retained)", err)
	}
	if _, err := hub.Open(venv2); err != nil {
		t.Fatalf("Open(venv2): %v", err)
	}
}

func TestShouldRotateAfterSealThreshold(t *testing.T) {
	hub, _ := newHub(t, Params{RotationMaxSeals: 2})
	if err := hub.StageKey(1, nil, nil, true); err != nil {
		t.Fatalf("StageKey: %v", err)
	}
	hub.AllowCmd(relay.CmdPing)

	if hub.ShouldRotate() {
		t.Fatal("ShouldRotate() true before any seals")
	}

	ctrl := relay.Ctrl{Dev: "cam-01", Cmd: relay.CmdPing, AtMs: uint64(time.Now().UnixMilli())}
	for i := 0; i < 2; i++ {
		if _, err := hub.Seal(ctrl); err != nil {
			t.Fatalf("Seal: %v", err)
		}
	}

	if !hub.ShouldRotate() {
		t.Fatal("ShouldRotate() false after reaching RotationMaxSeals")
	}
}

func TestRateGateBlocksSecondHitWithBurstOne(t *testing.T) {
	hub, _ := newHub(t, Params{Burst: 1, Refill: 1})
	if err := hub.StageKey(1, nil, nil, true); err != nil {
		t.Fatalf("StageKey: %v", err)
	}
	hub.AllowCmd(relay.CmdPing)

	now := uint64(time.Now().UnixMilli())
	ctrl := relay.Ctrl{Dev: "cam-01", Cmd: relay.CmdPing, AtMs: now}

	if _, err := hub.Seal(ctrl); err != nil {
		t.Fatalf("first Seal: %v", err)
	}
	if _, err := hub.Seal(ctrl); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second immediate Seal = %v, want ErrRateLimited", err)
	}
}

func TestOpenRejectsDisallowedCommandAfterDecrypt(t *testing.T) {
	hub, _ := newHub(t, Params{})
	if err := hub.StageKey(1, nil, nil, true); err != nil {
		t.Fatalf("StageKey: %v", err)
	}
	hub.AllowCmd(relay.CmdArm)

	ctrl := relay.Ctrl{Dev: "cam-01", Cmd: relay.CmdArm, AtMs: uint64(time.Now().UnixMilli())}
	venv, err := hub.Seal(ctrl)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// A second, independent hub with a disjoint allow-set can still decrypt
	// (same key) but must reject the decoded command on policy grounds.
	restrictive, _ := newHub(t, Params{})
	// Share the sender's Keychain so the restrictive hub builds its core from
	// the same version-1 subkey.
	restrictive.kc = hub.kc
	if _, err := restrictive.Open(venv); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("Open() on disallowed command = %v, want ErrNotAllowed", err)
	}
}

func TestNewRejectsInvalidReplayCap(t *testing.T) {
	master, err := aead.MintKey()
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	kc := keychain.New(master)
	if _, err := New(kc, Params{ReplayCap: 0, Burst: 1, Refill: 1}); err == nil {
		t.Fatal("expected error for ReplayCap <= 0")
	}
}

func TestNewRejectsZeroBurstOrRefill(t *testing.T) {
	master, err := aead.MintKey()
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	kc := keychain.New(master)
	if _, err := New(kc, Params{ReplayCap: 16, Burst: 0, Refill: 1}); err == nil {
		t.Fatal("expected error for zero Burst")
	}
	if _, err := New(kc, Params{ReplayCap: 16, Burst: 1, Refill: 0}); err == nil {
		t.Fatal("expected error for zero Refill")
	}
}
