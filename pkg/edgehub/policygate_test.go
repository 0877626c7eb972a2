package edgehub

import (
	"testing"

	"github.com/example/syncstream/pkg/relay"
)

func TestPolicyGateDefaultDeny(t *testing.T) {
	g := NewPolicyGate()
	if g.Can(relay.CmdPing) {
		t.Fatal("Can() on fresh PolicyGate = true, want false (default-deny)")
	}
}

func TestPolicyGateAllowGrantsOnlyThatCommand(t *testing.T) {
	g := NewPolicyGate()
	g.Allow(relay.CmdSync)

	if !g.Can(relay.CmdSync) {
		t.Fatal("Can(CmdSync) = false after Allow(CmdSync), want true")
	}
	if g.Can(relay.CmdArm) {
		t.Fatal("Can(CmdArm) = true, want false (never allowed)")
	}
}
