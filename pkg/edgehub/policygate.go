package edgehub

import (
	"sync"

	"github.com/example/syncstream/pkg/relay"
)

// PolicyGate is a default-deny allow-set of commands.
type PolicyGate struct {
	mu      sync.Mutex
	allowed map[relay.Cmd]struct{}
}

// NewPolicyGate constructs an empty, default-deny PolicyGate.
func NewPolicyGate() *PolicyGate {
	return &PolicyGate{allowed: make(map[relay.Cmd]struct{})}
}

// Allow adds cmd to the allow-set.
func (g *PolicyGate) Allow(cmd relay.Cmd) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[cmd] = struct{}{}
}

// Can reports whether cmd is in the allow-set.
func (g *PolicyGate) Can(cmd relay.Cmd) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.allowed[cmd]
	return ok
}
