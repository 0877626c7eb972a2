package edgehub

import (
	"sync"
	"time"
)

// rotationAdvisor tracks seal volume and key age since the last activation
// and recommends — but never forces — rotation. The EdgeHub core never
// calls StageKey/Activate on its own behalf; ShouldRotate is purely
// advisory and the caller decides whether to act on it.
type rotationAdvisor struct {
	mu sync.Mutex

	maxSeals uint64
	maxAge   time.Duration

	activated     bool
	lastActivated time.Time
	sealsSince    uint64
}

func (r *rotationAdvisor) noteActivation(ver uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated = true
	r.lastActivated = time.Now()
	r.sealsSince = 0
}

func (r *rotationAdvisor) noteSeal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealsSince++
}

func (r *rotationAdvisor) shouldRotate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.activated {
		return false
	}
	if r.maxSeals > 0 && r.sealsSince >= r.maxSeals {
		return true
	}
	if r.maxAge > 0 && time.Since(r.lastActivated) >= r.maxAge {
		return true
	}
	return false
}
