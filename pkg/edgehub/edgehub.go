// Package edgehub composes a Keychain, a RelayCore per key version, and the
// rate/policy gates into the single entry point a mobile-to-hub deployment
// actually calls: seal on the sender, open on the receiver.
package edgehub

import (
	"errors"
	"sync"
	"time"

	"github.com/example/syncstream/pkg/aead"
	"github.com/example/syncstream/pkg/audit"
	"github.com/example/syncstream/pkg/keychain"
	"github.com/example/syncstream/pkg/relay"
)

// Sentinel errors raised by EdgeHub itself. ErrConfig is declared in
// rategate.go; Keychain and RelayCore errors (keychain.ErrNoActiveKey,
// relay.ErrReplay, ...) are returned as-is and are not re-exported here.
var (
	ErrNotAllowed = errors.New("edgehub: command not in policy allow-set")
	ErrRateLimited = errors.New("edgehub: device rate limit exceeded")
)

// VersionedEnv is an Env tagged with the key version it was sealed under.
type VersionedEnv struct {
	KeyVer uint32
	Env    relay.Env
}

// Params bundles the construction-time parameters validated by New.
//
// RotationMaxSeals and RotationMaxAge drive the non-forcing rotation
// advisor only; leaving either at zero disables that trigger.
type Params struct {
	MaxSkew   time.Duration
	ReplayCap int
	Burst     float64
	Refill    float64

	RotationMaxSeals uint64
	RotationMaxAge   time.Duration
}

// EdgeHub is the composition root: one Keychain, one RelayCore per staged
// key version, one PolicyGate, one RateGate. A single lock protects the
// version-to-core map; RelayCores are constructed under that lock and
// reused thereafter.
type EdgeHub struct {
	kc       *keychain.Keychain
	policy   *PolicyGate
	rate     *RateGate
	params   Params

	mu    sync.Mutex
	cores map[uint32]*relay.RelayCore

	rotation rotationAdvisor
	audit    *audit.Log
}

// SetAudit attaches an audit log that records every Seal/Open decision.
// Wiring a log is optional; a nil EdgeHub.audit records nothing.
func (h *EdgeHub) SetAudit(log *audit.Log) {
	h.audit = log
}

// New validates params and constructs an EdgeHub over kc. It returns
// ErrConfig if replayCap is non-positive or burst or refill is zero.
func New(kc *keychain.Keychain, params Params) (*EdgeHub, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	rate, err := NewRateGate(params.Burst, params.Refill)
	if err != nil {
		return nil, err
	}
	h := &EdgeHub{
		kc:     kc,
		policy: NewPolicyGate(),
		rate:   rate,
		params: params,
		cores:  make(map[uint32]*relay.RelayCore),
	}
	h.rotation.maxSeals = params.RotationMaxSeals
	h.rotation.maxAge = params.RotationMaxAge
	return h, nil
}

// StageKey delegates to the Keychain and, if activateNow, activates ver.
func (h *EdgeHub) StageKey(ver uint32, salt, info []byte, activateNow bool) error {
	if err := h.kc.Stage(ver, salt, info); err != nil {
		return err
	}
	if activateNow {
		if err := h.kc.Activate(ver); err != nil {
			return err
		}
		h.rotation.noteActivation(ver)
	}
	return nil
}

// ProbeRateGate reports whether the rate gate still grants tokens to a
// reserved synthetic device identifier. It is a liveness signal for
// compliance checks, not a correctness guarantee about any real device's
// bucket.
func (h *EdgeHub) ProbeRateGate() bool {
	return h.rate.Hit("__compliance_probe__", nowMs())
}

// AllowCmd adds cmd to the policy allow-set.
func (h *EdgeHub) AllowCmd(cmd relay.Cmd) {
	h.policy.Allow(cmd)
}

// ShouldRotate reports whether the rotation advisor recommends staging and
// activating a fresh key version. It never forces rotation; the caller
// decides whether and when to act on the recommendation.
func (h *EdgeHub) ShouldRotate() bool {
	return h.rotation.shouldRotate()
}

// Seal applies policy and rate checks to ctrl, resolves the active key
// version, seals through that version's RelayCore, and returns the
// resulting VersionedEnv.
func (h *EdgeHub) Seal(ctrl relay.Ctrl) (VersionedEnv, error) {
	if !h.policy.Can(ctrl.Cmd) {
		h.record(ctrl.Dev, ctrl.Cmd, 0, 0, audit.OutcomeRejected, "not_allowed")
		return VersionedEnv{}, ErrNotAllowed
	}
	if !h.rate.Hit(ctrl.Dev, nowMs()) {
		h.record(ctrl.Dev, ctrl.Cmd, 0, 0, audit.OutcomeRejected, "rate_limited")
		return VersionedEnv{}, ErrRateLimited
	}

	ver, err := h.kc.Active()
	if err != nil {
		h.record(ctrl.Dev, ctrl.Cmd, 0, 0, audit.OutcomeRejected, "no_active_key")
		return VersionedEnv{}, err
	}

	core, err := h.coreFor(ver)
	if err != nil {
		h.record(ctrl.Dev, ctrl.Cmd, 0, ver, audit.OutcomeRejected, "core_unavailable")
		return VersionedEnv{}, err
	}

	env, err := core.SealCtrl(ctrl)
	if err != nil {
		h.record(ctrl.Dev, ctrl.Cmd, 0, ver, audit.OutcomeRejected, "seal_failed")
		return VersionedEnv{}, err
	}
	h.rotation.noteSeal()
	h.record(ctrl.Dev, ctrl.Cmd, env.Seq, ver, audit.OutcomeSealed, "")

	return VersionedEnv{KeyVer: ver, Env: env}, nil
}

func (h *EdgeHub) record(dev string, cmd relay.Cmd, seq uint64, keyVer uint32, outcome audit.Outcome, reason string) {
	if h.audit == nil {
		return
	}
	_, _ = h.audit.Append(dev, cmd, seq, keyVer, outcome, reason)
}

// Open resolves the RelayCore for venv's key version, decrypts, and only
// then applies policy and rate checks against the opened Ctrl's dev/cmd.
// Decryption happens before rate accounting so a forged or stale envelope
// never consumes tokens for a spoofed device.
func (h *EdgeHub) Open(venv VersionedEnv) (relay.Ctrl, error) {
	core, err := h.coreFor(venv.KeyVer)
	if err != nil {
		h.record("", 0, venv.Env.Seq, venv.KeyVer, audit.OutcomeRejected, "core_unavailable")
		return relay.Ctrl{}, err
	}

	ctrl, err := core.OpenCtrl(venv.Env)
	if err != nil {
		h.record("", 0, venv.Env.Seq, venv.KeyVer, audit.OutcomeRejected, "open_failed")
		return relay.Ctrl{}, err
	}

	if !h.policy.Can(ctrl.Cmd) {
		h.record(ctrl.Dev, ctrl.Cmd, venv.Env.Seq, venv.KeyVer, audit.OutcomeRejected, "not_allowed")
		return relay.Ctrl{}, ErrNotAllowed
	}
	if !h.rate.Hit(ctrl.Dev, nowMs()) {
		h.record(ctrl.Dev, ctrl.Cmd, venv.Env.Seq, venv.KeyVer, audit.OutcomeRejected, "rate_limited")
		return relay.Ctrl{}, ErrRateLimited
	}

	h.record(ctrl.Dev, ctrl.Cmd, venv.Env.Seq, venv.KeyVer, audit.OutcomeOpened, "")
	return ctrl, nil
}

// coreFor returns the RelayCore for ver, lazily constructing it under the
// hub's lock on first use.
func (h *EdgeHub) coreFor(ver uint32) (*relay.RelayCore, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if core, ok := h.cores[ver]; ok {
		return core, nil
	}

	key, err := h.kc.Take(ver)
	if err != nil {
		return nil, err
	}
	cipher, err := aead.New(key)
	if err != nil {
		return nil, err
	}
	core := relay.New(cipher, h.params.MaxSkew, h.params.ReplayCap)
	h.cores[ver] = core
	return core, nil
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
