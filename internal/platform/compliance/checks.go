package compliance

import (
	"context"
	"time"

	"github.com/example/syncstream/internal/platform/secrets"
	"github.com/example/syncstream/pkg/edgehub"
	"github.com/example/syncstream/pkg/keychain"
)

// ActiveKeyCheck reports FAIL when the Keychain has no active key version,
// since EdgeHub.Seal cannot succeed in that state.
func ActiveKeyCheck(kc *keychain.Keychain) Check {
	return CheckFunc(func(ctx context.Context) Result {
		ver, err := kc.Active()
		if err != nil {
			return Result{
				Name:    "keychain.active_key",
				Status:  StatusFail,
				Details: "no active key version staged",
				Error:   err,
			}
		}
		return Result{
			Name:   "keychain.active_key",
			Status: StatusPass,
			Evidence: []Evidence{
				{Key: "active_ver", Value: fmtUint(ver), Timestamp: time.Now()},
			},
		}
	})
}

// VaultReachableCheck reports FAIL when the configured Vault path cannot be
// read, which would block key provisioning at startup or rotation.
func VaultReachableCheck(prov *secrets.Provisioner, basePath string) Check {
	return CheckFunc(func(ctx context.Context) Result {
		if _, err := prov.GetKV(ctx, basePath); err != nil {
			return Result{
				Name:    "vault.reachable",
				Status:  StatusFail,
				Details: "vault KV path unreadable: " + basePath,
				Error:   err,
			}
		}
		return Result{Name: "vault.reachable", Status: StatusPass}
	})
}

// ReplayCacheBoundCheck reports WARN when the configured replay capacity is
// implausibly small for sustained traffic, and FAIL when it is non-positive
// (a construction-time invariant that should never actually reach here).
func ReplayCacheBoundCheck(replayCap int) Check {
	return CheckFunc(func(ctx context.Context) Result {
		switch {
		case replayCap <= 0:
			return Result{Name: "relay.replay_cap", Status: StatusFail, Details: "replay_cap must be > 0"}
		case replayCap < 64:
			return Result{Name: "relay.replay_cap", Status: StatusWarn, Details: "replay_cap unusually small, raises collision risk under burst traffic"}
		default:
			return Result{Name: "relay.replay_cap", Status: StatusPass}
		}
	})
}

// RateGateLivenessCheck reports WARN when the hub's rate gate no longer
// grants its synthetic probe device a token, which would indicate every
// legitimate device is also starved.
func RateGateLivenessCheck(hub *edgehub.EdgeHub) Check {
	return CheckFunc(func(ctx context.Context) Result {
		if !hub.ProbeRateGate() {
			return Result{
				Name:    "edgehub.rate_gate_liveness",
				Status:  StatusWarn,
				Details: "rate gate probe starved; refill rate may be too low for current load",
			}
		}
		return Result{Name: "edgehub.rate_gate_liveness", Status: StatusPass}
	})
}

func fmtUint(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := [10]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
