// Command hub runs the relay/hub side of a syncstream deployment: an
// EdgeHub exposed over HTTP for a device to seal and open control
// messages against.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/syncstream/internal/platform/compliance"
	"github.com/example/syncstream/internal/platform/logging"
	"github.com/example/syncstream/internal/platform/metrics"
	"github.com/example/syncstream/internal/platform/policy"
	"github.com/example/syncstream/internal/platform/secrets"
	"github.com/example/syncstream/internal/platform/tracing"
	"github.com/example/syncstream/pkg/aead"
	"github.com/example/syncstream/pkg/edgehub"
	"github.com/example/syncstream/pkg/hexutil"
	"github.com/example/syncstream/pkg/keychain"
	"github.com/example/syncstream/pkg/relay"
)

// defaultComplianceModule allows every command by default; operators
// replace it with a rego file tailored to their fleet via -rego-module.
const defaultComplianceModule = `
package syncstream.authz

default allow = true
`

func main() {
	var (
		addr       = flag.String("addr", ":8443", "HTTP listen address")
		masterHex  = flag.String("master-hex", "", "hex-encoded 32-byte master secret (mints one if empty)")
		vaultAddr  = flag.String("vault-addr", "", "Vault address; when set, master secret is read from Vault instead of -master-hex")
		vaultPath  = flag.String("vault-path", "syncstream/master", "Vault KV v2 path holding the master secret")
		keyVer     = flag.Uint("key-ver", 1, "initial key version to stage and activate")
		maxSkewSec = flag.Uint("max-skew", 45, "permitted clock skew in seconds")
		replayCap  = flag.Int("replay-cap", 4096, "replay cache capacity")
		burst      = flag.Float64("burst", 64, "rate gate token bucket capacity")
		refill     = flag.Float64("refill", 128, "rate gate refill tokens per second")
		allow      = flag.String("allow", "sync,ping", "comma-separated allowed commands: arm,disarm,sync,ping")
		otlpAddr   = flag.String("otlp-addr", "", "OTLP gRPC collector address; telemetry disabled when empty")
		regoModule = flag.String("rego-module", "", "path to a rego module evaluated as a post-seal compliance enrichment; built-in allow-all module used when empty")
		regoQuery  = flag.String("rego-query", "data.syncstream.authz.allow", "rego query evaluated against each sealed command")
	)
	flag.Parse()

	logger, cleanup, err := logging.Global(logging.Config{
		ServiceName: "hub",
		Environment: "dev",
		Level:       "info",
	})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = cleanup(ctx)
	}()

	ctx := context.Background()

	var instruments *metrics.Instruments
	if *otlpAddr != "" {
		if _, err := metrics.New(ctx, metrics.Config{Endpoint: *otlpAddr, Insecure: true, ServiceName: "hub"}); err != nil {
			logger.Warn("metrics pipeline disabled", zap.Error(err))
		} else if instruments, err = metrics.NewInstruments("syncstream/hub"); err != nil {
			logger.Warn("metrics instruments disabled", zap.Error(err))
		}
		if _, err := tracing.New(ctx, tracing.Config{Endpoint: *otlpAddr, Insecure: true, ServiceName: "hub"}); err != nil {
			logger.Warn("tracing pipeline disabled", zap.Error(err))
		}
	}

	master, err := resolveMaster(ctx, *masterHex, *vaultAddr, *vaultPath)
	if err != nil {
		logger.Fatal("resolve master secret", zap.Error(err))
	}

	kc := keychain.New(master)
	hub, err := edgehub.New(kc, edgehub.Params{
		MaxSkew:   time.Duration(*maxSkewSec) * time.Second,
		ReplayCap: *replayCap,
		Burst:     *burst,
		Refill:    *refill,
	})
	if err != nil {
		logger.Fatal("edgehub init", zap.Error(err))
	}
	if err := hub.StageKey(uint32(*keyVer), nil, nil, true); err != nil {
		logger.Fatal("stage initial key", zap.Error(err))
	}
	for _, cmd := range parseAllowList(*allow) {
		hub.AllowCmd(cmd)
	}

	checker := compliance.NewChecker(
		compliance.ActiveKeyCheck(kc),
		compliance.ReplayCacheBoundCheck(*replayCap),
		compliance.RateGateLivenessCheck(hub),
	)

	complianceEngine, err := loadComplianceEngine(ctx, *regoModule, *regoQuery)
	if err != nil {
		logger.Warn("compliance engine disabled", zap.Error(err))
	}

	srv, err := NewHubServer(HubConfig{
		Address:     *addr,
		Logger:      logger,
		Hub:         hub,
		Keychain:    kc,
		ReplayCap:   *replayCap,
		Instruments: instruments,
		Checker:     checker,
		Compliance:  complianceEngine,
	})
	if err != nil {
		logger.Fatal("init hub server", zap.Error(err))
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("hub listening", zap.String("addr", *addr), zap.Uint("key_ver", *keyVer))

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("hub stopped")
}

// loadComplianceEngine compiles the post-seal compliance policy: the
// operator's rego module when -rego-module points to a file, the
// permissive built-in module otherwise.
func loadComplianceEngine(ctx context.Context, modulePath, query string) (*policy.ComplianceEngine, error) {
	source := defaultComplianceModule
	if modulePath != "" {
		raw, err := os.ReadFile(modulePath)
		if err != nil {
			return nil, err
		}
		source = string(raw)
	}
	return policy.New(ctx, policy.Config{
		Query:   query,
		Modules: map[string]string{"authz.rego": source},
	})
}

func resolveMaster(ctx context.Context, masterHex, vaultAddr, vaultPath string) ([aead.KeySize]byte, error) {
	var out [aead.KeySize]byte
	if vaultAddr != "" {
		prov, err := secrets.New(secrets.Config{Address: vaultAddr})
		if err != nil {
			return out, err
		}
		return prov.MasterSecret(ctx, vaultPath)
	}
	if masterHex != "" {
		raw, err := hexutil.From(masterHex)
		if err != nil {
			return out, err
		}
		if len(raw) != aead.KeySize {
			return out, fmt.Errorf("master-hex must decode to %d bytes, got %d", aead.KeySize, len(raw))
		}
		copy(out[:], raw)
		return out, nil
	}
	return aead.MintKey()
}

func parseAllowList(csv string) []relay.Cmd {
	names := map[string]relay.Cmd{
		"arm":    relay.CmdArm,
		"disarm": relay.CmdDisarm,
		"sync":   relay.CmdSync,
		"ping":   relay.CmdPing,
	}
	var out []relay.Cmd
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if tok := csv[start:i]; tok != "" {
				if cmd, ok := names[tok]; ok {
					out = append(out, cmd)
				}
			}
			start = i + 1
		}
	}
	return out
}
