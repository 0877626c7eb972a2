// Command device plays the mobile side of a syncstream deployment: it
// seals a single control message locally and posts it to a hub's /open
// endpoint, the mirror of the original phone-to-relay demo.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/example/syncstream/internal/platform/logging"
	"github.com/example/syncstream/pkg/aead"
	"github.com/example/syncstream/pkg/edgehub"
	"github.com/example/syncstream/pkg/hexutil"
	"github.com/example/syncstream/pkg/keychain"
	"github.com/example/syncstream/pkg/relay"
)

type versionedEnvWire struct {
	KeyVer  uint32 `json:"key_ver"`
	Seq     uint64 `json:"seq"`
	AtMs    uint64 `json:"at_ms"`
	Nonce   string `json:"nonce_hex"`
	Body    string `json:"body_hex"`
	Tag     string `json:"tag_hex"`
}

func main() {
	var (
		hubURL    = flag.String("hub", "http://localhost:8443", "hub base URL")
		masterHex = flag.String("master-hex", "", "hex-encoded 32-byte master secret, shared out of band with the hub")
		keyVer    = flag.Uint("key-ver", 1, "key version staged on the hub")
		dev       = flag.String("dev", "pixel-7", "device identifier")
		cmdName   = flag.String("cmd", "sync", "command: arm|disarm|sync|ping")
		body      = flag.String("body", "4k:60", "control message body")
		maxSkewSec = flag.Uint("max-skew", 45, "permitted clock skew in seconds, must match the hub")
		replayCap = flag.Int("replay-cap", 4096, "replay cache capacity, must match the hub")
	)
	flag.Parse()

	logger, cleanup, err := logging.Global(logging.Config{
		ServiceName: "device",
		Environment: "dev",
		Level:       "info",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = cleanup(ctx)
	}()

	if *masterHex == "" {
		logger.Fatal("master-hex is required; it must match the hub's master secret")
	}
	rawMaster, err := hexutil.From(*masterHex)
	if err != nil || len(rawMaster) != aead.KeySize {
		logger.Fatal("master-hex must decode to 32 bytes")
	}
	var master [aead.KeySize]byte
	copy(master[:], rawMaster)

	cmd, ok := parseCmd(*cmdName)
	if !ok {
		logger.Fatal("unknown command", zap.String("cmd", *cmdName))
	}

	kc := keychain.New(master)
	hub, err := edgehub.New(kc, edgehub.Params{
		MaxSkew:   time.Duration(*maxSkewSec) * time.Second,
		ReplayCap: *replayCap,
		Burst:     64,
		Refill:    128,
	})
	if err != nil {
		logger.Fatal("edgehub init", zap.Error(err))
	}
	if err := hub.StageKey(uint32(*keyVer), nil, nil, true); err != nil {
		logger.Fatal("stage key", zap.Error(err))
	}
	hub.AllowCmd(cmd)

	ctrl := relay.Ctrl{
		Dev:  *dev,
		Cmd:  cmd,
		AtMs: uint64(time.Now().UnixMilli()),
		Body: []byte(*body),
	}

	venv, err := hub.Seal(ctrl)
	if err != nil {
		logger.Fatal("seal", zap.Error(err))
	}
	logger.Info("sealed control message", zap.Uint32("key_ver", venv.KeyVer), zap.Uint64("seq", venv.Env.Seq))

	client := &http.Client{Timeout: 10 * time.Second}
	result, err := postOpen(client, *hubURL, venv)
	if err != nil {
		logger.Fatal("post to hub", zap.Error(err))
	}

	fmt.Printf("Hub accepted: %s\n", string(result))
}

func parseCmd(name string) (relay.Cmd, bool) {
	switch name {
	case "arm":
		return relay.CmdArm, true
	case "disarm":
		return relay.CmdDisarm, true
	case "sync":
		return relay.CmdSync, true
	case "ping":
		return relay.CmdPing, true
	default:
		return 0, false
	}
}

func postOpen(client *http.Client, baseURL string, venv edgehub.VersionedEnv) ([]byte, error) {
	wire := versionedEnvWire{
		KeyVer: venv.KeyVer,
		Seq:    venv.Env.Seq,
		AtMs:   venv.Env.AtMs,
		Nonce:  hexutil.Of(venv.Env.Pkt.Nonce[:]),
		Body:   hexutil.Of(venv.Env.Pkt.Body),
		Tag:    hexutil.Of(venv.Env.Pkt.Tag[:]),
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(wire); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+"/open", buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub status %d: %s", resp.StatusCode, string(result))
	}
	return result, nil
}
