package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/syncstream/internal/platform/compliance"
	"github.com/example/syncstream/internal/platform/metrics"
	"github.com/example/syncstream/internal/platform/policy"
	"github.com/example/syncstream/internal/platform/tracing"
	"github.com/example/syncstream/pkg/edgehub"
	"github.com/example/syncstream/pkg/hexutil"
	"github.com/example/syncstream/pkg/keychain"
	"github.com/example/syncstream/pkg/relay"
)

// HubConfig wires runtime parameters for the hub server.
type HubConfig struct {
	Address string
	Logger  *zap.Logger

	Hub         *edgehub.EdgeHub
	Keychain    *keychain.Keychain
	ReplayCap   int
	Instruments *metrics.Instruments
	Checker     *compliance.Checker

	// Compliance is an optional enrichment consulted after a successful
	// Seal: it can attach obligations but never overrides PolicyGate, which
	// edgehub.EdgeHub.Seal already applied before Compliance ever sees the
	// request.
	Compliance *policy.ComplianceEngine
}

// HubServer hosts the HTTP interface a device speaks to: seal and open
// over a single shared EdgeHub.
type HubServer struct {
	cfg     HubConfig
	logger  *zap.Logger
	httpSrv *http.Server
}

// NewHubServer constructs the hub and prepares HTTP handlers.
func NewHubServer(cfg HubConfig) (*HubServer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Address == "" {
		cfg.Address = ":8443"
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub: EdgeHub is required")
	}

	h := &HubServer{cfg: cfg, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/compliance", h.handleCompliance)
	mux.HandleFunc("/seal", h.handleSeal)
	mux.HandleFunc("/open", h.handleOpen)

	h.httpSrv = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return h, nil
}

// Start begins serving HTTP endpoints.
func (h *HubServer) Start() error {
	return h.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (h *HubServer) Stop(ctx context.Context) error {
	return h.httpSrv.Shutdown(ctx)
}

func (h *HubServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *HubServer) handleCompliance(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Checker == nil {
		writeJSON(w, map[string]string{"status": "no checks registered"}, http.StatusOK)
		return
	}
	summary := h.cfg.Checker.Evaluate(r.Context())
	status := http.StatusOK
	if !summary.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, summary, status)
}

type sealRequest struct {
	Dev    string `json:"dev"`
	Cmd    uint8  `json:"cmd"`
	AtMs   uint64 `json:"at_ms"`
	BodyHex string `json:"body_hex"`
}

type versionedEnvWire struct {
	KeyVer uint32 `json:"key_ver"`
	Seq    uint64 `json:"seq"`
	AtMs   uint64 `json:"at_ms"`
	Nonce  string `json:"nonce_hex"`
	Body   string `json:"body_hex"`
	Tag    string `json:"tag_hex"`
}

func (h *HubServer) handleSeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	body, err := hexutil.From(req.BodyHex)
	if err != nil {
		http.Error(w, "invalid body_hex: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AtMs == 0 {
		req.AtMs = uint64(time.Now().UnixMilli())
	}

	ctx, span := tracing.Tracer("hub").Start(r.Context(), "edgehub.seal")
	defer span.End()

	venv, err := h.cfg.Hub.Seal(relay.Ctrl{Dev: req.Dev, Cmd: relay.Cmd(req.Cmd), AtMs: req.AtMs, Body: body})
	if err != nil {
		h.countSealError(ctx, err)
		h.logger.Warn("seal rejected", zap.String("dev", req.Dev), zap.Error(err))
		http.Error(w, "seal failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("sealed control message",
		zap.String("dev", req.Dev),
		zap.Uint32("key_ver", venv.KeyVer),
		zap.Uint64("seq", venv.Env.Seq),
	)

	if h.cfg.Compliance != nil {
		decision, err := h.cfg.Compliance.EvaluateCommand(ctx, policy.CommandRequest{
			Device: req.Dev,
			Cmd:    req.Cmd,
			KeyVer: venv.KeyVer,
			AtMs:   req.AtMs,
		})
		if err != nil {
			h.logger.Warn("compliance evaluation failed", zap.String("dev", req.Dev), zap.Error(err))
		} else if !decision.Allow {
			h.logger.Warn("compliance obligation unmet after seal",
				zap.String("dev", req.Dev),
				zap.Strings("obligations", decision.Obligations),
			)
		}
	}

	writeJSON(w, toWire(venv), http.StatusOK)
}

func (h *HubServer) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var wire versionedEnvWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	venv, err := fromWire(wire)
	if err != nil {
		http.Error(w, "invalid envelope: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := tracing.Tracer("hub").Start(r.Context(), "edgehub.open")
	defer span.End()

	ctrl, err := h.cfg.Hub.Open(venv)
	if err != nil {
		h.countOpenError(ctx, err)
		if errors.Is(err, relay.ErrReplay) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Warn("open rejected", zap.Uint64("seq", venv.Env.Seq), zap.Error(err))
		http.Error(w, "open failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("opened control message",
		zap.String("dev", ctrl.Dev),
		zap.Uint64("seq", venv.Env.Seq),
		zap.Uint8("cmd", uint8(ctrl.Cmd)),
	)
	writeJSON(w, ctrl, http.StatusOK)
}

func (h *HubServer) countSealError(ctx context.Context, err error) {
	if h.cfg.Instruments == nil {
		return
	}
	switch {
	case errors.Is(err, edgehub.ErrNotAllowed):
		metrics.Count(ctx, h.cfg.Instruments.PolicyDenied)
	case errors.Is(err, edgehub.ErrRateLimited):
		metrics.Count(ctx, h.cfg.Instruments.RateLimited)
	}
}

func (h *HubServer) countOpenError(ctx context.Context, err error) {
	if h.cfg.Instruments == nil {
		return
	}
	switch {
	case errors.Is(err, relay.ErrReplay):
		metrics.Count(ctx, h.cfg.Instruments.ReplayRejected)
	case errors.Is(err, relay.ErrSkew):
		metrics.Count(ctx, h.cfg.Instruments.SkewRejected)
	case errors.Is(err, edgehub.ErrNotAllowed):
		metrics.Count(ctx, h.cfg.Instruments.PolicyDenied)
	case errors.Is(err, edgehub.ErrRateLimited):
		metrics.Count(ctx, h.cfg.Instruments.RateLimited)
	}
}

func toWire(venv edgehub.VersionedEnv) versionedEnvWire {
	return versionedEnvWire{
		KeyVer: venv.KeyVer,
		Seq:    venv.Env.Seq,
		AtMs:   venv.Env.AtMs,
		Nonce:  hexutil.Of(venv.Env.Pkt.Nonce[:]),
		Body:   hexutil.Of(venv.Env.Pkt.Body),
		Tag:    hexutil.Of(venv.Env.Pkt.Tag[:]),
	}
}

func fromWire(w versionedEnvWire) (edgehub.VersionedEnv, error) {
	nonce, err := hexutil.From(w.Nonce)
	if err != nil || len(nonce) != 12 {
		return edgehub.VersionedEnv{}, errors.New("nonce_hex must decode to 12 bytes")
	}
	tag, err := hexutil.From(w.Tag)
	if err != nil || len(tag) != 16 {
		return edgehub.VersionedEnv{}, errors.New("tag_hex must decode to 16 bytes")
	}
	body, err := hexutil.From(w.Body)
	if err != nil {
		return edgehub.VersionedEnv{}, err
	}

	venv := edgehub.VersionedEnv{
		KeyVer: w.KeyVer,
		Env: relay.Env{
			Seq:  w.Seq,
			AtMs: w.AtMs,
		},
	}
	copy(venv.Env.Pkt.Nonce[:], nonce)
	copy(venv.Env.Pkt.Tag[:], tag)
	venv.Env.Pkt.Body = body
	return venv, nil
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
