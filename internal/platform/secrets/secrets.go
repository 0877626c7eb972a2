// Package secrets provisions syncstream key material from Vault: the
// Keychain master secret and the per-version (salt, info) pairs staged
// into it, all stored as KV v2 secrets.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/example/syncstream/pkg/hexutil"
)

// Config controls Vault client behaviour.
type Config struct {
	Address           string
	Token             string
	TokenFile         string
	Namespace         string
	MountPath         string
	DefaultTTL        time.Duration
	LeaseSafetyBuffer time.Duration
}

// Provisioner caches KV reads and coordinates lease renewals for the key
// material an EdgeHub needs at startup and during rotation.
type Provisioner struct {
	client            *vault.Client
	mount             string
	defaultTTL        time.Duration
	leaseSafetyBuffer time.Duration

	cache map[string]cacheEntry
	mu    sync.RWMutex
}

type cacheEntry struct {
	value  map[string]string
	expiry time.Time
}

// New initialises the Vault client with caching semantics.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Address == "" {
		return nil, errors.New("secrets: vault address required")
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}

	token := cfg.Token
	if token == "" && cfg.TokenFile != "" {
		b, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("secrets: read token file: %w", err)
		}
		token = string(b)
	}
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, errors.New("secrets: vault token unavailable")
	}

	client, err := vault.NewClient(&vault.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("secrets: create client: %w", err)
	}
	client.SetToken(token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	leaseBuffer := cfg.LeaseSafetyBuffer
	if leaseBuffer <= 0 {
		leaseBuffer = 15 * time.Second
	}

	return &Provisioner{
		client:            client,
		mount:             cfg.MountPath,
		defaultTTL:        defaultTTL,
		leaseSafetyBuffer: leaseBuffer,
		cache:             make(map[string]cacheEntry),
	}, nil
}

// GetKV retrieves KV v2 secret material, caching the result until TTL
// expires.
func (p *Provisioner) GetKV(ctx context.Context, path string) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("secrets: provisioner is nil")
	}
	if cached, ok := p.cached(path); ok {
		return cached, nil
	}
	secret, err := p.client.KVv2(p.mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("secrets: kv get %q: %w", path, err)
	}

	payload := map[string]string{}
	for k, v := range secret.Data {
		if str, ok := v.(string); ok {
			payload[k] = str
		}
	}

	ttl := p.defaultTTL
	if secret.CustomMetadata != nil {
		if rawTTL, ok := secret.CustomMetadata["ttl"]; ok {
			if ttlStr, ok := rawTTL.(string); ok {
				if parsed, err := time.ParseDuration(ttlStr); err == nil {
					ttl = parsed
				}
			}
		}
	}
	p.store(path, payload, ttl)
	return payload, nil
}

// MasterSecret fetches the Keychain master secret from
// "<basePath>" under key "master_hex", hex-decoding it into a 32-byte
// array.
func (p *Provisioner) MasterSecret(ctx context.Context, basePath string) ([32]byte, error) {
	var out [32]byte
	payload, err := p.GetKV(ctx, basePath)
	if err != nil {
		return out, err
	}
	hexVal, ok := payload["master_hex"]
	if !ok {
		return out, fmt.Errorf("secrets: %q missing master_hex field", basePath)
	}
	decoded, err := hexutil.From(hexVal)
	if err != nil {
		return out, fmt.Errorf("secrets: decode master_hex: %w", err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("secrets: master secret must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// SubkeyMaterial fetches the (salt, info) pair staged for key version ver
// from "<basePath>/<ver>", under keys "salt_hex" and "info_hex". Either may
// be absent, yielding an empty slice.
func (p *Provisioner) SubkeyMaterial(ctx context.Context, basePath string, ver uint32) (salt, info []byte, err error) {
	path := fmt.Sprintf("%s/%d", basePath, ver)
	payload, err := p.GetKV(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if hexVal, ok := payload["salt_hex"]; ok && hexVal != "" {
		if salt, err = hexutil.From(hexVal); err != nil {
			return nil, nil, fmt.Errorf("secrets: decode salt_hex: %w", err)
		}
	}
	if hexVal, ok := payload["info_hex"]; ok && hexVal != "" {
		if info, err = hexutil.From(hexVal); err != nil {
			return nil, nil, fmt.Errorf("secrets: decode info_hex: %w", err)
		}
	}
	return salt, info, nil
}

// Renew attempts to renew leases for the provided secret identifiers.
func (p *Provisioner) Renew(ctx context.Context, leaseIDs ...string) error {
	if p == nil {
		return errors.New("secrets: provisioner is nil")
	}
	for _, id := range leaseIDs {
		if id == "" {
			continue
		}
		_, err := p.client.Logical().WriteWithContext(ctx, "sys/leases/renew", map[string]any{
			"lease_id": id,
		})
		if err != nil {
			return fmt.Errorf("secrets: renew lease %q: %w", id, err)
		}
	}
	return nil
}

func (p *Provisioner) cached(key string) (map[string]string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.cache[key]
	if !ok || time.Now().After(entry.expiry) {
		return nil, false
	}
	copy := make(map[string]string, len(entry.value))
	for k, v := range entry.value {
		copy[k] = v
	}
	return copy, true
}

func (p *Provisioner) store(key string, value map[string]string, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy := make(map[string]string, len(value))
	for k, v := range value {
		copy[k] = v
	}
	expiry := time.Now().Add(ttl)
	if ttl > p.leaseSafetyBuffer {
		expiry = time.Now().Add(ttl - p.leaseSafetyBuffer)
	}
	p.cache[key] = cacheEntry{
		value:  copy,
		expiry: expiry,
	}
}
