// Package keychain derives and manages versioned AES-256 subkeys from a
// single master secret via HKDF-SHA256, tracking which version is
// currently active for sealing.
package keychain

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/example/syncstream/pkg/aead"
)

// Sentinel errors matching the core failure taxonomy.
var (
	ErrConfig            = errors.New("keychain: version must be non-zero")
	ErrUnknownKeyVersion = errors.New("keychain: key version not staged")
	ErrNoActiveKey       = errors.New("keychain: no active key version")
)

// Keychain owns a master secret and every subkey derived from it. It is not
// copyable: embed by pointer and call Close once torn down.
type Keychain struct {
	noCopy noCopy

	mu        sync.Mutex
	master    [aead.KeySize]byte
	subkeys   map[uint32][aead.KeySize]byte
	activeVer uint32
}

// New constructs a Keychain over the supplied master secret. The bytes are
// copied; the caller retains responsibility for its own copy.
func New(master [aead.KeySize]byte) *Keychain {
	k := &Keychain{
		subkeys: make(map[uint32][aead.KeySize]byte),
	}
	k.master = master
	return k
}

// Close zeroizes the master secret and every staged subkey. The Keychain
// must not be used afterward.
func (k *Keychain) Close() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	zero(k.master[:])
	for ver := range k.subkeys {
		k.subkeys[ver] = [aead.KeySize]byte{}
		delete(k.subkeys, ver)
	}
}

// Stage derives the subkey for (ver, salt, info) via HKDF-SHA256 and
// inserts it into the version map. Re-staging the same (ver, salt, info)
// yields the identical subkey (HKDF is deterministic); ver == 0 is
// rejected.
func (k *Keychain) Stage(ver uint32, salt, info []byte) error {
	if ver == 0 {
		return ErrConfig
	}

	var out [aead.KeySize]byte
	k.mu.Lock()
	master := k.master
	k.mu.Unlock()

	kdf := hkdf.New(sha256.New, master[:], salt, info)
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return fmt.Errorf("keychain: hkdf derive: %w", err)
	}
	zero(master[:])

	k.mu.Lock()
	k.subkeys[ver] = out
	k.mu.Unlock()
	return nil
}

// Activate marks ver as the currently active version. ver must already be
// staged.
func (k *Keychain) Activate(ver uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.subkeys[ver]; !ok {
		return ErrUnknownKeyVersion
	}
	k.activeVer = ver
	return nil
}

// Take returns a copy of the subkey staged for ver.
func (k *Keychain) Take(ver uint32) ([aead.KeySize]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	sub, ok := k.subkeys[ver]
	if !ok {
		return [aead.KeySize]byte{}, ErrUnknownKeyVersion
	}
	return sub, nil
}

// Active returns the currently active key version.
func (k *Keychain) Active() (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.activeVer == 0 {
		return 0, ErrNoActiveKey
	}
	return k.activeVer, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
