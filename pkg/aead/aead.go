// Package aead implements the AES-256-GCM sealing primitive that underlies
// every encrypted exchange in syncstream: a 32-byte key, a random 12-byte
// nonce per seal, and a 16-byte authentication tag bound to caller-supplied
// associated data.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM IV length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// Sentinel errors surfaced by Seal/Open, matching the core failure taxonomy.
var (
	ErrAuthFailed   = errors.New("aead: authentication failed")
	ErrSizeOverflow = errors.New("aead: input exceeds cipher backend limit")
	ErrRngFailure   = errors.New("aead: random generation failed")
)

// Packet is a sealed unit: a random nonce, the ciphertext body, and the
// authentication tag. None of these fields reveal the associated data bound
// at seal time.
type Packet struct {
	Nonce [NonceSize]byte
	Body  []byte
	Tag   [TagSize]byte
}

// Marshal renders the packet per spec §6: 12-byte nonce, u32 body length,
// body, 16-byte tag.
func (p Packet) Marshal() []byte {
	out := make([]byte, 0, NonceSize+4+len(p.Body)+TagSize)
	out = append(out, p.Nonce[:]...)
	var lenBuf [4]byte
	putU32(lenBuf[:], uint32(len(p.Body)))
	out = append(out, lenBuf[:]...)
	out = append(out, p.Body...)
	out = append(out, p.Tag[:]...)
	return out
}

// UnmarshalPacket parses the wire form produced by Marshal.
func UnmarshalPacket(raw []byte) (Packet, error) {
	var p Packet
	if len(raw) < NonceSize+4+TagSize {
		return Packet{}, fmt.Errorf("aead: packet too short: %w", ErrSizeOverflow)
	}
	at := 0
	copy(p.Nonce[:], raw[at:at+NonceSize])
	at += NonceSize
	bodyLen := getU32(raw[at : at+4])
	at += 4
	if uint64(at)+uint64(bodyLen)+TagSize != uint64(len(raw)) {
		return Packet{}, fmt.Errorf("aead: packet length mismatch: %w", ErrSizeOverflow)
	}
	p.Body = append([]byte(nil), raw[at:at+int(bodyLen)]...)
	at += int(bodyLen)
	copy(p.Tag[:], raw[at:at+TagSize])
	return p, nil
}

// SecureBlob is a plaintext buffer whose backing bytes are overwritten with
// zeros once consumed or discarded. It must not be copied; obtain the bytes
// via View (read-only) or Take (destructive, transfers ownership).
type SecureBlob struct {
	noCopy noCopy
	data   []byte
	wiped  bool
}

func newSecureBlob(data []byte) *SecureBlob {
	return &SecureBlob{data: data}
}

// View returns a read-only window onto the plaintext. It is invalid to
// retain the slice past a call to Wipe or Take.
func (b *SecureBlob) View() []byte {
	if b == nil || b.wiped {
		return nil
	}
	return b.data
}

// Take hands ownership of the underlying bytes to the caller; the SecureBlob
// no longer zeroizes them on Wipe.
func (b *SecureBlob) Take() []byte {
	if b == nil {
		return nil
	}
	out := b.data
	b.data = nil
	b.wiped = true
	return out
}

// Wipe overwrites the plaintext with zeros. Safe to call multiple times.
func (b *SecureBlob) Wipe() {
	if b == nil || b.wiped {
		return
	}
	zero(b.data)
	b.wiped = true
}

// Cipher holds a 32-byte AES-256-GCM key. It is not copyable: embed by
// pointer, and call Close to zeroize the key once the Cipher is no longer
// needed.
type Cipher struct {
	noCopy noCopy
	key    [KeySize]byte
	aead   cipher.AEAD
}

// New constructs a Cipher over the supplied 32-byte key. The key bytes are
// copied; the caller remains responsible for zeroizing its own copy.
func New(key [KeySize]byte) (*Cipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("aead: new gcm: %w", err)
	}
	c := &Cipher{aead: gcm}
	c.key = key
	return c, nil
}

// Close zeroizes the held key. The Cipher must not be used afterward.
func (c *Cipher) Close() {
	if c == nil {
		return
	}
	zero(c.key[:])
}

// Seal encrypts plain and authenticates it together with aad, returning a
// freshly nonced Packet. It fails only on RNG failure or input exceeding the
// cipher backend's size limit.
func (c *Cipher) Seal(plain, aad []byte) (Packet, error) {
	if err := checkSize(plain); err != nil {
		return Packet{}, err
	}
	if err := checkSize(aad); err != nil {
		return Packet{}, err
	}

	var pkt Packet
	if _, err := rand.Read(pkt.Nonce[:]); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrRngFailure, err)
	}

	sealed := c.aead.Seal(nil, pkt.Nonce[:], plain, aad)
	bodyLen := len(sealed) - TagSize
	pkt.Body = append([]byte(nil), sealed[:bodyLen]...)
	copy(pkt.Tag[:], sealed[bodyLen:])
	return pkt, nil
}

// Open verifies the packet's tag against aad and the stored key and, on
// success, returns a zeroizing buffer holding the plaintext. On any MAC
// mismatch or malformed input it fails with ErrAuthFailed and any partial
// plaintext is wiped before returning.
func (c *Cipher) Open(pkt Packet, aad []byte) (*SecureBlob, error) {
	// Per spec, every open-time failure mode — size overflow included —
	// surfaces as AuthenticationFailed; SizeOverflow is a seal-time error.
	if err := checkSize(pkt.Body); err != nil {
		return nil, ErrAuthFailed
	}
	if err := checkSize(aad); err != nil {
		return nil, ErrAuthFailed
	}

	combined := make([]byte, 0, len(pkt.Body)+TagSize)
	combined = append(combined, pkt.Body...)
	combined = append(combined, pkt.Tag[:]...)

	plain, err := c.aead.Open(nil, pkt.Nonce[:], combined, aad)
	if err != nil {
		zero(plain)
		return nil, ErrAuthFailed
	}
	return newSecureBlob(plain), nil
}

// MintKey generates a fresh random 32-byte key.
func MintKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("%w: %v", ErrRngFailure, err)
	}
	return key, nil
}

func checkSize(b []byte) error {
	if len(b) > math.MaxInt32 {
		return ErrSizeOverflow
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func putU32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func getU32(src []byte) uint32 {
	return uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3])
}

// noCopy embeds into types that must not be copied after first use; `go vet`
// flags accidental copies via its Lock method.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
