// Package relay frames, seals, and opens control messages between a single
// pair of endpoints sharing one AEAD key. A RelayCore owns a monotonic
// sequence counter, a bounded replay cache, and the skew tolerance applied
// to every opened envelope.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/syncstream/pkg/aead"
	"github.com/example/syncstream/pkg/hexutil"
)

// Cmd enumerates the control messages a Ctrl can carry.
type Cmd uint8

const (
	CmdArm     Cmd = 1
	CmdDisarm  Cmd = 2
	CmdSync    Cmd = 3
	CmdPing    Cmd = 4
)

// maxFieldLen bounds dev and body lengths to what the u16 length prefix can
// address.
const maxFieldLen = 65535

// Sentinel errors matching the core failure taxonomy.
var (
	ErrFraming = errors.New("relay: malformed or oversized control frame")
	ErrSkew    = errors.New("relay: timestamp outside allowed skew")
	ErrReplay  = errors.New("relay: envelope already seen")
)

// Ctrl is a single control message: the target device identifier, the
// command, the sender's timestamp, and an opaque body.
type Ctrl struct {
	Dev  string
	Cmd  Cmd
	AtMs uint64
	Body []byte
}

// Env is a sealed Ctrl in transit: the sequence number and timestamp travel
// in the clear so a peer can check freshness and ordering before decrypting,
// while Pkt carries the authenticated ciphertext.
type Env struct {
	Seq  uint64
	AtMs uint64
	Pkt  aead.Packet
}

// packCtrl renders ctrl per the wire format: u16 dev_len | dev | u8 cmd |
// u64 at_ms | u16 body_len | body. It rejects dev or body longer than 65535
// bytes.
func packCtrl(ctrl Ctrl) ([]byte, error) {
	dev := []byte(ctrl.Dev)
	if len(dev) > maxFieldLen {
		return nil, fmt.Errorf("relay: dev field too long: %w", ErrFraming)
	}
	if len(ctrl.Body) > maxFieldLen {
		return nil, fmt.Errorf("relay: body field too long: %w", ErrFraming)
	}

	out := make([]byte, 0, 2+len(dev)+1+8+2+len(ctrl.Body))
	out = appendU16(out, uint16(len(dev)))
	out = append(out, dev...)
	out = append(out, byte(ctrl.Cmd))
	out = appendU64(out, ctrl.AtMs)
	out = appendU16(out, uint16(len(ctrl.Body)))
	out = append(out, ctrl.Body...)
	return out, nil
}

// unpackCtrl parses the wire format produced by packCtrl, rejecting any
// truncated field, missing command byte, or trailing bytes.
func unpackCtrl(raw []byte) (Ctrl, error) {
	at := 0
	devLen, ok := readU16(raw, &at)
	if !ok {
		return Ctrl{}, fmt.Errorf("relay: truncated dev length: %w", ErrFraming)
	}
	dev, ok := readBytes(raw, &at, int(devLen))
	if !ok {
		return Ctrl{}, fmt.Errorf("relay: truncated dev field: %w", ErrFraming)
	}
	cmdByte, ok := readByte(raw, &at)
	if !ok {
		return Ctrl{}, fmt.Errorf("relay: missing cmd byte: %w", ErrFraming)
	}
	atMs, ok := readU64(raw, &at)
	if !ok {
		return Ctrl{}, fmt.Errorf("relay: truncated at_ms: %w", ErrFraming)
	}
	bodyLen, ok := readU16(raw, &at)
	if !ok {
		return Ctrl{}, fmt.Errorf("relay: truncated body length: %w", ErrFraming)
	}
	body, ok := readBytes(raw, &at, int(bodyLen))
	if !ok {
		return Ctrl{}, fmt.Errorf("relay: truncated body field: %w", ErrFraming)
	}
	if at != len(raw) {
		return Ctrl{}, fmt.Errorf("relay: trailing bytes after body: %w", ErrFraming)
	}

	return Ctrl{
		Dev:  string(dev),
		Cmd:  Cmd(cmdByte),
		AtMs: atMs,
		Body: body,
	}, nil
}

// aadFor derives the associated data bound into every sealed envelope: the
// big-endian sequence number concatenated with the big-endian timestamp.
func aadFor(seq, atMs uint64) []byte {
	out := make([]byte, 0, 16)
	out = appendU64(out, seq)
	out = appendU64(out, atMs)
	return out
}

// replayKey identifies an envelope for duplicate detection: the sequence
// number plus the nonce and tag of its sealed packet. An envelope that
// reuses a seq but carries a different nonce or tag yields a distinct key;
// it is not caught here and is left to the AEAD check.
func replayKey(seq uint64, pkt aead.Packet) string {
	return fmt.Sprintf("%d:%s:%s", seq, hexutil.Of(pkt.Nonce[:]), hexutil.Of(pkt.Tag[:]))
}

// RelayCore seals and opens Ctrl messages for one pair of endpoints sharing
// a single AEAD key. It is not copyable: embed by pointer.
type RelayCore struct {
	noCopy noCopy

	mu        sync.Mutex
	cipher    *aead.Cipher
	maxSkew   time.Duration
	seq       uint64
	replayCap int
	seen      *replayCache
}

// New constructs a RelayCore over cipher, accepting timestamps within
// maxSkew of the local clock and retaining up to replayCap distinct
// envelope identifiers for duplicate detection.
func New(cipher *aead.Cipher, maxSkew time.Duration, replayCap int) *RelayCore {
	return &RelayCore{
		cipher:    cipher,
		maxSkew:   maxSkew,
		replayCap: replayCap,
		seen:      newReplayCache(replayCap),
	}
}

// SealCtrl seals ctrl into a freshly sequenced Env. The sequence counter is
// incremented before framing, so a framing failure still advances it; the
// next successful call resumes from the following value.
func (r *RelayCore) SealCtrl(ctrl Ctrl) (Env, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	seq := r.seq

	raw, err := packCtrl(ctrl)
	if err != nil {
		return Env{}, err
	}

	aad := aadFor(seq, ctrl.AtMs)
	pkt, err := r.cipher.Seal(raw, aad)
	if err != nil {
		return Env{}, fmt.Errorf("relay: seal: %w", err)
	}

	return Env{Seq: seq, AtMs: ctrl.AtMs, Pkt: pkt}, nil
}

// OpenCtrl validates env's freshness, rejects a previously seen envelope,
// and on success returns the decrypted Ctrl. Freshness is checked before
// the replay cache is consulted, and the replay cache is marked before
// decryption is attempted, so a duplicate never reaches the AEAD layer
// twice even if decryption itself would fail.
func (r *RelayCore) OpenCtrl(env Env) (Ctrl, error) {
	now := nowMs()
	lo := int64(now) - r.maxSkew.Milliseconds()
	if lo < 0 {
		lo = 0
	}
	hi := int64(now) + r.maxSkew.Milliseconds()
	if int64(env.AtMs) < lo || int64(env.AtMs) > hi {
		return Ctrl{}, ErrSkew
	}

	r.mu.Lock()
	key := replayKey(env.Seq, env.Pkt)
	if dup := r.seen.markSeen(key); dup {
		r.mu.Unlock()
		return Ctrl{}, ErrReplay
	}

	aad := aadFor(env.Seq, env.AtMs)
	blob, err := r.cipher.Open(env.Pkt, aad)
	r.mu.Unlock()
	if err != nil {
		return Ctrl{}, err
	}
	defer blob.Wipe()

	ctrl, err := unpackCtrl(blob.View())
	if err != nil {
		return Ctrl{}, err
	}
	return ctrl, nil
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func appendU16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}

func appendU64(dst []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return append(dst, b[:]...)
}

func readByte(raw []byte, at *int) (byte, bool) {
	if *at+1 > len(raw) {
		return 0, false
	}
	b := raw[*at]
	*at++
	return b, true
}

func readU16(raw []byte, at *int) (uint16, bool) {
	if *at+2 > len(raw) {
		return 0, false
	}
	v := uint16(raw[*at])<<8 | uint16(raw[*at+1])
	*at += 2
	return v, true
}

func readU64(raw []byte, at *int) (uint64, bool) {
	if *at+8 > len(raw) {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(raw[*at+i])
	}
	*at += 8
	return v, true
}

func readBytes(raw []byte, at *int, n int) ([]byte, bool) {
	if *at+n > len(raw) {
		return nil, false
	}
	b := append([]byte(nil), raw[*at:*at+n]...)
	*at += n
	return b, true
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
