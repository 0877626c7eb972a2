// Package audit maintains a tamper-evident hash chain over EdgeHub seal and
// open decisions: device, command, sequence, key version, and outcome. It
// is an enrichment over the core spec, not a replacement for it — EdgeHub
// works without an audit Log wired in.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/example/syncstream/pkg/relay"
)

// Outcome classifies a recorded decision.
type Outcome string

const (
	OutcomeSealed   Outcome = "sealed"
	OutcomeOpened   Outcome = "opened"
	OutcomeRejected Outcome = "rejected"
)

// Record is one entry in the chain: the fields relevant to a single
// EdgeHub.Seal or EdgeHub.Open call, plus the rolling commitment after it
// was folded in.
type Record struct {
	Dev        string
	Cmd        relay.Cmd
	Seq        uint64
	KeyVer     uint32
	Outcome    Outcome
	Reason     string
	Commitment []byte
}

// Log is an append-only, domain-separated BLAKE3 hash chain. Each Append
// folds the new entry's serialized fields into the running hash, so the
// final Commitment depends on every prior entry in order.
type Log struct {
	mu     sync.Mutex
	hasher *blake3.Hasher
	records []Record
}

// New constructs a Log domain-separated by domain, typically a hub or
// device identifier.
func New(domain string) *Log {
	h := blake3.New()
	_, _ = h.Write([]byte("syncstream-audit:"))
	_, _ = h.Write([]byte(domain))
	return &Log{hasher: h}
}

// Append folds one decision into the chain and returns the record actually
// stored, including the commitment after folding.
func (l *Log) Append(dev string, cmd relay.Cmd, seq uint64, keyVer uint32, outcome Outcome, reason string) (Record, error) {
	fields := struct {
		Dev     string  `json:"dev"`
		Cmd     relay.Cmd `json:"cmd"`
		Seq     uint64  `json:"seq"`
		KeyVer  uint32  `json:"key_ver"`
		Outcome Outcome `json:"outcome"`
		Reason  string  `json:"reason"`
	}{dev, cmd, seq, keyVer, outcome, reason}

	serialized, err := json.Marshal(fields)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lenBuf := make([]byte, 8)
	length := uint64(len(serialized))
	for i := uint(0); i < 8; i++ {
		lenBuf[i] = byte(length >> (56 - 8*i))
	}
	if _, err := l.hasher.Write(lenBuf); err != nil {
		return Record{}, fmt.Errorf("audit: write length: %w", err)
	}
	if _, err := l.hasher.Write(serialized); err != nil {
		return Record{}, fmt.Errorf("audit: write body: %w", err)
	}

	rec := Record{
		Dev:        dev,
		Cmd:        cmd,
		Seq:        seq,
		KeyVer:     keyVer,
		Outcome:    outcome,
		Reason:     reason,
		Commitment: l.hasher.Clone().Sum(nil),
	}
	l.records = append(l.records, rec)
	return rec, nil
}

// Commitment returns the current chain head.
func (l *Log) Commitment() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasher.Clone().Sum(nil)
}

// Records returns a copy of every entry appended so far, in order.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}
