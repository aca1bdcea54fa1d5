// Package audit keeps a tamper-evident trail of ledger events. Each entry's
// hash covers the previous entry's hash, so editing or dropping any entry
// breaks verification from that point on.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the previous-hash of the first entry in a trail.
var GenesisHash = strings.Repeat("0", 64)

// Entry is one link in the chain.
type Entry struct {
	Sequence     uint64          `json:"sequence"`
	Timestamp    string          `json:"timestamp"`
	Kind         string          `json:"kind"`
	PreviousHash string          `json:"previous_hash"`
	Payload      json.RawMessage `json:"payload"`
	Hash         string          `json:"hash"`
}

// Trail appends entries to a hash chain and optionally streams them as JSON
// lines to a writer.
type Trail struct {
	mu           sync.Mutex
	previousHash string
	sequence     uint64
	out          io.Writer
	now          func() time.Time
}

// NewTrail starts a new chain. out may be nil.
func NewTrail(out io.Writer) *Trail {
	return &Trail{
		previousHash: GenesisHash,
		out:          out,
		now:          time.Now,
	}
}

// Resume continues a chain whose last persisted entry is last.
func Resume(out io.Writer, last *Entry) *Trail {
	t := NewTrail(out)
	if last != nil {
		t.previousHash = last.Hash
		t.sequence = last.Sequence
	}
	return t
}

// Append marshals payload, links it to the chain and writes it out.
func (t *Trail) Append(kind string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &Entry{
		Sequence:     t.sequence + 1,
		Timestamp:    t.now().UTC().Format(time.RFC3339Nano),
		Kind:         kind,
		PreviousHash: t.previousHash,
		Payload:      raw,
	}
	entry.Hash = hashEntry(entry.PreviousHash, entry)

	if t.out != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit entry: %w", err)
		}
		if _, err := t.out.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("failed to write audit entry: %w", err)
		}
	}

	t.previousHash = entry.Hash
	t.sequence = entry.Sequence
	return entry, nil
}

// Head returns the hash of the latest entry.
func (t *Trail) Head() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previousHash
}

// BrokenLinkError identifies the first entry that fails verification.
type BrokenLinkError struct {
	Sequence uint64
	Reason   string
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d: %s", e.Sequence, e.Reason)
}

// Verify checks that entries form an unbroken chain. The first entry is
// trusted for its previous hash so a verified suffix of a longer trail passes.
func Verify(entries []*Entry) error {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prev := entries[i-1]
			if entry.PreviousHash != prev.Hash {
				return &BrokenLinkError{Sequence: entry.Sequence, Reason: "previous hash mismatch"}
			}
			if entry.Sequence != prev.Sequence+1 {
				return &BrokenLinkError{Sequence: entry.Sequence, Reason: "sequence gap"}
			}
		}
		if hashEntry(prevHash, entry) != entry.Hash {
			return &BrokenLinkError{Sequence: entry.Sequence, Reason: "hash mismatch"}
		}
	}
	return nil
}

func hashEntry(prevHash string, e *Entry) string {
	input := fmt.Sprintf("%s|%d|%s|%s|%s", prevHash, e.Sequence, e.Timestamp, e.Kind, e.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ReadEntries decodes a JSON-lines audit stream.
func ReadEntries(r io.Reader) ([]*Entry, error) {
	dec := json.NewDecoder(r)
	var out []*Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		out = append(out, &e)
	}
}
