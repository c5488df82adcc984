// Package audit provides the hash-chained audit sink that Prism (pkg/prism)
// writes exactly one AuditEntry to per operation attempt. The structured
// JSON writer is grounded on the teacher's pkg/audit.Logger; the hash chain
// is grounded on the teacher's pkg/kernel/merkle.go tamper-evidence
// approach, reduced here to a simple running hash chain (each entry's Hash
// covers its own canonical encoding plus PrevHash) since the substrate has
// no need for Merkle batch-inclusion proofs, only "did anything in this
// append-only log get altered after the fact".
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/vellum-systems/substrate/pkg/canonicalize"
	"github.com/vellum-systems/substrate/pkg/model"
)

// Sink persists one AuditEntry. Implementations must be safe for
// concurrent use; Prism may commit operations on distinct resources in
// parallel (§5).
type Sink interface {
	Write(ctx context.Context, entry model.AuditEntry) error
}

// Hook is invoked asynchronously after a Chain has durably written an
// entry. It must not block; Chain does not wait for it. Mirrors the
// optional async onAudit hook from §4.7.
type Hook func(entry model.AuditEntry)

// Chain wraps a Sink and stamps every entry with an ID (if absent), a
// running PrevHash/Hash pair, and dispatches the optional Hook after a
// successful write.
type Chain struct {
	mu       sync.Mutex
	sink     Sink
	lastHash string
	hook     Hook
}

// NewChain creates a Chain writing to sink. sink may be nil, in which case
// Append is a cheap no-op that still returns a correctly hash-chained
// entry (used when AuditEnabled=false but callers still want IDs/hashes).
func NewChain(sink Sink) *Chain {
	return &Chain{sink: sink}
}

// OnAudit registers the post-commit hook. Not safe to call concurrently
// with Append.
func (c *Chain) OnAudit(hook Hook) {
	c.hook = hook
}

// Append stamps entry with an id/hash (if not already set) and writes it
// through the configured Sink under the chain's lock, so PrevHash always
// refers to the entry immediately before it in commit order.
func (c *Chain) Append(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	return c.appendVia(ctx, entry, c.sink)
}

// AppendTx behaves like Append but writes through sink instead of the
// chain's configured Sink, while still advancing lastHash and ordering
// PrevHash under the chain's lock. Prism (pkg/prism) uses this to write
// an entry through a RepositorySink scoped to the same backend
// transaction as the mutation the entry accompanies, so the two commit or
// roll back together.
func (c *Chain) AppendTx(ctx context.Context, entry model.AuditEntry, sink Sink) (model.AuditEntry, error) {
	return c.appendVia(ctx, entry, sink)
}

func (c *Chain) appendVia(ctx context.Context, entry model.AuditEntry, sink Sink) (model.AuditEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.PrevHash = c.lastHash

	// Hash covers everything except the Hash field itself.
	hashable := entry
	hashable.Hash = ""
	digest, err := canonicalize.Hash(hashable)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = digest

	if sink != nil {
		if err := sink.Write(ctx, entry); err != nil {
			return model.AuditEntry{}, fmt.Errorf("audit: write entry: %w", err)
		}
	}
	c.lastHash = entry.Hash

	if c.hook != nil {
		go c.hook(entry)
	}
	return entry, nil
}

// writerSink writes newline-delimited JSON audit entries to w.
type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a Sink that appends one JSON object per line to w.
func NewWriterSink(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Write(_ context.Context, entry model.AuditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}

// MemorySink accumulates entries in memory, for tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

// NewMemorySink creates an empty in-memory Sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a snapshot copy of everything written so far, in
// commit order.
func (s *MemorySink) Entries() []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// auditRepository is the minimal surface RepositorySink needs. Defined
// locally rather than imported from pkg/store to avoid that package
// depending on this one; store.Repository satisfies it structurally
// whenever its concrete backend implements PutAuditEntry.
type auditRepository interface {
	PutAuditEntry(ctx context.Context, entry model.AuditEntry) error
}

// RepositorySink adapts a repository's PutAuditEntry into a Sink. Passed
// to Chain.AppendTx so the audit write goes through the same repository
// handle the caller already holds (and, for a backend with real
// transactions, the same backend transaction) as the mutation it
// accompanies.
type RepositorySink struct {
	Repo auditRepository
}

func (s RepositorySink) Write(ctx context.Context, entry model.AuditEntry) error {
	return s.Repo.PutAuditEntry(ctx, entry)
}

// VerifyChain recomputes each entry's hash and checks that PrevHash links
// match, returning the index of the first broken link, or -1 if intact.
func VerifyChain(entries []model.AuditEntry) int {
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return i
		}
		check := e
		check.Hash = ""
		digest, err := canonicalize.Hash(check)
		if err != nil || digest != e.Hash {
			return i
		}
		prev = e.Hash
	}
	return -1
}
