// Package chain computes canonical event hashes and links each event to
// its predecessor with a gap-free sequence number. Assignment is the one
// mandatory mutual-exclusion point in the engine: two events must never
// receive the same sequence number or the same previous-hash predecessor.
package chain

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chronicle/internal/audit"
)

// State is the chain position loaded from the backend at startup. A zero
// value means the backend is empty and the chain starts fresh.
type State struct {
	LastSequence uint64
	LastHash     string
	Epoch        string
}

// Chain owns the last-hash/last-sequence state privately; callers reach
// it only through Stamp, inside the critical section.
type Chain struct {
	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
	epoch    string
	signer   *Signer
	enabled  bool
	logger   *slog.Logger
}

// Option configures the Chain.
type Option func(*Chain)

// WithSigner enables digital signatures over each event digest.
func WithSigner(s *Signer) Option {
	return func(c *Chain) { c.signer = s }
}

// WithoutLinking disables sequence/previous-hash chaining. Events still
// carry canonical hashes, but the gap-free invariants do not apply. This
// is a deployment-time choice with weaker tamper-detection guarantees.
func WithoutLinking() Option {
	return func(c *Chain) { c.enabled = false }
}

// New builds a chain resuming from the given state. An empty state mints
// a fresh epoch so a restart-from-scratch can never silently impersonate
// chain continuation.
func New(state State, logger *slog.Logger, opts ...Option) *Chain {
	c := &Chain{
		lastSeq:  state.LastSequence,
		lastHash: state.LastHash,
		epoch:    state.Epoch,
		enabled:  true,
		logger:   logger.With("component", "chain"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.epoch == "" {
		c.epoch = uuid.NewString()
		c.logger.Info("starting new chain epoch",
			"epoch", c.epoch,
			"linking", c.enabled,
		)
	} else {
		c.logger.Info("resuming chain",
			"epoch", c.epoch,
			"last_sequence", c.lastSeq,
			"linking", c.enabled,
		)
	}
	return c
}

// Epoch returns the deployment epoch marker.
func (c *Chain) Epoch() string { return c.epoch }

// Linking reports whether sequence/previous-hash chaining is active.
func (c *Chain) Linking() bool { return c.enabled }

// Signer returns the configured signer, or nil when signing is off.
func (c *Chain) Signer() *Signer { return c.signer }

// Stamp computes the canonical hash and attaches the integrity link.
// The previous hash points at the most recently assigned event, not
// necessarily one that is durable yet; ordering durability is the batch
// buffer's job. Concurrent producers serialize here.
func (c *Chain) Stamp(ev *audit.Event) error {
	hash, err := audit.ComputeHash(ev)
	if err != nil {
		return err
	}

	link := &audit.IntegrityLink{
		Hash:  hash,
		Epoch: c.epoch,
	}

	if c.enabled {
		c.mu.Lock()
		link.PreviousHash = c.lastHash
		link.Sequence = c.lastSeq + 1
		c.lastSeq = link.Sequence
		c.lastHash = hash
		c.mu.Unlock()
	}

	if c.signer != nil {
		sig, err := c.signer.Sign(hash)
		if err != nil {
			return err
		}
		link.Signature = sig
		link.SignedBy = c.signer.KeyID()
	}

	ev.Integrity = link
	return nil
}
