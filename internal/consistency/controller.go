// Package consistency serialises mutations per account. A caller acquires a
// scope over every account it touches; scopes sharing an account run one at
// a time, disjoint scopes run in parallel.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/ledger-core/internal/domain"
)

// DefaultLockTimeout bounds how long Acquire waits for a contended account.
const DefaultLockTimeout = 5 * time.Second

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Controller hands out per-account exclusive scopes.
type Controller struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLockTimeout overrides DefaultLockTimeout. Non-positive values disable
// the timeout so only the caller's context bounds the wait.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithLogger attaches a logger for contention diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func NewController(opts ...Option) *Controller {
	c := &Controller{
		entries: make(map[string]*entry),
		timeout: DefaultLockTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire blocks until the caller holds every account in ids. Accounts are
// always taken in sorted order so overlapping scopes cannot deadlock. The
// returned release func must be called exactly once; calling it again is a
// no-op.
//
// When the wait exceeds the lock timeout Acquire returns domain.ErrLockTimeout.
// When ctx ends first it returns ctx.Err(). Either way nothing is held.
func (c *Controller) Acquire(ctx context.Context, ids ...string) (func(), error) {
	keys := normalize(ids)
	if len(keys) == 0 {
		return func() {}, nil
	}

	waitCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	held := make([]string, 0, len(keys))
	for _, id := range keys {
		e := c.ref(id)
		if err := e.sem.Acquire(waitCtx, 1); err != nil {
			c.unref(id)
			c.releaseAll(held)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.logger.Warn("account lock timeout",
					zap.String("account_id", id),
					zap.Strings("scope", keys),
					zap.Duration("timeout", c.timeout))
				return nil, fmt.Errorf("%w: account %s", domain.ErrLockTimeout, id)
			}
			return nil, err
		}
		held = append(held, id)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.releaseAll(held) })
	}, nil
}

// Active reports how many accounts currently have holders or waiters.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Controller) ref(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		c.entries[id] = e
	}
	e.refs++
	return e
}

func (c *Controller) unref(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(c.entries, id)
	}
}

func (c *Controller) releaseAll(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		id := held[i]
		c.mu.Lock()
		e := c.entries[id]
		c.mu.Unlock()
		e.sem.Release(1)
		c.unref(id)
	}
}

func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
