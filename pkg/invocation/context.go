// Package invocation implements the per-call invocation context: the typed
// slot bag, open transaction/executor maps, and the success flag that the
// dispatcher commits or rolls back on finalisation.
package invocation

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
)

// TxHandle is anything that can be committed or rolled back. The object
// storage backend (internal/storage/object) binds a *sqlx.Tx here.
type TxHandle interface {
	Commit() error
	Rollback() error
}

// ExecHandle is a pooled, non-transactional executor bound to a namespace.
type ExecHandle interface{}

var nextContextID uint64

var (
	contextTableMu sync.RWMutex
	contextTable   = map[uint64]*Context{}
)

// Context carries per-invocation state: identity, typed slots, named slots,
// open transactions (at most one per namespace), pooled executors, and the
// sticky success flag finalisation reads.
type Context struct {
	mu sync.Mutex

	id      uint64
	tracked bool

	typed map[reflect.Type]any
	named map[string]any

	tx   map[string]TxHandle
	exec map[string]ExecHandle

	success   bool
	finalized bool

	// FirstFinalizeErr is set when one of the registered transactions fails
	// to commit or rollback during Finalize; every other transaction is
	// still attempted.
	FirstFinalizeErr error
}

// New creates an anonymous context: id=0, never registered in the process-wide
// table. It is the caller's responsibility to finalise it.
func New() *Context {
	return newContext(0, false)
}

// NewTracked creates a context with a fresh monotonic id, registered in the
// process-wide table so it can be looked up later (e.g. from an asynchronous
// continuation) via Lookup.
func NewTracked() *Context {
	id := atomic.AddUint64(&nextContextID, 1)
	c := newContext(id, true)

	contextTableMu.Lock()
	contextTable[id] = c
	contextTableMu.Unlock()

	// The finalizer runs Finalize on its own goroutine once c is
	// unreachable. contextTable holds c until Finalize removes it, so this
	// never runs for a tracked context that was not finalised; such a
	// context keeps its transactions open.
	runtime.SetFinalizer(c, func(c *Context) {
		go c.Finalize(context.Background())
	})

	return c
}

func newContext(id uint64, tracked bool) *Context {
	return &Context{
		id:      id,
		tracked: tracked,
		typed:   make(map[reflect.Type]any),
		named:   make(map[string]any),
		tx:      make(map[string]TxHandle),
		exec:    make(map[string]ExecHandle),
		success: true,
	}
}

// Lookup retrieves a tracked context by id, or nil if no such context is
// registered (already finalised, or never tracked).
func Lookup(id uint64) *Context {
	contextTableMu.RLock()
	defer contextTableMu.RUnlock()
	return contextTable[id]
}

// ID returns the context's monotonic id (0 for anonymous contexts).
func (c *Context) ID() uint64 {
	return c.id
}

// Inject stores value keyed by its dynamic type; one instance per type.
func (c *Context) Inject(value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typed[reflect.TypeOf(value)] = value
}

// Obtain retrieves a previously injected value of type T. ok is false if no
// value of that type was injected.
func Obtain[T any](c *Context) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	v, found := c.typed[reflect.TypeOf(zero)]
	if !found {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Insert stores value under a string key.
func (c *Context) Insert(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.named[key] = value
}

// Get retrieves the value stored under key, if any.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.named[key]
	return v, ok
}

// SetTransaction binds a transaction handle to a namespace. At most one
// handle is held per namespace per context: calling this a second time for
// the same namespace orphans the prior handle without closing it — the
// caller owns the bug, and tests must be able to observe it (spec §4.2).
func (c *Context) SetTransaction(ns string, tx TxHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tx[ns] = tx
}

// GetTransaction returns the transaction handle bound to ns, if any.
func (c *Context) GetTransaction(ns string) (TxHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.tx[ns]
	return tx, ok
}

// SetExecutor binds a pooled, non-transactional executor to a namespace.
func (c *Context) SetExecutor(ns string, exec ExecHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exec[ns] = exec
}

// GetExecutor returns the executor bound to ns, if any.
func (c *Context) GetExecutor(ns string) (ExecHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exec, ok := c.exec[ns]
	return exec, ok
}

// SetFailed marks the context failed. The mark is sticky: once set it cannot
// be cleared, so any later Finalize rolls back every open transaction.
func (c *Context) SetFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.success = false
}

// IsSuccess reports the context's current success flag.
func (c *Context) IsSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.success
}

// Finalize commits every open transaction if the context is still marked
// successful, or rolls back every one otherwise. If committing transaction i
// fails, every not-yet-finalised transaction is rolled back instead; the
// first error encountered is recorded in FirstFinalizeErr but every
// transaction is still attempted. Finalize is idempotent: a second call is a
// no-op. Its context.Context argument is ignored: finalisation runs to
// completion regardless of the caller's deadline or cancellation.
func (c *Context) Finalize(_ context.Context) error {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return c.FirstFinalizeErr
	}
	c.finalized = true

	commit := c.success
	txs := c.tx
	c.tx = make(map[string]TxHandle)
	id := c.id
	tracked := c.tracked
	c.mu.Unlock()

	var firstErr error
	for ns, tx := range txs {
		var err error
		if commit {
			err = tx.Commit()
			if err != nil {
				commit = false // any later transaction rolls back instead
			}
		} else {
			err = tx.Rollback()
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("finalize transaction for namespace %q: %w", ns, err)
		}
	}

	c.mu.Lock()
	c.FirstFinalizeErr = firstErr
	c.named = make(map[string]any)
	c.typed = make(map[reflect.Type]any)
	c.exec = make(map[string]ExecHandle)
	c.mu.Unlock()

	if tracked && id > 0 {
		contextTableMu.Lock()
		delete(contextTable, id)
		contextTableMu.Unlock()
	}

	return firstErr
}

// IsFinalized reports whether Finalize has already run to completion.
func (c *Context) IsFinalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}
