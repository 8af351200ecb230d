// Package scheduler implements the scheduler bridge (spec §4.9): a single
// installable backend exposing add_job/remove_job/start. The bridge calls the
// backend synchronously on the caller's goroutine; the cron backend runs the
// jobs themselves on its own goroutine.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// JobInvoker is an object exposing one operation the scheduler calls at
// each tick (spec's "an invoker is an object exposing one async operation
// exec() that the scheduler calls at each tick").
type JobInvoker interface {
	Exec(ctx context.Context) error
}

// JobInvokerFunc adapts a plain function to JobInvoker.
type JobInvokerFunc func(ctx context.Context) error

func (f JobInvokerFunc) Exec(ctx context.Context) error { return f(ctx) }

// Manager is the installable scheduler backend. add_job/remove_job/start
// are implemented by CronManager; the interface exists so the holder below
// can be installed with an alternate implementation, matching spec §4.9's
// "a single installable scheduler implementation is registered at startup".
type Manager interface {
	AddJob(jobID, cronExpr string, invoker JobInvoker) error
	RemoveJob(jobID string)
	Start()
}

// CronManager backs Manager with robfig/cron/v3. Re-adding a job ID
// replaces the prior job; removing an unknown ID is a no-op (spec §4.9).
type CronManager struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool

	// OnJobError receives any error an invoker returns. Defaults to a no-op;
	// the bootstrap wires this to the gateway logger.
	OnJobError func(jobID string, err error)
}

// NewCronManager returns a manager with an empty job table.
func NewCronManager() *CronManager {
	return &CronManager{
		cron:       cron.New(cron.WithSeconds()),
		entries:    make(map[string]cron.EntryID),
		OnJobError: func(string, error) {},
	}
}

// AddJob installs or replaces the job registered under jobID.
func (m *CronManager) AddJob(jobID, cronExpr string, invoker JobInvoker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.entries[jobID]; ok {
		m.cron.Remove(prev)
		delete(m.entries, jobID)
	}

	id, err := m.cron.AddFunc(cronExpr, func() {
		if err := invoker.Exec(context.Background()); err != nil {
			m.OnJobError(jobID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: add job %q: %w", jobID, err)
	}
	m.entries[jobID] = id
	return nil
}

// RemoveJob removes the job registered under jobID. A no-op if unknown.
func (m *CronManager) RemoveJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.entries[jobID]
	if !ok {
		return
	}
	m.cron.Remove(id)
	delete(m.entries, jobID)
}

// Start runs the cron scheduler on its own goroutine. Calling Start more
// than once is a no-op.
func (m *CronManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.cron.Start()
}

// Stop halts the scheduler, waiting for any running jobs to complete.
func (m *CronManager) Stop() context.Context {
	return m.cron.Stop()
}

// Holder is the process-wide scheduler bridge: it forwards add_job/
// remove_job/start to whichever Manager has been installed. When nothing has
// been installed yet, RemoveJob and Start do nothing and AddJob returns an
// error.
type Holder struct {
	mu  sync.RWMutex
	mgr Manager
}

var (
	holderOnce     sync.Once
	holderInstance *Holder
)

// Instance returns the process-wide scheduler holder.
func Instance() *Holder {
	holderOnce.Do(func() {
		holderInstance = &Holder{}
	})
	return holderInstance
}

// Install sets the backend the holder delegates to.
func (h *Holder) Install(mgr Manager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mgr = mgr
}

// AddJob delegates to the installed backend, if any.
func (h *Holder) AddJob(jobID, cronExpr string, invoker JobInvoker) error {
	h.mu.RLock()
	mgr := h.mgr
	h.mu.RUnlock()
	if mgr == nil {
		return fmt.Errorf("scheduler: no backend installed")
	}
	return mgr.AddJob(jobID, cronExpr, invoker)
}

// RemoveJob delegates to the installed backend, if any.
func (h *Holder) RemoveJob(jobID string) {
	h.mu.RLock()
	mgr := h.mgr
	h.mu.RUnlock()
	if mgr != nil {
		mgr.RemoveJob(jobID)
	}
}

// Start delegates to the installed backend, if any.
func (h *Holder) Start() {
	h.mu.RLock()
	mgr := h.mgr
	h.mu.RUnlock()
	if mgr != nil {
		mgr.Start()
	}
}
