package synctask

import (
	"context"
	"sync"

	"github.com/dataspan/gateway/pkg/invocation"
)

// InvokeOneFunc delivers one argument to a URI via the dispatcher. Set by
// the dispatch package at startup to avoid an import cycle.
type InvokeOneFunc func(ctx context.Context, ic *invocation.Context, uri string, args []any) (any, error)

// TaskLogger writes structured task-lifecycle records (severity, subject,
// description, success flag) through the dispatcher at a configurable
// store URI; it is silent when the store URI is absent (spec §4.10).
type TaskLogger struct {
	mu       sync.RWMutex
	storeURI string
	invoke   InvokeOneFunc
}

// NewTaskLogger returns a logger with no store URI configured.
func NewTaskLogger(invoke InvokeOneFunc) *TaskLogger {
	return &TaskLogger{invoke: invoke}
}

// SetStoreURI configures (or clears, via "") the sink the logger writes to.
func (t *TaskLogger) SetStoreURI(uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storeURI = uri
}

func (t *TaskLogger) writeLog(ctx context.Context, taskID, nodeID, taskName, level, subject, desc string, success bool) {
	t.mu.RLock()
	uri := t.storeURI
	t.mu.RUnlock()
	if uri == "" || t.invoke == nil {
		return
	}

	record := map[string]any{
		"task_id":     taskID,
		"node_id":     nodeID,
		"task_name":   taskName,
		"log_level":   level,
		"subject":     subject,
		"description": desc,
		"success":     success,
	}

	ic := invocation.NewTracked()
	defer ic.Finalize(ctx)
	_, _ = t.invoke(ctx, ic, uri, []any{record})
}

// Success logs a successful task outcome.
func (t *TaskLogger) Success(ctx context.Context, taskID, subject, desc string) {
	t.writeLog(ctx, taskID, taskID, taskID, "SUCCESS", subject, desc, true)
}

// Debug logs a debug-level record with an explicit success flag.
func (t *TaskLogger) Debug(ctx context.Context, taskID, subject, desc string, success bool) {
	t.writeLog(ctx, taskID, taskID, taskID, "DEBUG", subject, desc, success)
}

// Error logs a failed task outcome.
func (t *TaskLogger) Error(ctx context.Context, taskID, subject, desc string) {
	t.writeLog(ctx, taskID, taskID, taskID, "ERROR", subject, desc, false)
}
