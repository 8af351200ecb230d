// Package script implements the language-extension registry (spec §4.11):
// a language tag maps to up to six evaluator functions, {script,file} x
// {one,many,page}. The hook engine (pkg/hooks) and declarative script-backed
// objects resolve their language through this registry.
package script

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dataspan/gateway/pkg/invocation"
)

// ReturnOneFunc evaluates source against ctx/args and returns a single value.
type ReturnOneFunc func(ctx context.Context, ic *invocation.Context, source string, args []any) (any, error)

// ReturnManyFunc evaluates source against ctx/args and returns many values.
type ReturnManyFunc func(ctx context.Context, ic *invocation.Context, source string, args []any) ([]any, error)

// ReturnPageResult is the page shape a script evaluator may produce.
type ReturnPageResult struct {
	Total    uint64
	PageNo   uint64
	PageSize uint64
	Records  []any
}

// ReturnPageFunc evaluates source against ctx/args and returns a page.
type ReturnPageFunc func(ctx context.Context, ic *invocation.Context, source string, args []any) (*ReturnPageResult, error)

// Extension is the set of (up to six) evaluator functions registered for one
// language tag. A nil function means that shape/form is unsupported for this
// language (spec §4.11: "missing function for a requested shape yields
// not-implemented").
type Extension struct {
	Lang     string
	FullName string

	ScriptOne  ReturnOneFunc
	FileOne    ReturnOneFunc
	ScriptMany ReturnManyFunc
	FileMany   ReturnManyFunc
	ScriptPage ReturnPageFunc
	FilePage   ReturnPageFunc
}

// Shape identifies which of the three result shapes a caller wants.
type Shape int

const (
	ShapeOne Shape = iota
	ShapeMany
	ShapePage
)

// Form distinguishes inline-script from file-backed evaluation.
type Form int

const (
	FormScript Form = iota
	FormFile
)

// ErrNotImplemented is returned when the requested language is unregistered,
// or is registered but doesn't support the requested shape/form combination.
type ErrNotImplemented struct {
	Lang  string
	Shape Shape
	Form  Form
}

func (e *ErrNotImplemented) Error() string {
	return fmt.Sprintf("not implemented: language %q has no evaluator for the requested shape/form", e.Lang)
}

// Registry maps a language tag to its Extension.
type Registry struct {
	mu  sync.RWMutex
	ext map[string]*Extension
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ext: make(map[string]*Extension)}
}

var (
	instanceOnce sync.Once
	instance     *Registry
)

// Instance returns the process-wide language-extension registry.
func Instance() *Registry {
	instanceOnce.Do(func() {
		instance = NewRegistry()
	})
	return instance
}

// Register installs or replaces the extension for ext.Lang.
func (r *Registry) Register(ext *Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ext[ext.Lang] = ext
}

// Get returns the extension registered for lang, if any.
func (r *Registry) Get(lang string) (*Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.ext[lang]
	return e, ok
}

// Languages lists every (lang, fullName) pair currently registered.
func (r *Registry) Languages() []struct{ Lang, FullName string } {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]struct{ Lang, FullName string }, 0, len(r.ext))
	for _, e := range r.ext {
		out = append(out, struct{ Lang, FullName string }{e.Lang, e.FullName})
	}
	return out
}

// EvalOne evaluates source (or the file at source, if form is FormFile) in
// the given language and returns a single value.
func (r *Registry) EvalOne(ctx context.Context, ic *invocation.Context, lang, source string, form Form, args []any) (any, error) {
	ext, ok := r.Get(lang)
	if !ok {
		return nil, &ErrNotImplemented{Lang: lang, Shape: ShapeOne, Form: form}
	}
	fn := ext.ScriptOne
	if form == FormFile {
		fn = ext.FileOne
	}
	if fn == nil {
		return nil, &ErrNotImplemented{Lang: lang, Shape: ShapeOne, Form: form}
	}
	if form == FormFile {
		source = mustReadFile(source)
	}
	return fn(ctx, ic, source, args)
}

// EvalMany evaluates source (or the file at source) and returns many values.
func (r *Registry) EvalMany(ctx context.Context, ic *invocation.Context, lang, source string, form Form, args []any) ([]any, error) {
	ext, ok := r.Get(lang)
	if !ok {
		return nil, &ErrNotImplemented{Lang: lang, Shape: ShapeMany, Form: form}
	}
	fn := ext.ScriptMany
	if form == FormFile {
		fn = ext.FileMany
	}
	if fn == nil {
		return nil, &ErrNotImplemented{Lang: lang, Shape: ShapeMany, Form: form}
	}
	if form == FormFile {
		source = mustReadFile(source)
	}
	return fn(ctx, ic, source, args)
}

// EvalPage evaluates source (or the file at source) and returns a page.
func (r *Registry) EvalPage(ctx context.Context, ic *invocation.Context, lang, source string, form Form, args []any) (*ReturnPageResult, error) {
	ext, ok := r.Get(lang)
	if !ok {
		return nil, &ErrNotImplemented{Lang: lang, Shape: ShapePage, Form: form}
	}
	fn := ext.ScriptPage
	if form == FormFile {
		fn = ext.FilePage
	}
	if fn == nil {
		return nil, &ErrNotImplemented{Lang: lang, Shape: ShapePage, Form: form}
	}
	if form == FormFile {
		source = mustReadFile(source)
	}
	return fn(ctx, ic, source, args)
}

func mustReadFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}
