// Package sandbox executes generated transformation programs inside a Yaegi
// interpreter. Interpreting instead of compiling avoids go-build hangs,
// binary version skew, and dependency resolution entirely; the interpreter
// also gives us a natural choke point for import restrictions.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"datanerd/internal/logging"
	"datanerd/internal/table"
)

// EntryPoint is the function every program must declare:
//
//	func Transform(src *table.Table) (*table.Table, error)
const EntryPoint = "Transform"

// =============================================================================
// FAILURE CLASSIFICATION
// =============================================================================

// ErrorKind classifies why an execution failed. The pipeline threads it
// into repair feedback so the generator knows what went wrong.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorBadProgram
	ErrorEntryPointMissing
	ErrorTimeout
	ErrorMemoryExceeded
	ErrorRuntimeFault
	ErrorMalformedOutput
	ErrorCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorBadProgram:
		return "bad_program"
	case ErrorEntryPointMissing:
		return "entry_point_missing"
	case ErrorTimeout:
		return "timeout"
	case ErrorMemoryExceeded:
		return "memory_exceeded"
	case ErrorRuntimeFault:
		return "runtime_fault"
	case ErrorMalformedOutput:
		return "malformed_output"
	case ErrorCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Limits bounds one execution.
type Limits struct {
	Timeout        time.Duration
	MemoryLimit    int64 // bytes of heap growth over baseline
	MaxOutputBytes int   // stdout/stderr capture cap
}

// DefaultLimits returns the execution defaults.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        10 * time.Second,
		MemoryLimit:    256 << 20,
		MaxOutputBytes: 64 << 10,
	}
}

// Result is the outcome of one execution. Output is non-nil only when
// ErrKind is ErrorNone.
type Result struct {
	Output   *table.Table
	Stdout   string
	Duration time.Duration
	ErrKind  ErrorKind
	Err      error
}

// OK reports whether the program produced a well-formed table.
func (r *Result) OK() bool { return r.ErrKind == ErrorNone }

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor runs programs under a fixed set of limits. Safe for concurrent
// use; each execution gets its own interpreter.
type Executor struct {
	limits  Limits
	allowed map[string]bool
}

// NewExecutor creates an executor with the given limits. Zero-valued limit
// fields fall back to the defaults.
func NewExecutor(limits Limits) *Executor {
	def := DefaultLimits()
	if limits.Timeout <= 0 {
		limits.Timeout = def.Timeout
	}
	if limits.MemoryLimit <= 0 {
		limits.MemoryLimit = def.MemoryLimit
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = def.MaxOutputBytes
	}
	return &Executor{
		limits:  limits,
		allowed: allowedPackages(),
	}
}

// Execute runs one program against a copy of src. The source table is
// never mutated: the program receives a clone and its result is validated
// before being returned.
func (e *Executor) Execute(ctx context.Context, program string, src *table.Table) *Result {
	timer := logging.StartTimer(logging.CategorySandbox, "execute")
	defer timer.StopWithThreshold(e.limits.Timeout / 2)

	start := time.Now()
	res := &Result{}

	if err := src.Validate(); err != nil {
		res.ErrKind = ErrorBadProgram
		res.Err = fmt.Errorf("source table invalid: %w", err)
		return res
	}
	if kind, err := e.checkProgram(program); err != nil {
		res.ErrKind = kind
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	out := &lockedBuffer{}
	done := make(chan evalResult, 1)

	var memExceeded atomic.Bool
	stopWatch := make(chan struct{})
	go e.watchMemory(&memExceeded, stopWatch)

	// The interpreter cannot be preempted, so the eval runs in its own
	// goroutine. On timeout the goroutine is abandoned; it finishes (or
	// not) on its own and its result is dropped.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{kind: ErrorRuntimeFault, err: fmt.Errorf("program panicked: %v", r)}
			}
		}()
		done <- e.eval(program, src.Clone(), out)
	}()

	timeout := time.NewTimer(e.limits.Timeout)
	defer timeout.Stop()

	select {
	case ev := <-done:
		close(stopWatch)
		res.Duration = time.Since(start)
		res.Stdout = truncate(out.String(), e.limits.MaxOutputBytes)
		if memExceeded.Load() {
			res.ErrKind = ErrorMemoryExceeded
			res.Err = fmt.Errorf("heap growth exceeded %d bytes", e.limits.MemoryLimit)
			return res
		}
		res.Output, res.ErrKind, res.Err = ev.table, ev.kind, ev.err
		if res.ErrKind != ErrorNone {
			logging.SandboxError("execution failed (%s): %v", res.ErrKind, res.Err)
		}
		return res
	case <-timeout.C:
		close(stopWatch)
		res.Duration = time.Since(start)
		res.Stdout = truncate(out.String(), e.limits.MaxOutputBytes)
		if memExceeded.Load() {
			res.ErrKind = ErrorMemoryExceeded
			res.Err = fmt.Errorf("heap growth exceeded %d bytes", e.limits.MemoryLimit)
		} else {
			res.ErrKind = ErrorTimeout
			res.Err = fmt.Errorf("execution exceeded %v", e.limits.Timeout)
		}
		logging.SandboxError("execution failed (%s): %v", res.ErrKind, res.Err)
		return res
	case <-ctx.Done():
		close(stopWatch)
		res.Duration = time.Since(start)
		res.Stdout = truncate(out.String(), e.limits.MaxOutputBytes)
		res.ErrKind = ErrorCanceled
		res.Err = fmt.Errorf("execution abandoned by caller: %w", ctx.Err())
		return res
	}
}

// lockedBuffer is the interpreter's stdout/stderr sink. The eval goroutine
// is abandoned on timeout and may keep writing while the caller reads the
// captured log, so both sides go through the mutex.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type evalResult struct {
	table *table.Table
	kind  ErrorKind
	err   error
}

func (e *Executor) eval(program string, src *table.Table, out *lockedBuffer) (ev evalResult) {
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(stdlib.Symbols); err != nil {
		ev.kind, ev.err = ErrorRuntimeFault, fmt.Errorf("failed to load stdlib: %w", err)
		return ev
	}
	if err := i.Use(Symbols()); err != nil {
		ev.kind, ev.err = ErrorRuntimeFault, fmt.Errorf("failed to load table symbols: %w", err)
		return ev
	}

	if _, err := i.Eval(program); err != nil {
		ev.kind, ev.err = ErrorBadProgram, fmt.Errorf("program evaluation failed: %w", err)
		return ev
	}

	fnVal, err := i.Eval("main." + EntryPoint)
	if err != nil {
		ev.kind, ev.err = ErrorEntryPointMissing, fmt.Errorf("%s not found: %w", EntryPoint, err)
		return ev
	}
	fn, ok := fnVal.Interface().(func(*table.Table) (*table.Table, error))
	if !ok {
		ev.kind = ErrorEntryPointMissing
		ev.err = fmt.Errorf("%s has wrong signature (expected func(*table.Table) (*table.Table, error))", EntryPoint)
		return ev
	}

	result, err := fn(src)
	if err != nil {
		ev.kind, ev.err = ErrorRuntimeFault, fmt.Errorf("program returned error: %w", err)
		return ev
	}
	if result == nil {
		ev.kind, ev.err = ErrorMalformedOutput, fmt.Errorf("program returned nil table")
		return ev
	}
	if err := result.Validate(); err != nil {
		ev.kind, ev.err = ErrorMalformedOutput, fmt.Errorf("program output malformed: %w", err)
		return ev
	}
	ev.table = result
	return ev
}

// checkProgram parses the program and rejects disallowed imports before
// anything runs. Parse failures surface as bad programs, not runtime
// faults, so repair feedback points at the source text.
func (e *Executor) checkProgram(program string) (ErrorKind, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "program.go", program, 0)
	if err != nil {
		return ErrorBadProgram, fmt.Errorf("parse error: %w", err)
	}
	if file.Name.Name != "main" {
		return ErrorBadProgram, fmt.Errorf("program package must be main, got %s", file.Name.Name)
	}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return ErrorBadProgram, fmt.Errorf("unreadable import %s", imp.Path.Value)
		}
		if !e.allowed[path] {
			return ErrorBadProgram, fmt.Errorf("import %q is not permitted", path)
		}
	}

	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Name.Name == EntryPoint && fn.Recv == nil {
			return ErrorNone, nil
		}
	}
	return ErrorEntryPointMissing, fmt.Errorf("program does not declare func %s", EntryPoint)
}

// watchMemory samples heap growth against a baseline until stopped. This
// is a best-effort guard: the interpreter shares our heap, so a runaway
// program shows up as growth here well before the process is at risk.
func (e *Executor) watchMemory(exceeded *atomic.Bool, stop <-chan struct{}) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > base.HeapAlloc && int64(now.HeapAlloc-base.HeapAlloc) > e.limits.MemoryLimit {
				exceeded.Store(true)
				return
			}
		}
	}
}

func allowedPackages() map[string]bool {
	return map[string]bool{
		// Safe stdlib packages
		"fmt":     true,
		"strings": true,
		"strconv": true,
		"math":    true,
		"sort":    true,
		"errors":  true,

		// The table model itself
		"datanerd/internal/table": true,

		// EXPLICITLY BLOCKED (unsafe packages):
		// "os" - filesystem access
		// "os/exec" - command execution
		// "net", "net/http" - network access
		// "syscall", "unsafe" - process escape hatches
		// "time" - table.ParseTime covers temporal parsing
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [output truncated]"
}
