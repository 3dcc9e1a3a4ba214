// Package quota enforces per-execution resource quotas: memory, CPU time,
// wall-clock time, and output volume. Each quota transitions to exceeded
// exactly once, on the sample that first crosses its limit, firing a single
// callback; repeated samples past the limit are silent. A breached time or
// process quota escalates the same way the direct execution backend does:
// a graceful signal, a short grace period, then a forced kill of the
// process group.
package quota

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// ExceededFunc is invoked exactly once, on the rising edge of a quota
// breach, with the quota's name, its configured limit, and the observed
// value that crossed it.
type ExceededFunc func(name string, limit, current float64)

// Limit tracks a single named threshold and its rising-edge exceeded state.
type Limit struct {
	mu       sync.Mutex
	name     string
	limit    float64
	exceeded bool
}

// NewLimit creates a quota with the given name and limit. A limit of 0 or
// less means unlimited: Check always returns false.
func NewLimit(name string, limit float64) *Limit {
	return &Limit{name: name, limit: limit}
}

// Check records a new sample. It returns true if the sample exceeds the
// limit (whether or not this is the first such sample) and invokes fn
// exactly once, on the first sample that exceeds it.
func (l *Limit) Check(current float64, fn ExceededFunc) bool {
	if l.limit <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if current <= l.limit {
		return false
	}
	if !l.exceeded {
		l.exceeded = true
		if fn != nil {
			fn(l.name, l.limit, current)
		}
	}
	return true
}

// Exceeded reports whether this quota has ever fired.
func (l *Limit) Exceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exceeded
}

// Name returns the quota's name.
func (l *Limit) Name() string { return l.name }

// Failure is the result of a quota breach, shaped to match the execution
// result contract: a failed run with no meaningful exit code.
type Failure struct {
	Success  bool
	ExitCode int
	Error    string
}

// NewFailure builds the standard quota-exceeded failure result.
func NewFailure(name string, limit, observed float64) Failure {
	return Failure{
		Success:  false,
		ExitCode: -1,
		Error:    fmt.Sprintf("quota %s exceeded: limit %v, observed %v", name, limit, observed),
	}
}

// Enforcer composes the quotas that apply to one execution: memory, CPU
// time, wall-clock time, and output size. It is safe for concurrent use by
// the monitor sampling loop and the I/O copy goroutines of one execution.
type Enforcer struct {
	start time.Time

	memory *Limit
	cpu    *Limit
	output *Limit
	wall   *Limit

	onExceeded ExceededFunc

	mu        sync.Mutex
	breach    *Failure
	processes *ProcessLimiter
}

// NewEnforcer builds an enforcer. Any limit left at 0 is unenforced.
// onExceeded is called on each quota's first breach; it may be nil.
func NewEnforcer(memoryBytes, cpuSeconds, wallSeconds, outputBytes float64, onExceeded ExceededFunc) *Enforcer {
	return &Enforcer{
		start:      time.Now(),
		memory:     NewLimit("memory", memoryBytes),
		cpu:        NewLimit("cpu", cpuSeconds),
		output:     NewLimit("output", outputBytes),
		wall:       NewLimit("wall_time", wallSeconds),
		onExceeded: onExceeded,
		processes:  NewProcessLimiter(),
	}
}

func (e *Enforcer) recordBreach(name string, limit, current float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.breach == nil {
		f := NewFailure(name, limit, current)
		e.breach = &f
	}
}

// CheckMemory reports a memory sample in bytes.
func (e *Enforcer) CheckMemory(bytes float64) bool {
	return e.memory.Check(bytes, e.fire)
}

// CheckCPU reports a cumulative CPU-time sample in seconds.
func (e *Enforcer) CheckCPU(seconds float64) bool {
	return e.cpu.Check(seconds, e.fire)
}

// CheckOutput reports a cumulative output-size sample in bytes.
func (e *Enforcer) CheckOutput(bytes float64) bool {
	return e.output.Check(bytes, e.fire)
}

// CheckElapsed derives the current wall-clock duration from the enforcer's
// start time and checks it against the wall-time quota.
func (e *Enforcer) CheckElapsed() bool {
	return e.wall.Check(time.Since(e.start).Seconds(), e.fire)
}

func (e *Enforcer) fire(name string, limit, current float64) {
	e.recordBreach(name, limit, current)
	if e.onExceeded != nil {
		e.onExceeded(name, limit, current)
	}
}

// Breach returns the first quota failure recorded, or nil if none has
// occurred.
func (e *Enforcer) Breach() *Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breach
}

// Kill escalates termination of the given process group: SIGTERM
// immediately, SIGKILL after grace if the group hasn't exited. Safe to call
// more than once; only the first call has effect.
func (e *Enforcer) Kill(pgid int, grace time.Duration) {
	e.processes.Trigger(pgid, grace)
}

// ProcessLimiter is a one-shot graceful-then-forced process-group
// terminator, the same escalation the direct execution backend uses for
// timeouts.
type ProcessLimiter struct {
	mu    sync.Mutex
	fired bool
}

// NewProcessLimiter creates an unfired limiter.
func NewProcessLimiter() *ProcessLimiter {
	return &ProcessLimiter{}
}

// Trigger sends SIGTERM to the process group immediately and schedules
// SIGKILL after grace. A second call while armed or after firing is a
// no-op.
func (p *ProcessLimiter) Trigger(pgid int, grace time.Duration) {
	p.mu.Lock()
	if p.fired {
		p.mu.Unlock()
		return
	}
	p.fired = true
	p.mu.Unlock()

	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(grace, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

// OutputLimiter throttles how fast an execution's stdout/stderr is drained,
// independent of the total-size quota: it bounds burstiness rather than
// volume, guarding against a process that writes in one enormous burst.
type OutputLimiter struct {
	limiter *rate.Limiter
}

// NewOutputLimiter creates a token-bucket limiter allowing bytesPerSecond
// sustained throughput with the given burst allowance.
func NewOutputLimiter(bytesPerSecond float64, burst int) *OutputLimiter {
	return &OutputLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// Allow reports whether n bytes may be forwarded right now without
// blocking.
func (o *OutputLimiter) Allow(n int) bool {
	return o.limiter.AllowN(time.Now(), n)
}
