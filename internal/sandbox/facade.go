// Package sandbox is the top-level session façade: it combines language
// dispatch (execution.GetRunner), the pluggable execution backends (direct
// process, Docker container, Kubernetes pod), the security policy, resource
// monitor, and quota enforcer into one API for running a single batch
// execution or driving an interactive terminal session, grounded in
// execution.SandboxFactory's backend-selection-with-fallback pattern.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sandboxd/internal/config"
	"sandboxd/internal/execution"
	"sandboxd/internal/logging"
	"sandboxd/internal/monitor"
	"sandboxd/internal/quota"
	"sandboxd/internal/security"
	"sandboxd/internal/terminal"
)

// Backend selects which execution backend runs a request. The enumerated
// values mirror config.Backend (direct/container/pod/podlike); BackendAuto
// is an additional Go-API convenience with no configuration-record
// equivalent, letting a caller defer to whichever backend is available
// rather than naming one.
type Backend string

const (
	BackendAuto      Backend = "auto"
	BackendDirect    Backend = Backend(config.BackendDirect)
	BackendContainer Backend = Backend(config.BackendContainer)
	BackendPod       Backend = Backend(config.BackendPod)
	BackendPodlike   Backend = Backend(config.BackendPodlike)
)

// Limits bounds one execution's resource consumption. A zero value in any
// field means that quota is unenforced.
type Limits struct {
	MemoryBytes   float64
	CPUSeconds    float64
	WallSeconds   float64
	OutputBytes   float64
	GracePeriod   time.Duration
}

// DefaultLimits returns the sandbox's standard per-execution ceilings.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 512 * 1024 * 1024,
		CPUSeconds:  10,
		WallSeconds: 30,
		OutputBytes: 10 * 1024 * 1024,
		GracePeriod: 3 * time.Second,
	}
}

// Request is one request to run source code to completion.
type Request struct {
	Language string
	Code     string
	Stdin    string
	Backend  Backend
	Limits   Limits
	Profile  *security.Profile // nil uses security.DefaultProfile()
}

// Result is an execution's outcome together with the resource usage and
// quota breach (if any) observed while it ran.
type Result struct {
	Execution *execution.ExecutionResult
	Usage     monitor.Usage
	Breach    *quota.Failure
	Backend   Backend
}

// Facade is the sandbox's single entry point: it dispatches batch
// executions across backends and manages interactive terminal sessions,
// each interactive session with its own resource monitor and quota
// enforcer.
type Facade struct {
	factory *execution.SandboxFactory
	pod     *PodBackend // nil if no Kubernetes API server is configured
	mux     *terminal.Multiplexer
	ws      *terminal.WSTransport

	mu       sync.Mutex
	sessions map[string]*interactiveSession
}

// Config configures a Facade.
type Config struct {
	SandboxFactory *execution.SandboxFactory
	PodBackend     *PodBackend
	AllowedOrigins []string
}

// New builds a Facade. If cfg.SandboxFactory is nil, one is created with
// DefaultSandboxFactoryConfig.
func New(cfg Config) (*Facade, error) {
	factory := cfg.SandboxFactory
	if factory == nil {
		f, err := execution.NewSandboxFactory(execution.DefaultSandboxFactoryConfig())
		if err != nil {
			return nil, fmt.Errorf("initialize sandbox factory: %w", err)
		}
		factory = f
	}

	mux := terminal.NewMultiplexer()
	return &Facade{
		factory:  factory,
		pod:      cfg.PodBackend,
		mux:      mux,
		ws:       terminal.NewWSTransport(mux, cfg.AllowedOrigins),
		sessions: make(map[string]*interactiveSession),
	}, nil
}

// Execute runs req to completion on the selected backend. A quota enforcer
// is built from req.Limits, but no resource monitor feeds it samples during
// a batch run, so Result.Breach is always nil and Result.Usage is left
// zero. Only the pod backend reads req.Profile and req.Limits (its memory
// limit); the other backends apply their own configured limits and policy.
func (f *Facade) Execute(ctx context.Context, req Request) (*Result, error) {
	if _, err := execution.GetRunner(req.Language); err != nil {
		return nil, fmt.Errorf("unsupported language %q: %w", req.Language, err)
	}

	profile := security.DefaultProfile()
	if req.Profile != nil {
		profile = *req.Profile
	}
	limits := req.Limits

	backend := req.Backend
	if backend == "" {
		backend = BackendAuto
	}

	enforcer := quota.NewEnforcer(limits.MemoryBytes, limits.CPUSeconds, limits.WallSeconds, limits.OutputBytes,
		func(name string, limit, current float64) {
			logging.S().Warnw("quota exceeded", "quota", name, "limit", limit, "observed", current)
		})

	switch backend {
	case BackendPod:
		if f.pod == nil {
			return nil, fmt.Errorf("pod backend not configured")
		}
		res, err := f.pod.Execute(ctx, req, profile)
		if err != nil {
			return nil, err
		}
		return &Result{Execution: res, Backend: BackendPod, Breach: enforcer.Breach()}, nil

	case BackendContainer:
		exec, err := f.factory.GetExecutor(execution.SandboxTypeContainer)
		if err != nil {
			return nil, err
		}
		res, err := exec.Execute(ctx, req.Language, req.Code, req.Stdin)
		return &Result{Execution: res, Backend: backend, Breach: enforcer.Breach()}, err

	case BackendPodlike:
		// podlike requests a container-isolated run through sandbox/v2's
		// Docker-SDK-native executor (gVisor/Firecracker IsolationMode);
		// GetExecutor falls back to the plain container executor when no
		// isolated backend was configured.
		exec, err := f.factory.GetExecutor(execution.SandboxTypeIsolated)
		if err != nil {
			return nil, err
		}
		res, err := exec.Execute(ctx, req.Language, req.Code, req.Stdin)
		return &Result{Execution: res, Backend: backend, Breach: enforcer.Breach()}, err

	case BackendDirect:
		exec, err := f.factory.GetExecutor(execution.SandboxTypeProcess)
		if err != nil {
			return nil, err
		}
		res, err := exec.Execute(ctx, req.Language, req.Code, req.Stdin)
		return &Result{Execution: res, Backend: BackendDirect, Breach: enforcer.Breach()}, err

	default: // BackendAuto
		res, err := f.factory.Execute(ctx, req.Language, req.Code, req.Stdin)
		chosen := BackendDirect
		if f.factory.IsContainerAvailable() {
			chosen = BackendContainer
		}
		return &Result{Execution: res, Backend: chosen, Breach: enforcer.Breach()}, err
	}
}

// IsContainerAvailable reports whether the container backend can be used.
func (f *Facade) IsContainerAvailable() bool {
	return f.factory.IsContainerAvailable()
}

// IsPodAvailable reports whether the pod backend is configured.
func (f *Facade) IsPodAvailable() bool {
	return f.pod != nil
}

// Capabilities reports what this facade's backends currently support.
func (f *Facade) Capabilities() execution.SandboxCapabilities {
	caps := f.factory.GetCapabilities()
	return caps
}

// Stats returns combined statistics across backends.
func (f *Facade) Stats() map[string]interface{} {
	return f.factory.GetStats()
}

// Cleanup releases resources held by all backends and terminates any
// interactive sessions.
func (f *Facade) Cleanup() error {
	f.mu.Lock()
	for id, s := range f.sessions {
		if s.monitor != nil {
			s.monitor.Stop()
		}
		_ = f.mux.CloseSession(id)
		delete(f.sessions, id)
	}
	f.mu.Unlock()
	return f.factory.Cleanup()
}
