package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"sandboxd/internal/monitor"
	"sandboxd/internal/quota"
	"sandboxd/internal/security"
	"sandboxd/internal/terminal"
)

// interactiveSession pairs a multiplexed PTY session with the monitor and
// quota enforcer watching its shell process.
type interactiveSession struct {
	id       string
	monitor  *monitor.Monitor
	enforcer *quota.Enforcer
	recorder *terminal.Recorder
}

// InteractiveConfig configures a new interactive terminal session.
type InteractiveConfig struct {
	WorkDir string
	Shell   string
	Rows    uint16
	Cols    uint16
	Env     map[string]string
	Limits  Limits
	Profile *security.Profile
	Record  bool
}

// StartInteractive creates a multiplexed PTY session, builds its quota
// enforcer, starts its resource monitor, and returns its snapshot. The
// enforcer's breach callback kills the shell's process group (the shell's
// PID, since it was spawned with Setpgid: true); the monitor's samples are
// not passed to the enforcer, and cfg.Profile is not applied to the shell.
func (f *Facade) StartInteractive(ctx context.Context, cfg InteractiveConfig) (*terminal.SessionSnapshot, error) {
	snap, err := f.mux.CreateSession(ctx, terminal.SessionOptions{
		WorkDir: cfg.WorkDir,
		Shell:   cfg.Shell,
		Rows:    cfg.Rows,
		Cols:    cfg.Cols,
		Env:     cfg.Env,
		Name:    "sandbox-interactive",
	})
	if err != nil {
		return nil, err
	}

	grace := cfg.Limits.GracePeriod
	if grace <= 0 {
		grace = 3 * time.Second
	}

	var enforcer *quota.Enforcer
	enforcer = quota.NewEnforcer(cfg.Limits.MemoryBytes, cfg.Limits.CPUSeconds, cfg.Limits.WallSeconds, cfg.Limits.OutputBytes,
		func(name string, limit, current float64) {
			if pid, err := f.mux.Pid(snap.ID); err == nil {
				enforcer.Kill(pid, grace)
			}
		})

	is := &interactiveSession{id: snap.ID, enforcer: enforcer}

	if cfg.Record {
		rec := terminal.NewRecorder(int(snap.Rows), int(snap.Cols))
		if err := f.mux.SetRecorder(snap.ID, rec); err != nil {
			return nil, fmt.Errorf("attach recorder: %w", err)
		}
		is.recorder = rec
	}

	if pid, err := f.mux.Pid(snap.ID); err == nil {
		m := monitor.New(pid, snap.ID, "shell", time.Second)
		m.Start(ctx)
		is.monitor = m
	}

	f.mu.Lock()
	f.sessions[snap.ID] = is
	f.mu.Unlock()

	return snap, nil
}

// StopInteractive stops a session's monitor, closes its multiplexer
// session, and returns the final recorded usage.
func (f *Facade) StopInteractive(sessionID string) (monitor.Usage, error) {
	f.mu.Lock()
	is, ok := f.sessions[sessionID]
	if ok {
		delete(f.sessions, sessionID)
	}
	f.mu.Unlock()

	if !ok {
		return monitor.Usage{}, fmt.Errorf("unknown interactive session %q", sessionID)
	}
	if is.monitor != nil {
		is.monitor.Stop()
	}
	err := f.mux.CloseSession(sessionID)
	usage := monitor.Usage{}
	if is.monitor != nil {
		usage = is.monitor.Usage()
	}
	return usage, err
}

// Recording returns the JSON recording of an interactive session, if it was
// started with Record: true.
func (f *Facade) Recording(sessionID string, duration time.Duration) ([]byte, error) {
	f.mu.Lock()
	is, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown interactive session %q", sessionID)
	}
	if is.recorder == nil {
		return nil, fmt.Errorf("session %q was not started with recording enabled", sessionID)
	}
	return is.recorder.JSON(duration)
}

// ServeTerminal upgrades r to a websocket and attaches it to sessionID.
func (f *Facade) ServeTerminal(w http.ResponseWriter, r *http.Request, sessionID string) error {
	return f.ws.ServeWS(w, r, sessionID)
}

// ListInteractive returns a snapshot of every live multiplexed session.
func (f *Facade) ListInteractive() []terminal.SessionSnapshot {
	return f.mux.ListSessions()
}
