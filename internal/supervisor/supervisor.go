// Package supervisor implements the booth launch loop: verify the runtime
// environment, make the display reachable, clean up any stale child from a
// previous run, spawn the application, and relaunch it whenever it exits.
// The loop runs inside one process lifetime; shutdown signals stop the child
// and end the loop without relaunching.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/selfie-booth/boothd/internal/config"
	"github.com/selfie-booth/boothd/internal/display"
	"github.com/selfie-booth/boothd/internal/lockfile"
	"github.com/selfie-booth/boothd/internal/logbuf"
	"github.com/selfie-booth/boothd/internal/proc"
	"github.com/selfie-booth/boothd/internal/state"
)

// ErrVenvMissing means the prepared runtime environment is absent. This is
// a provisioning failure; nothing is spawned and the supervisor exits.
var ErrVenvMissing = errors.New("runtime environment missing")

// ErrRestartsExhausted means the configured restart attempt limit was hit.
var ErrRestartsExhausted = errors.New("restart attempts exhausted")

// Status is the externally visible supervisor state.
type Status struct {
	ChildState   proc.State `json:"child_state"`
	PID          int        `json:"pid,omitempty"`
	Uptime       string     `json:"uptime,omitempty"`
	RestartCount int        `json:"restart_count"`
	LastExitCode int        `json:"last_exit_code"`
	DisplayUp    bool       `json:"display_up"`
	AppDir       string     `json:"app_dir,omitempty"`
}

// Supervisor owns one application child and its display precondition.
type Supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	ring    *logbuf.Ring
	display *display.Manager
	state   *state.File
	limiter *rate.Limiter

	mu           sync.Mutex
	child        *proc.Child
	appDir       string
	restartCount int
	lastExitCode int

	restartCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once

	// counted display spawns already reported to metrics
	reportedStarts int
}

// New builds a supervisor from config. Nothing runs until Run.
func New(cfg *config.Config) (*Supervisor, error) {
	logger := slog.With("component", "supervisor")

	dm, err := display.NewManager(display.Config{
		Name:          cfg.Display.Name,
		ServerCommand: cfg.Display.ServerCommand,
		PollInterval:  cfg.Display.PollInterval.Duration,
		WaitTimeout:   cfg.Display.WaitTimeout.Duration,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("display config: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.Restart.MaxPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Restart.MaxPerMinute)/60.0), 1)
	}

	return &Supervisor{
		cfg:       cfg,
		logger:    logger,
		ring:      logbuf.New(cfg.LogBufferLines),
		display:   dm,
		state:     state.NewFile(cfg.RuntimeDir),
		limiter:   limiter,
		restartCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}, nil
}

// phase is a step in the launch loop.
type phase int

const (
	phaseStarting   phase = iota // verify preconditions, clean up, spawn
	phaseRunning                 // wait for exit, restart request, or shutdown
	phaseEvaluating              // record the exit, decide whether to relaunch
	phaseRestarting              // wait out the restart delay
	phaseStopped                 // terminal
)

// Run executes the launch loop until a shutdown request, context
// cancellation, or a fatal precondition failure. It returns nil on ordinary
// shutdown and an error when the supervisor cannot or may not continue.
func (s *Supervisor) Run(ctx context.Context) error {
	appDir, err := s.cfg.ResolveAppDir()
	if err != nil {
		return fmt.Errorf("resolving application directory: %w", err)
	}
	s.mu.Lock()
	s.appDir = appDir
	s.mu.Unlock()

	lock, err := lockfile.Acquire(filepath.Join(s.cfg.RuntimeDir, "boothd.lock"))
	if err != nil {
		return fmt.Errorf("acquiring supervisor lock: %w", err)
	}
	defer lock.Release()

	s.logger.Info("supervisor starting", "app_dir", appDir, "display", s.cfg.Display.Name)

	if s.cfg.WatchEntryPoint {
		go func() {
			if err := s.watchEntryPoint(ctx, appDir); err != nil {
				s.logger.Warn("entry point watcher stopped", "error", err)
			}
		}()
	}

	var runErr error
	p := phaseStarting
	for p != phaseStopped {
		switch p {
		case phaseStarting:
			p, runErr = s.handleStarting(ctx, appDir)
		case phaseRunning:
			p = s.handleRunning(ctx)
		case phaseEvaluating:
			p, runErr = s.handleEvaluating(ctx)
		case phaseRestarting:
			p = s.handleRestarting(ctx)
		}
	}

	s.shutdownChild(ctx)
	if runErr != nil {
		return runErr
	}
	s.logger.Info("supervisor stopped")
	return nil
}

// handleStarting runs the full precondition chain and spawns the child.
func (s *Supervisor) handleStarting(ctx context.Context, appDir string) (phase, error) {
	// Runtime environment must exist before anything is spawned.
	venv := s.cfg.VenvPath(appDir)
	if fi, err := os.Stat(venv); err != nil || !fi.IsDir() {
		return phaseStopped, fmt.Errorf("%w: expected virtualenv at %s (run provisioning first)", ErrVenvMissing, venv)
	}
	s.logger.Info("runtime environment present", "venv", venv)

	// Display next; the child is never spawned against a dead display.
	if err := s.display.Ensure(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return phaseStopped, nil
		}
		return phaseStopped, fmt.Errorf("ensuring display: %w", err)
	}
	s.reportDisplayStarts()

	if err := s.cleanupStale(ctx); err != nil {
		// A stale instance we could not remove may still hold the camera
		// and display; spawning alongside it would fight over both.
		s.logger.Error("stale instance cleanup failed", "error", err)
		if ctx.Err() != nil {
			return phaseStopped, nil
		}
		if !s.shouldRestart() {
			return phaseStopped, fmt.Errorf("%w after %d attempts", ErrRestartsExhausted, s.RestartCount())
		}
		s.bumpRestartCount()
		return phaseRestarting, nil
	}
	if ctx.Err() != nil {
		return phaseStopped, nil
	}

	child := proc.NewChild(proc.Config{
		Command: s.cfg.PythonPath(appDir),
		Args:    []string{s.cfg.EntryPath(appDir)},
		Dir:     appDir,
		Env:     s.childEnv(appDir),
		Grace:   s.cfg.Restart.StopGrace.Duration,
		Output:  s.ring,
	})

	s.mu.Lock()
	s.child = child
	s.mu.Unlock()

	s.logger.Info("starting application", "entry_point", s.cfg.EntryPath(appDir))
	if err := child.Start(ctx); err != nil {
		s.logger.Error("failed to start application", "error", err)
		if ctx.Err() != nil {
			return phaseStopped, nil
		}
		if !s.shouldRestart() {
			return phaseStopped, fmt.Errorf("%w after %d attempts", ErrRestartsExhausted, s.RestartCount())
		}
		s.bumpRestartCount()
		return phaseRestarting, nil
	}

	childRunning.Set(1)
	s.recordChild(child)
	return phaseRunning, nil
}

// handleRunning blocks until the child exits, a restart is requested, or
// shutdown begins.
func (s *Supervisor) handleRunning(ctx context.Context) phase {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()

	select {
	case <-child.Done():
		return phaseEvaluating
	case <-s.restartCh:
		s.logger.Info("restart requested, stopping application")
		child.Stop(ctx, s.cfg.Restart.StopGrace.Duration)
		s.mu.Lock()
		s.restartCount = 0
		s.mu.Unlock()
		childRunning.Set(0)
		return phaseStarting
	case <-s.stopCh:
		return phaseStopped
	case <-ctx.Done():
		return phaseStopped
	}
}

// handleEvaluating records the exit and decides whether to relaunch. A crash
// and a clean exit get the same treatment: the booth must come back.
func (s *Supervisor) handleEvaluating(ctx context.Context) (phase, error) {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()

	info := child.Info()
	childRunning.Set(0)
	lastExitCode.Set(float64(info.ExitCode))

	s.mu.Lock()
	s.lastExitCode = info.ExitCode
	s.mu.Unlock()

	// The child is gone; the record no longer identifies anything.
	if err := s.state.Clear(); err != nil {
		s.logger.Warn("failed to clear child record", "error", err)
	}

	if ctx.Err() != nil {
		return phaseStopped, nil
	}

	s.logger.Info("application exited", "exit_code", info.ExitCode, "error", info.Error)

	if !s.shouldRestart() {
		return phaseStopped, fmt.Errorf("%w after %d attempts", ErrRestartsExhausted, s.RestartCount())
	}
	s.bumpRestartCount()
	return phaseRestarting, nil
}

// handleRestarting waits out the restart delay (backoff plus the crash-loop
// rate limiter, whichever is longer).
func (s *Supervisor) handleRestarting(ctx context.Context) phase {
	delay := s.restartDelay()
	s.logger.Info("restarting application", "delay", delay, "restart_count", s.RestartCount())

	select {
	case <-time.After(delay):
		restartsTotal.Inc()
		return phaseStarting
	case <-s.stopCh:
		return phaseStopped
	case <-ctx.Done():
		return phaseStopped
	}
}

// cleanupStale terminates the child recorded by a previous supervisor run,
// then waits the settle delay so camera and display handles are released
// before the respawn.
func (s *Supervisor) cleanupStale(ctx context.Context) error {
	rec, err := s.state.Load()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	tracked, err := proc.Find(rec.PID, rec.Command, rec.StartTime)
	if err != nil {
		// PID reused by an unrelated process: forget the record, touch nothing.
		s.state.Clear()
		return err
	}
	if tracked == nil {
		s.state.Clear()
		return nil
	}

	s.logger.Info("terminating stale application instance", "pid", tracked.PID())
	if err := tracked.Terminate(s.cfg.Restart.StopGrace.Duration); err != nil {
		return err
	}
	s.state.Clear()

	settle := s.cfg.Restart.SettleDelay.Duration
	if settle > 0 {
		s.logger.Info("waiting for resources to settle", "delay", settle)
		select {
		case <-time.After(settle):
		case <-ctx.Done():
		}
	}
	return nil
}

// recordChild persists the new child's identity for the next supervisor run.
func (s *Supervisor) recordChild(child *proc.Child) {
	info := child.Info()
	rec := state.ChildRecord{
		PID:       info.PID,
		Command:   s.cfg.PythonPath(s.AppDir()),
		StartedAt: time.Now().Unix(),
	}
	if st, err := proc.StartTime(info.PID); err == nil {
		rec.StartTime = st
	}
	if err := s.state.Save(rec); err != nil {
		s.logger.Warn("failed to record child", "error", err)
	}
}

// shutdownChild stops the child on the way out of the loop. Ordinary exits
// have already cleared s.child's liveness; this only acts on a running child
// (shutdown request or context cancellation mid-run).
func (s *Supervisor) shutdownChild(ctx context.Context) {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()

	if child == nil || child.Info().State != proc.StateRunning {
		return
	}

	s.logger.Info("stopping application for shutdown")
	// The run context may already be cancelled; stop with a fresh one.
	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Restart.StopGrace.Duration+5*time.Second)
	defer cancel()
	if err := child.Stop(stopCtx, s.cfg.Restart.StopGrace.Duration); err != nil {
		s.logger.Warn("error stopping application", "error", err)
	}
	childRunning.Set(0)
	if err := s.state.Clear(); err != nil {
		s.logger.Warn("failed to clear child record", "error", err)
	}
}

func (s *Supervisor) reportDisplayStarts() {
	starts := s.display.ServerStarts()
	s.mu.Lock()
	diff := starts - s.reportedStarts
	s.reportedStarts = starts
	s.mu.Unlock()
	if diff > 0 {
		displayStartsTotal.Add(float64(diff))
	}
}

func (s *Supervisor) shouldRestart() bool {
	max := s.cfg.Restart.MaxAttempts
	if max <= 0 {
		return true
	}
	return s.RestartCount() < max
}

func (s *Supervisor) bumpRestartCount() {
	s.mu.Lock()
	s.restartCount++
	s.mu.Unlock()
}

func (s *Supervisor) restartDelay() time.Duration {
	delay := s.cfg.Restart.Delay.Duration

	if s.cfg.Restart.Backoff == "exponential" {
		count := s.RestartCount()
		for i := 1; i < count; i++ {
			delay *= 2
			if delay <= 0 { // overflow
				delay = 24 * time.Hour
				break
			}
		}
		if max := s.cfg.Restart.MaxDelay.Duration; max > 0 && delay > max {
			delay = max
		}
	}

	// The rate limiter wins when crashes come faster than it allows.
	if s.limiter != nil {
		if wait := s.limiter.Reserve().Delay(); wait > delay {
			delay = wait
		}
	}
	return delay
}

// RequestRestart asks the loop to stop and relaunch the child. Safe to call
// from any goroutine; coalesces with a pending request.
func (s *Supervisor) RequestRestart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// RequestStop ends the loop: the child is stopped and never relaunched.
func (s *Supervisor) RequestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RestartCount returns how many relaunches have happened since the last
// clean start or manual restart.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// AppDir returns the resolved application directory (empty before Run).
func (s *Supervisor) AppDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appDir
}

// Status returns a snapshot for the control API.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	child := s.child
	st := Status{
		RestartCount: s.restartCount,
		LastExitCode: s.lastExitCode,
		AppDir:       s.appDir,
		ChildState:   proc.StateStopped,
	}
	s.mu.Unlock()

	if child != nil {
		info := child.Info()
		st.ChildState = info.State
		st.PID = info.PID
		st.LastExitCode = info.ExitCode
		if info.State == proc.StateRunning && !info.StartedAt.IsZero() {
			st.Uptime = time.Since(info.StartedAt).Truncate(time.Second).String()
		}
	}
	st.DisplayUp = s.display.Reachable()
	return st
}

// Logs returns the last n lines of application output.
func (s *Supervisor) Logs(n int) []string {
	return s.ring.Last(n)
}
