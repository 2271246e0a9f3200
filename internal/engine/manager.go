// Package engine wires the registry, reaper, launcher and terminator into a
// single Manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/procreap/internal/eventmux"
	"github.com/Paintersrp/procreap/internal/events"
	"github.com/Paintersrp/procreap/internal/launcher"
	"github.com/Paintersrp/procreap/internal/reaper"
	"github.com/Paintersrp/procreap/internal/registry"
	"github.com/Paintersrp/procreap/internal/terminator"
)

var (
	// ErrNotRunning is returned by launches attempted before Start or after
	// the reaper has stopped, since nothing would reap the child.
	ErrNotRunning = errors.New("manager not running")
	// ErrUnknownProcess is returned when a PID is not tracked.
	ErrUnknownProcess = errors.New("unknown process")
)

// DefaultHistory is the number of finished processes retained for listing.
const DefaultHistory = 64

type options struct {
	logger        zerolog.Logger
	logLevel      string
	logFormat     string
	mode          reaper.Mode
	sweepInterval time.Duration
	subreaper     bool
	stopInterval  time.Duration
	escalateAfter int
	signaler      terminator.Signaler
	eventBuffer   int
	history       int
	sink          events.Sink
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithChildLogging sets the level and format used by children to report exec
// failures.
func WithChildLogging(level, format string) Option {
	return func(o *options) {
		o.logLevel = level
		o.logFormat = format
	}
}

// WithReaperMode selects which children the reaper waits on.
func WithReaperMode(mode reaper.Mode) Option {
	return func(o *options) { o.mode = mode }
}

// WithSweepInterval sets the fallback sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithSubreaper marks the process as a child subreaper on Start.
func WithSubreaper(enabled bool) Option {
	return func(o *options) { o.subreaper = enabled }
}

// WithStopPolicy sets the pause between stop attempts and the attempt that
// escalates to SIGKILL.
func WithStopPolicy(interval time.Duration, escalateAfter int) Option {
	return func(o *options) {
		o.stopInterval = interval
		o.escalateAfter = escalateAfter
	}
}

// WithSignaler replaces signal delivery, mainly for tests.
func WithSignaler(s terminator.Signaler) Option {
	return func(o *options) { o.signaler = s }
}

// WithEventBuffer sets the per-subscriber event buffer.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithHistory sets how many finished processes are retained for listing.
func WithHistory(n int) Option {
	return func(o *options) { o.history = n }
}

// WithEventSink adds a sink that receives every event synchronously.
func WithEventSink(sink events.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// Spec describes a process to launch.
type Spec struct {
	Name        string   `json:"name,omitempty"`
	Command     []string `json:"command"`
	LibraryPath string   `json:"libraryPath,omitempty"`
}

// Manager owns one registry and the components that share it.
type Manager struct {
	log        zerolog.Logger
	reg        *registry.Registry
	reaper     *reaper.Reaper
	launcher   *launcher.Launcher
	terminator *terminator.Terminator
	mux        *eventmux.Mux
	table      *table

	startOnce sync.Once
	started   chan struct{}
	startErr  error
	stopping  <-chan struct{}
	closeOnce sync.Once
}

// New constructs a manager. Start must be called before launching.
func New(opts ...Option) *Manager {
	o := options{
		mode:        reaper.ModeTracked,
		eventBuffer: DefaultEventBuffer,
		history:     DefaultHistory,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	reg := registry.New()
	mux := eventmux.New(o.eventBuffer)
	tbl := newTable(o.history)
	sink := &fanout{table: tbl, mux: mux, extra: o.sink}

	r := reaper.New(reaper.Config{
		Registry:      reg,
		Logger:        o.logger.With().Str("component", "reaper").Logger(),
		Events:        sink,
		Mode:          o.mode,
		SweepInterval: o.sweepInterval,
		Subreaper:     o.subreaper,
	})

	return &Manager{
		log:    o.logger,
		reg:    reg,
		reaper: r,
		launcher: launcher.New(launcher.Config{
			Registry:  reg,
			Reaper:    r,
			Logger:    o.logger.With().Str("component", "launcher").Logger(),
			Events:    sink,
			LogLevel:  o.logLevel,
			LogFormat: o.logFormat,
		}),
		terminator: terminator.New(terminator.Config{
			Registry:      reg,
			Signaler:      o.signaler,
			Logger:        o.logger.With().Str("component", "terminator").Logger(),
			Events:        sink,
			Interval:      o.stopInterval,
			EscalateAfter: o.escalateAfter,
		}),
		mux:     mux,
		table:   tbl,
		started: make(chan struct{}),
	}
}

// Start installs the reaper. The reaper runs until ctx is cancelled. Only the
// first call has any effect.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		if err := m.reaper.Start(ctx); err != nil {
			m.startErr = fmt.Errorf("start reaper: %w", err)
			return
		}
		if ctx != nil {
			m.stopping = ctx.Done()
		}
		close(m.started)
	})
	return m.startErr
}

// Done is closed once the reaper has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.reaper.Done()
}

// Close ends all event subscriptions. Tracked processes are left alone; call
// StopAll first to terminate them.
func (m *Manager) Close() {
	m.closeOnce.Do(m.mux.Close)
}

// ready reports ErrNotRunning unless the reaper is installed and its context
// is still live. A child launched once the final sweep may have run would
// stay tracked forever.
func (m *Manager) ready() error {
	select {
	case <-m.started:
	default:
		return ErrNotRunning
	}
	select {
	case <-m.stopping:
		return ErrNotRunning
	case <-m.reaper.Done():
		return ErrNotRunning
	default:
		return nil
	}
}

// Launch spawns argv and returns its PID.
func (m *Manager) Launch(argv []string) (int, error) {
	if err := m.ready(); err != nil {
		return launcher.InvalidPID, err
	}
	return m.launcher.Launch(argv)
}

// LaunchWithLibraryPath spawns argv with LD_LIBRARY_PATH set in the child.
func (m *Manager) LaunchWithLibraryPath(argv []string, path string) (int, error) {
	if err := m.ready(); err != nil {
		return launcher.InvalidPID, err
	}
	pid, err := m.launcher.LaunchWithLibraryPath(argv, path)
	if err == nil {
		m.table.annotate(pid, "", path)
	}
	return pid, err
}

// LaunchAndWait spawns argv and blocks until it has been reaped. If the reaper
// stops first it returns the PID with ErrNotRunning.
func (m *Manager) LaunchAndWait(argv []string) (int, error) {
	if err := m.ready(); err != nil {
		return launcher.InvalidPID, err
	}
	pid, err := m.launcher.Launch(argv)
	if err != nil {
		return pid, err
	}
	select {
	case <-m.reg.Done(pid):
		return pid, nil
	case <-m.reaper.Done():
		select {
		case <-m.reg.Done(pid):
			return pid, nil
		default:
			return pid, ErrNotRunning
		}
	}
}

// Run launches spec, applying its library path when set.
func (m *Manager) Run(spec Spec) (int, error) {
	if err := m.ready(); err != nil {
		return launcher.InvalidPID, err
	}
	var (
		pid int
		err error
	)
	if spec.LibraryPath != "" {
		pid, err = m.launcher.LaunchWithLibraryPath(spec.Command, spec.LibraryPath)
	} else {
		pid, err = m.launcher.Launch(spec.Command)
	}
	if err != nil {
		if spec.Name != "" {
			return pid, fmt.Errorf("launch %s: %w", spec.Name, err)
		}
		return pid, err
	}
	m.table.annotate(pid, spec.Name, spec.LibraryPath)
	return pid, nil
}

// IsRunning reports whether pid is tracked.
func (m *Manager) IsRunning(pid int) bool {
	return m.terminator.IsRunning(pid)
}

// Stop sends SIGTERM once to a tracked process.
func (m *Manager) Stop(pid int) {
	m.terminator.Stop(pid)
}

// StopWait signals pid until it has been reaped, escalating to SIGKILL.
func (m *Manager) StopWait(pid int) {
	m.terminator.StopWait(pid)
}

// StopAll stop-waits every tracked process.
func (m *Manager) StopAll() {
	m.terminator.StopAll()
}

// Terminate stops a tracked process, optionally waiting for it to be reaped.
// Unlike Stop it reports ErrUnknownProcess for untracked PIDs.
func (m *Manager) Terminate(pid int, wait bool) error {
	if !m.reg.Contains(pid) {
		return fmt.Errorf("%w: %d", ErrUnknownProcess, pid)
	}
	if wait {
		m.terminator.StopWait(pid)
	} else {
		m.terminator.Stop(pid)
	}
	return nil
}

// Wait blocks until pid is no longer tracked or ctx is done.
func (m *Manager) Wait(ctx context.Context, pid int) error {
	return m.reg.Wait(ctx, pid)
}

// Snapshot returns the tracked PIDs in ascending order.
func (m *Manager) Snapshot() []int {
	return m.reg.Snapshot()
}

// Processes lists live processes followed by recently finished ones.
func (m *Manager) Processes() []ProcessInfo {
	return m.table.list()
}

// Process returns the manager's view of pid.
func (m *Manager) Process(pid int) (ProcessInfo, bool) {
	return m.table.get(pid)
}

// Subscribe returns a channel of lifecycle events and a cancel function.
func (m *Manager) Subscribe() (<-chan events.Event, func()) {
	return m.mux.Subscribe()
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns a process-wide manager, created and started on first use.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = New()
		if err := defaultManager.Start(context.Background()); err != nil {
			defaultManager.log.Error().Err(err).Msg("start default manager")
		}
	})
	return defaultManager
}
