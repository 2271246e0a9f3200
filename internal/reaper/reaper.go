// Package reaper collects the exit status of terminated children so they do
// not linger as zombies, and drops them from the registry.
//
// The SIGCHLD notification is delivered by the Go runtime onto a channel; no
// work happens in signal context. A supervisor goroutine wakes on that
// channel, on explicit kicks from the launcher and on a fallback sweep
// interval, and reaps every child that is immediately available. Several
// children exiting back to back may coalesce into a single notification, so a
// sweep never stops after the first reaped child.
package reaper

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procreap/internal/events"
	"github.com/Paintersrp/procreap/internal/metrics"
	"github.com/Paintersrp/procreap/internal/registry"
)

// Mode selects which children a sweep waits on.
type Mode string

const (
	// ModeTracked waits only on registered PIDs, leaving children started by
	// other code in the host process alone.
	ModeTracked Mode = "tracked"
	// ModeAll waits on any child. Use it when running as PID 1 or as a
	// subreaper that adopts orphaned descendants.
	ModeAll Mode = "all"
)

// DefaultSweepInterval is the fallback period between sweeps when no
// notification arrives.
const DefaultSweepInterval = time.Second

// ExitExecFailed mirrors the status used by launched children that could not
// replace their image. It is only used to classify reaped exits.
const ExitExecFailed = 42

type waitFunc func(pid int, status *unix.WaitStatus) (int, error)

// Config controls construction of a Reaper.
type Config struct {
	Registry      *registry.Registry
	Logger        zerolog.Logger
	Events        events.Sink
	Mode          Mode
	SweepInterval time.Duration
	Subreaper     bool
}

// Reaper owns the SIGCHLD subscription and the sweep loop.
type Reaper struct {
	reg       *registry.Registry
	log       zerolog.Logger
	sink      events.Sink
	mode      Mode
	interval  time.Duration
	subreaper bool

	wait       waitFunc
	notify     func(chan<- os.Signal)
	stopNotify func(chan<- os.Signal)

	// spawnMu keeps ModeAll sweeps from collecting a child between its spawn
	// and its registration.
	spawnMu sync.RWMutex

	kick        chan struct{}
	done        chan struct{}
	installOnce sync.Once
	installErr  error
}

// New constructs a reaper. Start must be called before children are reaped.
func New(cfg Config) *Reaper {
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeTracked
	}
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	return &Reaper{
		reg:       reg,
		log:       cfg.Logger,
		sink:      cfg.Events,
		mode:      mode,
		interval:  interval,
		subreaper: cfg.Subreaper,
		wait:      wait4NoHang,
		notify: func(ch chan<- os.Signal) {
			signal.Notify(ch, unix.SIGCHLD)
		},
		stopNotify: func(ch chan<- os.Signal) {
			signal.Stop(ch)
		},
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func wait4NoHang(pid int, status *unix.WaitStatus) (int, error) {
	return unix.Wait4(pid, status, unix.WNOHANG, nil)
}

// Start installs the SIGCHLD subscription and launches the sweep loop. Only
// the first call has any effect; later calls return the first call's error.
func (r *Reaper) Start(ctx context.Context) error {
	r.installOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if r.subreaper {
			if err := setSubreaper(); err != nil {
				r.installErr = err
				close(r.done)
				return
			}
		}
		sigCh := make(chan os.Signal, 1)
		r.notify(sigCh)
		r.log.Debug().Str("mode", string(r.mode)).Dur("sweep_interval", r.interval).Msg("reaper installed")
		go r.run(ctx, sigCh)
	})
	return r.installErr
}

// Done is closed once the sweep loop has exited.
func (r *Reaper) Done() <-chan struct{} {
	return r.done
}

// Kick requests an immediate sweep without blocking.
func (r *Reaper) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Hold blocks ModeAll sweeps until the returned release function is called.
// Launchers hold it across spawn and registration.
func (r *Reaper) Hold() func() {
	r.spawnMu.RLock()
	return r.spawnMu.RUnlock
}

func (r *Reaper) run(ctx context.Context, sigCh chan os.Signal) {
	defer close(r.done)
	defer r.stopNotify(sigCh)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.Sweep()
	for {
		select {
		case <-ctx.Done():
			r.Sweep()
			r.log.Debug().Msg("reaper stopped")
			return
		case <-sigCh:
		case <-r.kick:
		case <-tick:
		}
		r.Sweep()
	}
}

// Sweep reaps every child that has already terminated and returns how many
// tracked entries were removed. It never blocks waiting for a child.
func (r *Reaper) Sweep() int {
	if r.mode == ModeAll {
		return r.sweepAll()
	}
	removed := 0
	for _, pid := range r.reg.Snapshot() {
		if r.reapTracked(pid) {
			removed++
		}
	}
	return removed
}

func (r *Reaper) reapTracked(pid int) bool {
	for {
		var status unix.WaitStatus
		wpid, err := r.wait(pid, &status)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return r.lost(pid)
		case err != nil:
			r.log.Warn().Err(err).Int("pid", pid).Msg("wait4 failed")
			return false
		case wpid == pid:
			return r.collect(pid, status)
		default:
			return false
		}
	}
}

func (r *Reaper) sweepAll() int {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()

	removed := 0
	for {
		var status unix.WaitStatus
		wpid, err := r.wait(-1, &status)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// No children at all: anything still tracked was collected elsewhere.
			for _, pid := range r.reg.Snapshot() {
				if r.lost(pid) {
					removed++
				}
			}
			return removed
		case err != nil:
			r.log.Warn().Err(err).Msg("wait4 failed")
			return removed
		case wpid <= 0:
			return removed
		}
		if r.collect(wpid, status) {
			removed++
		} else {
			r.log.Debug().Int("pid", wpid).Msg("reaped untracked child")
		}
	}
}

func (r *Reaper) collect(pid int, status unix.WaitStatus) bool {
	if !r.reg.Remove(pid) {
		return false
	}
	metrics.DecTracked()

	evt := events.Event{Type: events.TypeTerminated, PID: pid, ExitCode: -1}
	logEvt := r.log.Debug().Int("pid", pid)
	switch {
	case status.Signaled():
		evt.Signal = syscall.Signal(status.Signal())
		metrics.IncReaped(metrics.OutcomeSignaled)
		logEvt = logEvt.Str("signal", evt.Signal.String())
	default:
		evt.ExitCode = status.ExitStatus()
		metrics.IncReaped(metrics.OutcomeExited)
		if evt.ExitCode == ExitExecFailed {
			metrics.IncExecFailure()
		}
		logEvt = logEvt.Int("exit_code", evt.ExitCode)
	}
	logEvt.Msg("process terminated")
	events.Send(r.sink, evt)
	return true
}

func (r *Reaper) lost(pid int) bool {
	if !r.reg.Remove(pid) {
		return false
	}
	metrics.DecTracked()
	metrics.IncReaped(metrics.OutcomeLost)
	r.log.Warn().Int("pid", pid).Msg("tracked process is no longer a child")
	events.Send(r.sink, events.Event{Type: events.TypeLost, PID: pid, ExitCode: -1})
	return true
}
