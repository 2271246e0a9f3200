// Package terminator queries liveness of tracked children and drives their
// graceful-then-forceful shutdown.
package terminator

import (
	"errors"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procreap/internal/events"
	"github.com/Paintersrp/procreap/internal/metrics"
	"github.com/Paintersrp/procreap/internal/registry"
)

const (
	// DefaultInterval is the pause between stop attempts.
	DefaultInterval = time.Second
	// DefaultEscalateAfter is the first attempt that sends SIGKILL.
	DefaultEscalateAfter = 10
)

// Signaler delivers a signal to a process.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// SignalerFunc adapts a function to the Signaler interface.
type SignalerFunc func(pid int, sig syscall.Signal) error

// Signal calls f(pid, sig).
func (f SignalerFunc) Signal(pid int, sig syscall.Signal) error {
	return f(pid, sig)
}

// Kill signals pid with kill(2). A process that no longer exists is not an
// error.
var Kill Signaler = SignalerFunc(func(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
})

// Config controls construction of a Terminator.
type Config struct {
	Registry      *registry.Registry
	Signaler      Signaler
	Logger        zerolog.Logger
	Events        events.Sink
	Interval      time.Duration
	EscalateAfter int
}

// Terminator stops tracked processes. It never mutates the registry; entries
// disappear only once the reaper has collected the child.
type Terminator struct {
	reg           *registry.Registry
	signaler      Signaler
	log           zerolog.Logger
	sink          events.Sink
	interval      time.Duration
	escalateAfter int
}

// New constructs a terminator.
func New(cfg Config) *Terminator {
	t := &Terminator{
		reg:           cfg.Registry,
		signaler:      cfg.Signaler,
		log:           cfg.Logger,
		sink:          cfg.Events,
		interval:      cfg.Interval,
		escalateAfter: cfg.EscalateAfter,
	}
	if t.reg == nil {
		t.reg = registry.New()
	}
	if t.signaler == nil {
		t.signaler = Kill
	}
	if t.interval <= 0 {
		t.interval = DefaultInterval
	}
	if t.escalateAfter <= 0 {
		t.escalateAfter = DefaultEscalateAfter
	}
	return t
}

// IsRunning reports whether pid is tracked.
func (t *Terminator) IsRunning(pid int) bool {
	return t.reg.Contains(pid)
}

// Stop sends SIGTERM once to a tracked process. Untracked PIDs are ignored.
func (t *Terminator) Stop(pid int) {
	if !t.reg.Contains(pid) {
		return
	}
	t.send(pid, unix.SIGTERM, 1)
}

// SignalFor returns the signal sent on the given 1-based attempt.
func (t *Terminator) SignalFor(attempt int) syscall.Signal {
	if attempt >= t.escalateAfter {
		return unix.SIGKILL
	}
	return unix.SIGTERM
}

// StopWait signals pid until the reaper has removed it. Attempts before
// EscalateAfter send SIGTERM, later ones SIGKILL. It has no timeout.
func (t *Terminator) StopWait(pid int) {
	if !t.reg.Contains(pid) {
		return
	}
	started := time.Now()
	done := t.reg.Done(pid)

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		sig := t.SignalFor(attempt)
		if attempt == t.escalateAfter {
			t.log.Warn().Int("pid", pid).Int("attempt", attempt).Msg("escalating to SIGKILL")
			events.Send(t.sink, events.Event{
				Type:     events.TypeEscalated,
				PID:      pid,
				ExitCode: -1,
				Signal:   sig,
				Attempt:  attempt,
			})
		}
		t.send(pid, sig, attempt)

		timer.Reset(t.interval)

		select {
		case <-done:
			elapsed := time.Since(started)
			metrics.ObserveStopWait(elapsed)
			t.log.Debug().Int("pid", pid).Int("attempts", attempt).Dur("elapsed", elapsed).Msg("process stopped")
			return
		case <-timer.C:
		}
	}
}

// StopAll stop-waits every process tracked at the time of the call, one at a
// time.
func (t *Terminator) StopAll() {
	pids := t.reg.Snapshot()
	if len(pids) == 0 {
		return
	}
	t.log.Info().Int("count", len(pids)).Msg("stopping all processes")
	for _, pid := range pids {
		t.StopWait(pid)
	}
}

func (t *Terminator) send(pid int, sig syscall.Signal, attempt int) {
	metrics.IncStopSignal(sig)
	events.Send(t.sink, events.Event{
		Type:     events.TypeStopping,
		PID:      pid,
		ExitCode: -1,
		Signal:   sig,
		Attempt:  attempt,
	})
	if err := t.signaler.Signal(pid, sig); err != nil {
		t.log.Warn().Err(err).Int("pid", pid).Str("signal", sig.String()).Msg("signal failed")
		return
	}
	t.log.Debug().Int("pid", pid).Str("signal", sig.String()).Int("attempt", attempt).Msg("signal sent")
}
