package terminator

import (
	"context"
	"os/exec"
	stdruntime "runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"
	"pgregory.net/rapid"

	"github.com/Paintersrp/procreap/internal/events"
	"github.com/Paintersrp/procreap/internal/reaper"
	"github.com/Paintersrp/procreap/internal/registry"
)

// fakeSignaler records deliveries and removes the PID, as the reaper would,
// once the process has received dieAfter signals or a SIGKILL.
type fakeSignaler struct {
	mu         sync.Mutex
	reg        *registry.Registry
	dieAfter   int
	ignoreTerm bool
	sent       map[int][]syscall.Signal
}

func newFakeSignaler(reg *registry.Registry) *fakeSignaler {
	return &fakeSignaler{reg: reg, sent: map[int][]syscall.Signal{}}
}

func (f *fakeSignaler) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	f.sent[pid] = append(f.sent[pid], sig)
	n := len(f.sent[pid])
	f.mu.Unlock()

	switch {
	case sig == unix.SIGKILL:
		f.reg.Remove(pid)
	case sig == unix.SIGTERM && !f.ignoreTerm && n >= f.dieAfter:
		f.reg.Remove(pid)
	}
	return nil
}

func (f *fakeSignaler) signals(pid int) []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.sent[pid]...)
}

func newTestTerminator(reg *registry.Registry, sig Signaler, sink events.Sink) *Terminator {
	return New(Config{Registry: reg, Signaler: sig, Events: sink, Interval: time.Millisecond})
}

func TestIsRunningReflectsRegistry(t *testing.T) {
	g := NewWithT(t)
	reg := registry.New()
	term := newTestTerminator(reg, newFakeSignaler(reg), nil)

	g.Expect(term.IsRunning(100)).To(BeFalse())
	reg.Add(100)
	g.Expect(term.IsRunning(100)).To(BeTrue())
	reg.Remove(100)
	g.Expect(term.IsRunning(100)).To(BeFalse())
}

func TestStopSendsSingleTermToTrackedProcess(t *testing.T) {
	g := NewWithT(t)
	reg := registry.New()
	reg.Add(200)
	sig := newFakeSignaler(reg)
	sig.ignoreTerm = true

	term := newTestTerminator(reg, sig, nil)
	term.Stop(200)
	term.Stop(201)

	g.Expect(sig.signals(200)).To(Equal([]syscall.Signal{unix.SIGTERM}))
	g.Expect(sig.signals(201)).To(BeEmpty())
	g.Expect(reg.Contains(200)).To(BeTrue(), "stop must not remove entries itself")
}

func TestStopWaitEscalatesOnTenthAttempt(t *testing.T) {
	g := NewWithT(t)
	reg := registry.New()
	reg.Add(300)
	sig := newFakeSignaler(reg)
	sig.ignoreTerm = true

	var mu sync.Mutex
	var escalated []events.Event
	sink := events.SinkFunc(func(evt events.Event) {
		if evt.Type == events.TypeEscalated {
			mu.Lock()
			escalated = append(escalated, evt)
			mu.Unlock()
		}
	})

	newTestTerminator(reg, sig, sink).StopWait(300)

	sent := sig.signals(300)
	g.Expect(sent).To(HaveLen(10))
	for i := 0; i < 9; i++ {
		g.Expect(sent[i]).To(Equal(unix.SIGTERM), "attempt %d", i+1)
	}
	g.Expect(sent[9]).To(Equal(unix.SIGKILL))
	g.Expect(reg.Contains(300)).To(BeFalse())

	mu.Lock()
	defer mu.Unlock()
	g.Expect(escalated).To(HaveLen(1))
	g.Expect(escalated[0].Attempt).To(Equal(10))
}

func TestStopWaitReturnsOnceProcessExits(t *testing.T) {
	g := NewWithT(t)
	reg := registry.New()
	reg.Add(400)
	sig := newFakeSignaler(reg)
	sig.dieAfter = 3

	newTestTerminator(reg, sig, nil).StopWait(400)

	g.Expect(sig.signals(400)).To(Equal([]syscall.Signal{unix.SIGTERM, unix.SIGTERM, unix.SIGTERM}))
	g.Expect(reg.Contains(400)).To(BeFalse())
}

func TestStopWaitUntrackedReturnsImmediately(t *testing.T) {
	reg := registry.New()
	sig := newFakeSignaler(reg)

	newTestTerminator(reg, sig, nil).StopWait(500)

	if got := sig.signals(500); len(got) != 0 {
		t.Fatalf("expected no signals for an untracked pid, got %v", got)
	}
}

func TestStopWaitWakesWhenReapedBetweenAttempts(t *testing.T) {
	reg := registry.New()
	reg.Add(600)
	sig := newFakeSignaler(reg)
	sig.ignoreTerm = true

	term := New(Config{Registry: reg, Signaler: sig, Interval: time.Hour})
	go func() {
		time.Sleep(50 * time.Millisecond)
		reg.Remove(600)
	}()

	done := make(chan struct{})
	go func() {
		term.StopWait(600)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stop wait did not return after the process was reaped")
	}
}

func TestStopWaitToleratesSignalErrors(t *testing.T) {
	reg := registry.New()
	reg.Add(700)
	calls := 0
	sig := SignalerFunc(func(pid int, s syscall.Signal) error {
		calls++
		if calls == 3 {
			reg.Remove(pid)
			return nil
		}
		return unix.EPERM
	})

	newTestTerminator(reg, sig, nil).StopWait(700)

	if calls != 3 {
		t.Fatalf("expected stop wait to keep signalling through errors, got %d calls", calls)
	}
}

func TestStopAllEmptiesRegistry(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg := registry.New()
		pids := rapid.SliceOfDistinct(rapid.IntRange(2, 1<<20), rapid.ID[int]).Draw(rt, "pids")
		for _, pid := range pids {
			reg.Add(pid)
		}
		sig := newFakeSignaler(reg)
		sig.dieAfter = rapid.IntRange(1, 12).Draw(rt, "dieAfter")
		sig.ignoreTerm = rapid.Bool().Draw(rt, "ignoreTerm")

		newTestTerminator(reg, sig, nil).StopAll()

		if reg.Len() != 0 {
			rt.Fatalf("registry not empty after stop all: %v", reg.Snapshot())
		}
		for _, pid := range pids {
			sent := sig.signals(pid)
			if len(sent) == 0 {
				rt.Fatalf("pid %d was never signalled", pid)
			}
			if len(sent) > DefaultEscalateAfter {
				rt.Fatalf("pid %d received %d signals, more than escalation requires", pid, len(sent))
			}
		}
	})
}

func TestSignalForProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		escalateAfter := rapid.IntRange(1, 50).Draw(rt, "escalateAfter")
		attempt := rapid.IntRange(1, 200).Draw(rt, "attempt")
		term := New(Config{EscalateAfter: escalateAfter})

		want := unix.SIGTERM
		if attempt >= escalateAfter {
			want = unix.SIGKILL
		}
		if got := term.SignalFor(attempt); got != want {
			rt.Fatalf("attempt %d with escalation at %d: got %v want %v", attempt, escalateAfter, got, want)
		}
	})
}

func TestKillIgnoresMissingProcess(t *testing.T) {
	if stdruntime.GOOS == "windows" {
		t.Skip("terminator tests skipped on windows")
	}
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := Kill.Signal(cmd.ProcessState.Pid(), unix.SIGTERM); err != nil {
		t.Fatalf("signalling an exited process should be a no-op, got %v", err)
	}
}

func TestStopWaitKillsProcessIgnoringTerm(t *testing.T) {
	if stdruntime.GOOS == "windows" {
		t.Skip("terminator tests skipped on windows")
	}
	if testing.Short() {
		t.Skip("slow escalation test")
	}

	reg := registry.New()
	r := reaper.New(reaper.Config{Registry: reg, SweepInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start reaper: %v", err)
	}

	cmd := exec.Command("/bin/sh", "-c", `trap "" TERM; while :; do sleep 0.05; done`)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	reg.Add(pid)
	t.Cleanup(func() { _ = unix.Kill(pid, unix.SIGKILL) })

	var mu sync.Mutex
	var sent []syscall.Signal
	recording := SignalerFunc(func(p int, s syscall.Signal) error {
		mu.Lock()
		sent = append(sent, s)
		mu.Unlock()
		return Kill.Signal(p, s)
	})

	const interval = 100 * time.Millisecond
	term := New(Config{Registry: reg, Signaler: recording, Interval: interval})

	start := time.Now()
	term.StopWait(pid)
	elapsed := time.Since(start)

	if reg.Contains(pid) {
		t.Fatalf("stop wait returned while pid %d is still tracked", pid)
	}
	if elapsed < 9*interval {
		t.Fatalf("process died after %s, before escalation could have happened", elapsed)
	}
	mu.Lock()
	defer mu.Unlock()
	if last := sent[len(sent)-1]; last != unix.SIGKILL {
		t.Fatalf("expected the final signal to be SIGKILL, got %v", last)
	}
}
