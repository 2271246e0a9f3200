package reaper

import (
	"context"
	"os"
	"os/exec"
	stdruntime "runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procreap/internal/events"
	"github.com/Paintersrp/procreap/internal/registry"
)

type waitResult struct {
	pid    int
	status unix.WaitStatus
	err    error
}

type fakeWaiter struct {
	mu      sync.Mutex
	results map[int][]waitResult
	calls   map[int]int
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{results: map[int][]waitResult{}, calls: map[int]int{}}
}

func (f *fakeWaiter) queue(pid int, results ...waitResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[pid] = append(f.results[pid], results...)
}

func (f *fakeWaiter) wait(pid int, status *unix.WaitStatus) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[pid]++
	queue := f.results[pid]
	if len(queue) == 0 {
		return 0, nil
	}
	next := queue[0]
	f.results[pid] = queue[1:]
	*status = next.status
	return next.pid, next.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func exited(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

func killedBy(sig syscall.Signal) unix.WaitStatus {
	return unix.WaitStatus(sig)
}

func newTestReaper(reg *registry.Registry, mode Mode, waiter *fakeWaiter, sink events.Sink) *Reaper {
	r := New(Config{Registry: reg, Mode: mode, Events: sink, SweepInterval: -1})
	r.wait = waiter.wait
	return r
}

func TestSweepReapsEveryAvailableChild(t *testing.T) {
	reg := registry.New()
	reg.Add(10)
	reg.Add(11)
	reg.Add(12)

	waiter := newFakeWaiter()
	waiter.queue(10, waitResult{pid: 10, status: exited(0)})
	waiter.queue(12, waitResult{pid: 12, status: exited(ExitExecFailed)})

	rec := &recorder{}
	r := newTestReaper(reg, ModeTracked, waiter, rec)

	if n := r.Sweep(); n != 2 {
		t.Fatalf("expected two children reaped in one sweep, got %d", n)
	}
	if got := reg.Snapshot(); len(got) != 1 || got[0] != 11 {
		t.Fatalf("expected only pid 11 to remain, got %v", got)
	}

	evts := rec.snapshot()
	if len(evts) != 2 {
		t.Fatalf("expected two terminated events, got %d", len(evts))
	}
	codes := map[int]int{}
	for _, evt := range evts {
		if evt.Type != events.TypeTerminated {
			t.Fatalf("unexpected event type %s", evt.Type)
		}
		codes[evt.PID] = evt.ExitCode
	}
	if codes[10] != 0 || codes[12] != ExitExecFailed {
		t.Fatalf("unexpected exit codes %v", codes)
	}
}

func TestSweepReportsSignals(t *testing.T) {
	reg := registry.New()
	reg.Add(20)
	waiter := newFakeWaiter()
	waiter.queue(20, waitResult{pid: 20, status: killedBy(syscall.SIGKILL)})
	rec := &recorder{}

	newTestReaper(reg, ModeTracked, waiter, rec).Sweep()

	evts := rec.snapshot()
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	if !evts[0].Signaled() || evts[0].Signal != syscall.SIGKILL {
		t.Fatalf("expected SIGKILL termination, got %+v", evts[0])
	}
}

func TestSweepRetriesOnEINTR(t *testing.T) {
	reg := registry.New()
	reg.Add(30)
	waiter := newFakeWaiter()
	waiter.queue(30,
		waitResult{err: unix.EINTR},
		waitResult{pid: 30, status: exited(1)},
	)

	if n := newTestReaper(reg, ModeTracked, waiter, nil).Sweep(); n != 1 {
		t.Fatalf("expected interrupted wait to be retried, got %d reaped", n)
	}
	if reg.Contains(30) {
		t.Fatalf("expected pid 30 to be removed")
	}
}

func TestSweepDropsLostChildren(t *testing.T) {
	reg := registry.New()
	reg.Add(40)
	waiter := newFakeWaiter()
	waiter.queue(40, waitResult{err: unix.ECHILD})
	rec := &recorder{}

	newTestReaper(reg, ModeTracked, waiter, rec).Sweep()

	if reg.Contains(40) {
		t.Fatalf("expected lost pid to be dropped")
	}
	evts := rec.snapshot()
	if len(evts) != 1 || evts[0].Type != events.TypeLost {
		t.Fatalf("expected a lost event, got %+v", evts)
	}
}

func TestSweepLeavesRunningChildren(t *testing.T) {
	reg := registry.New()
	reg.Add(50)
	waiter := newFakeWaiter()
	r := newTestReaper(reg, ModeTracked, waiter, nil)

	for i := 0; i < 3; i++ {
		if n := r.Sweep(); n != 0 {
			t.Fatalf("expected no reaping for a running child, got %d", n)
		}
	}
	if !reg.Contains(50) {
		t.Fatalf("running child must stay tracked")
	}
}

func TestSweepAllDrainsUntilNoneReady(t *testing.T) {
	reg := registry.New()
	reg.Add(10)
	reg.Add(11)
	reg.Add(12)
	waiter := newFakeWaiter()
	waiter.queue(-1,
		waitResult{pid: 10, status: exited(0)},
		waitResult{pid: 99, status: exited(0)},
		waitResult{pid: 12, status: exited(2)},
	)
	rec := &recorder{}

	n := newTestReaper(reg, ModeAll, waiter, rec).Sweep()
	if n != 2 {
		t.Fatalf("expected two tracked children reaped, got %d", n)
	}
	if got := reg.Snapshot(); len(got) != 1 || got[0] != 11 {
		t.Fatalf("expected pid 11 to remain, got %v", got)
	}
	if len(rec.snapshot()) != 2 {
		t.Fatalf("untracked children must not produce events")
	}
}

func TestSweepAllClearsRegistryWhenNoChildrenRemain(t *testing.T) {
	reg := registry.New()
	reg.Add(60)
	reg.Add(61)
	waiter := newFakeWaiter()
	waiter.queue(-1, waitResult{err: unix.ECHILD})

	if n := newTestReaper(reg, ModeAll, waiter, nil).Sweep(); n != 2 {
		t.Fatalf("expected both tracked pids dropped, got %d", n)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %v", reg.Snapshot())
	}
}

func TestRemovalHappensExactlyOnce(t *testing.T) {
	reg := registry.New()
	reg.Add(70)
	waiter := newFakeWaiter()
	waiter.queue(70, waitResult{pid: 70, status: exited(0)})
	rec := &recorder{}
	r := newTestReaper(reg, ModeTracked, waiter, rec)

	r.Sweep()
	r.Sweep()
	if r.collect(70, exited(0)) {
		t.Fatalf("collecting an already removed pid must be a no-op")
	}
	if len(rec.snapshot()) != 1 {
		t.Fatalf("expected exactly one terminated event, got %d", len(rec.snapshot()))
	}
}

func TestStartInstallsNotificationOnce(t *testing.T) {
	reg := registry.New()
	r := newTestReaper(reg, ModeTracked, newFakeWaiter(), nil)

	var mu sync.Mutex
	installs := 0
	r.notify = func(chan<- os.Signal) {
		mu.Lock()
		installs++
		mu.Unlock()
	}
	r.stopNotify = func(chan<- os.Signal) {}

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		if err := r.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("reaper loop did not exit after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if installs != 1 {
		t.Fatalf("expected a single notification install, got %d", installs)
	}
}

func TestKickTriggersSweep(t *testing.T) {
	reg := registry.New()
	waiter := newFakeWaiter()
	r := newTestReaper(reg, ModeTracked, waiter, nil)
	r.notify = func(chan<- os.Signal) {}
	r.stopNotify = func(chan<- os.Signal) {}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	reg.Add(80)
	waiter.queue(80, waitResult{pid: 80, status: exited(0)})
	r.Kick()

	select {
	case <-reg.Done(80):
	case <-time.After(2 * time.Second):
		t.Fatalf("kick did not trigger a sweep")
	}
}

func TestReaperCollectsRealChild(t *testing.T) {
	if stdruntime.GOOS == "windows" {
		t.Skip("reaper tests skipped on windows")
	}

	reg := registry.New()
	rec := &recorder{}
	r := New(Config{Registry: reg, Events: rec, SweepInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	reg.Add(pid)
	r.Kick()

	select {
	case <-reg.Done(pid):
	case <-time.After(5 * time.Second):
		t.Fatalf("child %d was not reaped", pid)
	}

	var found bool
	for _, evt := range rec.snapshot() {
		if evt.PID == pid {
			found = true
			if evt.ExitCode != 3 {
				t.Fatalf("expected exit code 3, got %d", evt.ExitCode)
			}
		}
	}
	if !found {
		t.Fatalf("expected terminated event for pid %d", pid)
	}
}
