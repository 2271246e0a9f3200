package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/procreap/internal/events"
)

// State describes what the manager last observed about a process.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
	StateSignaled State = "signaled"
	StateLost     State = "lost"
)

// ProcessInfo is the manager's view of one launched process. It is kept for
// presentation only; liveness is always answered by the registry.
type ProcessInfo struct {
	PID          int       `json:"pid"`
	Name         string    `json:"name,omitempty"`
	Program      string    `json:"program"`
	LibraryPath  string    `json:"libraryPath,omitempty"`
	State        State     `json:"state"`
	ExitCode     int       `json:"exitCode"`
	Signal       string    `json:"signal,omitempty"`
	StopAttempts int       `json:"stopAttempts,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
}

// Live reports whether the state describes a process that has not been reaped.
func (s State) Live() bool {
	return s == StateRunning || s == StateStopping
}

// Live reports whether the process had not been reaped when observed.
func (p ProcessInfo) Live() bool {
	return p.State.Live()
}

type table struct {
	mu          sync.Mutex
	live        map[int]*ProcessInfo
	history     []ProcessInfo
	historySize int
}

func newTable(historySize int) *table {
	return &table{live: make(map[int]*ProcessInfo), historySize: historySize}
}

func (t *table) apply(evt events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch evt.Type {
	case events.TypeStarted:
		t.live[evt.PID] = &ProcessInfo{
			PID:       evt.PID,
			Program:   evt.Program,
			State:     StateRunning,
			ExitCode:  -1,
			StartedAt: evt.Timestamp,
		}
	case events.TypeStopping:
		if info, ok := t.live[evt.PID]; ok {
			info.State = StateStopping
			info.StopAttempts = evt.Attempt
		}
	case events.TypeTerminated:
		info := t.retire(evt.PID, evt.Timestamp)
		if evt.Signaled() {
			info.State = StateSignaled
			info.Signal = evt.Signal.String()
		} else {
			info.State = StateExited
			info.ExitCode = evt.ExitCode
		}
		t.archive(info)
	case events.TypeLost:
		info := t.retire(evt.PID, evt.Timestamp)
		info.State = StateLost
		t.archive(info)
	}
}

func (t *table) retire(pid int, at time.Time) ProcessInfo {
	info, ok := t.live[pid]
	if !ok {
		return ProcessInfo{PID: pid, ExitCode: -1, FinishedAt: at}
	}
	delete(t.live, pid)
	out := *info
	out.FinishedAt = at
	return out
}

func (t *table) archive(info ProcessInfo) {
	if t.historySize <= 0 {
		return
	}
	t.history = append(t.history, info)
	if over := len(t.history) - t.historySize; over > 0 {
		t.history = append(t.history[:0], t.history[over:]...)
	}
}

// annotate attaches launch metadata that the launcher does not report.
func (t *table) annotate(pid int, name, libraryPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.live[pid]; ok {
		info.Name = name
		info.LibraryPath = libraryPath
		return
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].PID == pid {
			t.history[i].Name = name
			t.history[i].LibraryPath = libraryPath
			return
		}
	}
}

func (t *table) get(pid int) (ProcessInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.live[pid]; ok {
		return *info, true
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].PID == pid {
			return t.history[i], true
		}
	}
	return ProcessInfo{}, false
}

// list returns live processes ordered by PID followed by finished ones, most
// recent first.
func (t *table) list() []ProcessInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ProcessInfo, 0, len(t.live)+len(t.history))
	for _, info := range t.live {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	for i := len(t.history) - 1; i >= 0; i-- {
		out = append(out, t.history[i])
	}
	return out
}
