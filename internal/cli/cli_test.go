package cli

import (
	"bytes"
	stdcontext "context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/procreap/internal/api"
	"github.com/Paintersrp/procreap/internal/engine"
	"github.com/Paintersrp/procreap/internal/launcher"
)

func TestMain(m *testing.M) {
	if launcher.Init() {
		return
	}
	os.Exit(m.Run())
}

func executeRoot(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root, _ := newRootCommand()
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(append([]string{"--log-format", "json", "--log-level", "error"}, args...))

	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 30*time.Second)
	defer cancel()
	err = root.ExecuteContext(ctx)
	return outBuf.String(), errBuf.String(), err
}

type fakeController struct {
	list    *api.ProcessList
	stopped []int
	waited  []bool
	stopErr error
	stopAll []int
}

func (f *fakeController) Processes(stdcontext.Context) (*api.ProcessList, error) {
	if f.list == nil {
		return &api.ProcessList{}, nil
	}
	return f.list, nil
}

func (f *fakeController) Launch(stdcontext.Context, api.LaunchRequest) (*api.LaunchResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeController) Stop(_ stdcontext.Context, pid int, wait bool) (*api.StopResult, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.stopped = append(f.stopped, pid)
	f.waited = append(f.waited, wait)
	return &api.StopResult{PID: pid, Waited: wait, CompletedAt: time.Now()}, nil
}

func (f *fakeController) StopAll(stdcontext.Context) (*api.StopAllResult, error) {
	return &api.StopAllResult{Stopped: f.stopAll, CompletedAt: time.Now()}, nil
}

func useFakeController(t *testing.T, fake *fakeController) *string {
	t.Helper()
	var dialed string
	prev := newControlClient
	newControlClient = func(addr string) (api.Controller, error) {
		dialed = addr
		return fake, nil
	}
	t.Cleanup(func() { newControlClient = prev })
	return &dialed
}

func sampleList() *api.ProcessList {
	started := time.Now().Add(-90 * time.Second)
	return &api.ProcessList{
		GeneratedAt: time.Now(),
		Tracked:     []int{101},
		Processes: []engine.ProcessInfo{
			{PID: 101, Name: "gpu", Program: "optirun", State: engine.StateRunning, StartedAt: started},
			{PID: 99, Program: "true", State: engine.StateExited, ExitCode: 3, StartedAt: started, FinishedAt: started.Add(time.Second)},
		},
	}
}

// processAlive returns nil while pid exists, including as a zombie.
func processAlive(pid int) error {
	return syscall.Kill(pid, 0)
}

type streamingFake struct {
	fakeController
	records []api.EventRecord
}

func (s *streamingFake) Events(stdcontext.Context) (<-chan api.EventRecord, error) {
	ch := make(chan api.EventRecord, len(s.records))
	for _, rec := range s.records {
		ch <- rec
	}
	close(ch)
	return ch, nil
}
