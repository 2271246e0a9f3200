package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/procreap/internal/engine"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidAddr    = errors.New("invalid address")
)

// ProcessList is the response for process listings.
type ProcessList struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Tracked     []int                `json:"tracked"`
	Processes   []engine.ProcessInfo `json:"processes"`
}

// LaunchRequest asks the controller to spawn a process.
type LaunchRequest struct {
	Name        string   `json:"name,omitempty"`
	Command     []string `json:"command"`
	LibraryPath string   `json:"libraryPath,omitempty"`
}

// LaunchResult captures the outcome of a launch.
type LaunchResult struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// StopResult captures the outcome of stopping one process.
type StopResult struct {
	PID         int       `json:"pid"`
	Waited      bool      `json:"waited"`
	CompletedAt time.Time `json:"completed_at"`
}

// StopAllResult captures the outcome of stopping every process.
type StopAllResult struct {
	Stopped     []int     `json:"stopped"`
	CompletedAt time.Time `json:"completed_at"`
}

// Controller exposes process management operations required by control
// servers.
type Controller interface {
	Processes(stdcontext.Context) (*ProcessList, error)
	Launch(stdcontext.Context, LaunchRequest) (*LaunchResult, error)
	Stop(stdcontext.Context, int, bool) (*StopResult, error)
	StopAll(stdcontext.Context) (*StopAllResult, error)
}

// ManagerController adapts an engine.Manager to the Controller interface.
type ManagerController struct {
	Manager *engine.Manager
}

// Processes lists tracked and recently finished processes.
func (c ManagerController) Processes(stdcontext.Context) (*ProcessList, error) {
	return &ProcessList{
		GeneratedAt: time.Now().UTC(),
		Tracked:     c.Manager.Snapshot(),
		Processes:   c.Manager.Processes(),
	}, nil
}

// Launch spawns the requested command.
func (c ManagerController) Launch(_ stdcontext.Context, req LaunchRequest) (*LaunchResult, error) {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("command must not be empty"))
	}
	pid, err := c.Manager.Run(engine.Spec{
		Name:        req.Name,
		Command:     req.Command,
		LibraryPath: req.LibraryPath,
	})
	if err != nil {
		return nil, err
	}
	return &LaunchResult{PID: pid, Name: req.Name, StartedAt: time.Now().UTC()}, nil
}

// Stop signals pid, waiting for it to be reaped when wait is set.
func (c ManagerController) Stop(_ stdcontext.Context, pid int, wait bool) (*StopResult, error) {
	if err := c.Manager.Terminate(pid, wait); err != nil {
		return nil, err
	}
	return &StopResult{PID: pid, Waited: wait, CompletedAt: time.Now().UTC()}, nil
}

// StopAll stops every tracked process and reports which PIDs were targeted.
func (c ManagerController) StopAll(stdcontext.Context) (*StopAllResult, error) {
	stopped := c.Manager.Snapshot()
	c.Manager.StopAll()
	return &StopAllResult{Stopped: stopped, CompletedAt: time.Now().UTC()}, nil
}
