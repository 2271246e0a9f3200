// Package launcher spawns child programs and registers them for reaping.
//
// The child is spawned as a re-execution of the current binary under a
// registered helper name. The helper replaces its image with the requested
// program, resolved through PATH. When that fails the helper logs the OS
// error and exits with ExitExecFailed; the parent never sees the failure
// directly and learns about it through the reaper like any other exit.
// Binaries embedding the launcher must call Init before anything else in
// main (and in TestMain).
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/docker/docker/pkg/reexec"
	"github.com/rs/zerolog"

	"github.com/Paintersrp/procreap/internal/events"
	"github.com/Paintersrp/procreap/internal/logging"
	"github.com/Paintersrp/procreap/internal/metrics"
	"github.com/Paintersrp/procreap/internal/registry"
)

const (
	// InvalidPID is returned when a child could not be spawned.
	InvalidPID = 0
	// ExitExecFailed is the exit status of a child whose program could not
	// be executed.
	ExitExecFailed = 42
	// LibraryPathEnv is the dynamic loader search path variable overridden by
	// LaunchWithLibraryPath.
	LibraryPathEnv = "LD_LIBRARY_PATH"

	helperName = "procreap-exec"
)

var (
	// ErrForkFailed wraps errors from spawning the child. A program that
	// cannot be executed is not a fork failure; it surfaces as an exit with
	// ExitExecFailed.
	ErrForkFailed = errors.New("fork failed")
	// ErrEmptyArgv is returned when there is no program to launch.
	ErrEmptyArgv = errors.New("empty argv")
)

func init() {
	reexec.Register(helperName, execChild)
}

// Init runs the exec helper when the current process was spawned as one. It
// reports true in that case, and the caller must return immediately.
func Init() bool {
	return reexec.Init()
}

// execChild runs inside the spawned child. Its arguments are the parent's
// log level and format followed by the target argv.
func execChild() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "%s: missing program\n", helperName)
		os.Exit(ExitExecFailed)
	}
	logger := logging.New(logging.Options{Level: os.Args[1], Format: os.Args[2]})
	argv := os.Args[3:]

	err := execProgram(argv)
	logger.Error().
		Err(err).
		Str("program", argv[0]).
		Int("pid", os.Getpid()).
		Msg("exec failed")
	os.Exit(ExitExecFailed)
}

// execProgram only returns on failure.
func execProgram(argv []string) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	return syscall.Exec(path, argv, os.Environ())
}

// Reaper is the part of the reaper the launcher coordinates with.
type Reaper interface {
	Hold() func()
	Kick()
}

type noopReaper struct{}

func (noopReaper) Hold() func() { return func() {} }
func (noopReaper) Kick()        {}

// Config controls construction of a Launcher.
type Config struct {
	Registry *registry.Registry
	Reaper   Reaper
	Logger   zerolog.Logger
	Events   events.Sink

	// LogLevel and LogFormat are forwarded to the exec helper so its failure
	// report matches the parent's logging.
	LogLevel  string
	LogFormat string

	// Stdin, Stdout and Stderr are inherited by children. Nil means the
	// parent's own standard streams.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Launcher spawns programs and registers their PIDs.
type Launcher struct {
	reg    *registry.Registry
	reaper Reaper
	log    zerolog.Logger
	sink   events.Sink

	logLevel  string
	logFormat string

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	start func(*exec.Cmd) error
}

// New constructs a launcher.
func New(cfg Config) *Launcher {
	l := &Launcher{
		reg:       cfg.Registry,
		reaper:    cfg.Reaper,
		log:       cfg.Logger,
		sink:      cfg.Events,
		logLevel:  cfg.LogLevel,
		logFormat: cfg.LogFormat,
		stdin:     cfg.Stdin,
		stdout:    cfg.Stdout,
		stderr:    cfg.Stderr,
		start:     (*exec.Cmd).Start,
	}
	if l.reg == nil {
		l.reg = registry.New()
	}
	if l.reaper == nil {
		l.reaper = noopReaper{}
	}
	if l.logLevel == "" {
		l.logLevel = "info"
	}
	if l.logFormat == "" {
		l.logFormat = logging.FormatJSON
	}
	if l.stdin == nil {
		l.stdin = os.Stdin
	}
	if l.stdout == nil {
		l.stdout = os.Stdout
	}
	if l.stderr == nil {
		l.stderr = os.Stderr
	}
	return l
}

// Launch spawns argv[0] with argv as its arguments and returns the child's
// PID. On spawn failure it returns InvalidPID and an error wrapping
// ErrForkFailed.
func (l *Launcher) Launch(argv []string) (int, error) {
	return l.launch(argv, nil)
}

// LaunchWithLibraryPath is Launch with LD_LIBRARY_PATH set to path in the
// child's environment only.
func (l *Launcher) LaunchWithLibraryPath(argv []string, path string) (int, error) {
	return l.launch(argv, []string{LibraryPathEnv + "=" + path})
}

// LaunchAndWait launches argv and blocks until the reaper has collected it.
func (l *Launcher) LaunchAndWait(argv []string) (int, error) {
	pid, err := l.Launch(argv)
	if err != nil {
		return pid, err
	}
	<-l.reg.Done(pid)
	return pid, nil
}

func (l *Launcher) launch(argv []string, extraEnv []string) (int, error) {
	if len(argv) == 0 || argv[0] == "" {
		return InvalidPID, ErrEmptyArgv
	}
	program := argv[0]

	args := make([]string, 0, len(argv)+3)
	args = append(args, helperName, l.logLevel, l.logFormat)
	args = append(args, argv...)

	cmd := reexec.Command(args...)
	// Children outlive the launching thread; no parent-death signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	cmd.Stdin = l.stdin
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	release := l.reaper.Hold()
	if err := l.start(cmd); err != nil {
		release()
		metrics.IncLaunch(metrics.LaunchForkFailed)
		l.log.Error().Err(err).Str("program", program).Msg("fork failed")
		events.Send(l.sink, events.Event{
			Type:     events.TypeLaunchFailed,
			Program:  program,
			ExitCode: -1,
			Err:      err,
		})
		return InvalidPID, fmt.Errorf("%w: %s: %v", ErrForkFailed, program, err)
	}

	pid := cmd.Process.Pid
	// The reaper collects the child with wait4; drop the os.Process handle.
	_ = cmd.Process.Release()

	// Announce the child while it is still unregistered: no sweep can report
	// it terminated until Add, so observers always see started first.
	metrics.IncLaunch(metrics.LaunchStarted)
	l.log.Info().Int("pid", pid).Str("program", program).Msg("process started")
	events.Send(l.sink, events.Event{
		Type:     events.TypeStarted,
		PID:      pid,
		Program:  program,
		ExitCode: -1,
	})

	if l.reg.Add(pid) {
		metrics.IncTracked()
	}
	release()

	// The child may already have exited before it was registered.
	l.reaper.Kick()
	return pid, nil
}
