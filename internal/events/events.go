// Package events defines the lifecycle notifications emitted while launching,
// reaping and stopping child processes.
package events

import (
	"syscall"
	"time"
)

// Type captures high level lifecycle notifications.
type Type string

const (
	TypeStarted      Type = "started"
	TypeLaunchFailed Type = "launch_failed"
	TypeTerminated   Type = "terminated"
	TypeLost         Type = "lost"
	TypeStopping     Type = "stopping"
	TypeEscalated    Type = "escalated"
	TypeDropped      Type = "dropped"
)

// Event represents a single lifecycle notification for one child process.
type Event struct {
	Timestamp time.Time
	Type      Type
	PID       int
	Program   string
	ExitCode  int
	Signal    syscall.Signal
	Attempt   int
	Message   string
	Err       error
}

// Signaled reports whether the process was terminated by a signal.
func (e Event) Signaled() bool {
	return e.Signal != 0
}

// Sink receives events. Implementations must not block for long: sinks are
// invoked from the reaper loop.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Publish calls f(evt).
func (f SinkFunc) Publish(evt Event) {
	f(evt)
}

// Send stamps evt and forwards it to sink when one is configured.
func Send(sink Sink, evt Event) {
	if sink == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	sink.Publish(evt)
}
