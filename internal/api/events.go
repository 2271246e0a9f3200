package api

import (
	"time"

	"github.com/Paintersrp/procreap/internal/events"
)

// EventRecord is the wire form of a lifecycle event.
type EventRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	Type      events.Type `json:"type"`
	PID       int         `json:"pid,omitempty"`
	Program   string      `json:"program,omitempty"`
	ExitCode  int         `json:"exitCode"`
	Signal    string      `json:"signal,omitempty"`
	Attempt   int         `json:"attempt,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// NewEventRecord converts evt to its wire form.
func NewEventRecord(evt events.Event) EventRecord {
	rec := EventRecord{
		Timestamp: evt.Timestamp.UTC(),
		Type:      evt.Type,
		PID:       evt.PID,
		Program:   evt.Program,
		ExitCode:  evt.ExitCode,
		Attempt:   evt.Attempt,
		Message:   evt.Message,
	}
	if evt.Signal != 0 {
		rec.Signal = evt.Signal.String()
	}
	if evt.Err != nil {
		rec.Error = evt.Err.Error()
	}
	return rec
}

// EventSource is implemented by controllers that can stream lifecycle events.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// Subscribe streams the manager's lifecycle events.
func (c ManagerController) Subscribe() (<-chan events.Event, func()) {
	return c.Manager.Subscribe()
}
