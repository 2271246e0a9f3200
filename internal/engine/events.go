package engine

import (
	"github.com/Paintersrp/procreap/internal/eventmux"
	"github.com/Paintersrp/procreap/internal/events"
)

// DefaultEventBuffer is the per-subscriber channel capacity.
const DefaultEventBuffer = 256

// fanout is the sink shared by the reaper, launcher and terminator. It keeps
// the process table current and forwards to subscribers without blocking.
type fanout struct {
	table *table
	mux   *eventmux.Mux
	extra events.Sink
}

func (f *fanout) Publish(evt events.Event) {
	f.table.apply(evt)
	f.mux.Publish(evt)
	if f.extra != nil {
		f.extra.Publish(evt)
	}
}
