package tui

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/procreap/internal/engine"
	"github.com/Paintersrp/procreap/internal/events"
)

const (
	tableTitle            = "Processes"
	eventsTitle           = "Events"
	filterPageName        = "filter"
	defaultEventRetention = 500
)

// Stopper is the part of the manager the UI drives from key bindings.
type Stopper interface {
	Stop(pid int)
	StopWait(pid int)
}

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxEvents sets the number of events retained in the event pane.
func WithMaxEvents(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxEvents = n
		}
	}
}

// WithStopper enables the stop key bindings.
func WithStopper(s Stopper) Option {
	return func(u *UI) { u.stopper = s }
}

// UI coordinates the interactive process table backed by tview.
type UI struct {
	app     *tview.Application
	pages   *tview.Pages
	table   *tview.Table
	logs    *tview.TextView
	events  chan events.Event
	stopper Stopper

	processes map[int]*processState
	history   []string

	visible     []int
	selected    int
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	maxEvents   int

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type processState struct {
	pid        int
	name       string
	program    string
	state      engine.State
	exitCode   int
	signal     string
	attempts   int
	startedAt  time.Time
	finishedAt time.Time
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	logs.SetBorder(true).SetTitle(eventsTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(logs, 0, 2, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:       app,
		pages:     pages,
		table:     table,
		logs:      logs,
		events:    make(chan events.Event, 256),
		processes: make(map[int]*processState),
		maxEvents: defaultEventRetention,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(func(row, column int) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
	})

	logs.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEnter {
			ui.toggleFocus()
			return nil
		}
		return event
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

// EventSink exposes the channel where lifecycle events should be delivered.
func (u *UI) EventSink() chan<- events.Event {
	return u.events
}

// CloseEvents releases the event channel, allowing internal goroutines to exit cleanly.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Seed populates the table with processes known before the UI started.
func (u *UI) Seed(infos []engine.ProcessInfo) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, info := range infos {
		u.processes[info.PID] = &processState{
			pid:        info.PID,
			name:       info.Name,
			program:    info.Program,
			state:      info.State,
			exitCode:   info.ExitCode,
			signal:     info.Signal,
			attempts:   info.StopAttempts,
			startedAt:  info.StartedAt,
			finishedAt: info.FinishedAt,
		}
	}
	u.refreshTableLocked()
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until Stop is invoked
// or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			u.applyEvent(evt)
		case <-ticker.C:
			u.queueRefresh(false)
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayFocused() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 's':
			u.stopSelected(false)
			return nil
		case 'K':
			u.stopSelected(true)
			return nil
		}
	}
	return event
}

func (u *UI) overlayFocused() bool {
	if !u.pages.HasPage(filterPageName) {
		return false
	}
	focus := u.app.GetFocus()
	return focus != u.table && focus != u.logs
}

func (u *UI) stopSelected(wait bool) {
	u.mu.RLock()
	pid := u.selected
	state := u.processes[pid]
	u.mu.RUnlock()

	if u.stopper == nil || state == nil || !state.state.Live() {
		return
	}
	if wait {
		go u.stopper.StopWait(pid)
		return
	}
	u.stopper.Stop(pid)
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Processes")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		u.mu.Lock()
		u.filter = ""
		u.filterExpr = nil
		u.mu.Unlock()
		u.queueRefresh(false)
		return
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
		return
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(false)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyEvent(evt events.Event) {
	u.mu.Lock()
	u.applyEventLocked(evt)
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) applyEventLocked(evt events.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	u.history = append(u.history, formatEvent(evt))
	if over := len(u.history) - u.maxEvents; over > 0 {
		u.history = append([]string(nil), u.history[over:]...)
	}

	if evt.PID == 0 {
		return
	}
	state := u.processes[evt.PID]
	if state == nil {
		state = &processState{pid: evt.PID, program: evt.Program, startedAt: evt.Timestamp, exitCode: -1}
		u.processes[evt.PID] = state
	}
	if state.program == "" {
		state.program = evt.Program
	}

	switch evt.Type {
	case events.TypeStarted:
		state.state = engine.StateRunning
		state.startedAt = evt.Timestamp
	case events.TypeStopping:
		if state.state.Live() || state.state == "" {
			state.state = engine.StateStopping
		}
		state.attempts = evt.Attempt
	case events.TypeTerminated:
		state.finishedAt = evt.Timestamp
		if evt.Signaled() {
			state.state = engine.StateSignaled
			state.signal = evt.Signal.String()
		} else {
			state.state = engine.StateExited
			state.exitCode = evt.ExitCode
		}
	case events.TypeLost:
		state.finishedAt = evt.Timestamp
		state.state = engine.StateLost
	}
}

func (u *UI) queueRefresh(updateEvents bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		if updateEvents {
			u.renderEventsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"PID", "NAME", "PROGRAM", "STATE", "EXIT", "AGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	pids := make([]int, 0, len(u.processes))
	for pid, state := range u.processes {
		if u.filterExpr != nil && !u.filterExpr.MatchString(state.name) && !u.filterExpr.MatchString(state.program) {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool {
		a, b := u.processes[pids[i]], u.processes[pids[j]]
		if a.state.Live() != b.state.Live() {
			return a.state.Live()
		}
		return a.pid < b.pid
	})
	u.visible = pids

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	for row, pid := range pids {
		state := u.processes[pid]
		values := []string{
			strconv.Itoa(pid),
			dash(state.name),
			dash(state.program),
			formatState(state.state),
			formatExit(state),
			formatAge(state, time.Now()),
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(pid)
			}
			if col == 3 {
				cell = cell.SetTextColor(stateColor(state.state))
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) renderEventsLocked() {
	u.logs.Clear()
	for _, line := range u.history {
		fmt.Fprintln(u.logs, line)
	}
	u.logs.ScrollToEnd()
}

func (u *UI) ensureSelectionLocked() {
	if len(u.visible) == 0 {
		u.selected = 0
		u.table.Select(0, 0)
		return
	}
	idx := -1
	for i, pid := range u.visible {
		if pid == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatEvent(evt events.Event) string {
	ts := evt.Timestamp.Format("15:04:05")
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-13s", ts, evt.Type)
	if evt.PID != 0 {
		fmt.Fprintf(&b, " pid=%d", evt.PID)
	}
	if evt.Program != "" {
		fmt.Fprintf(&b, " program=%s", evt.Program)
	}
	switch evt.Type {
	case events.TypeTerminated:
		if evt.Signaled() {
			fmt.Fprintf(&b, " signal=%s", evt.Signal)
		} else {
			fmt.Fprintf(&b, " exit=%d", evt.ExitCode)
		}
	case events.TypeStopping, events.TypeEscalated:
		fmt.Fprintf(&b, " signal=%s attempt=%d", evt.Signal, evt.Attempt)
	}
	if msg := formatEventMessage(evt); msg != "" {
		fmt.Fprintf(&b, " %s", msg)
	}
	return b.String()
}

func formatEventMessage(evt events.Event) string {
	switch {
	case evt.Message != "" && evt.Err != nil:
		return evt.Message + ": " + evt.Err.Error()
	case evt.Err != nil:
		return evt.Err.Error()
	default:
		return evt.Message
	}
}

func formatState(s engine.State) string {
	if s == "" {
		return "-"
	}
	str := string(s)
	return strings.ToUpper(str[:1]) + str[1:]
}

func formatExit(state *processState) string {
	switch state.state {
	case engine.StateExited:
		return strconv.Itoa(state.exitCode)
	case engine.StateSignaled:
		return state.signal
	default:
		return "-"
	}
}

func formatAge(state *processState, now time.Time) string {
	if state.startedAt.IsZero() {
		return "-"
	}
	end := now
	if !state.finishedAt.IsZero() {
		end = state.finishedAt
	}
	return end.Sub(state.startedAt).Truncate(time.Second).String()
}

func stateColor(s engine.State) tcell.Color {
	switch s {
	case engine.StateRunning:
		return tcell.ColorGreen
	case engine.StateStopping:
		return tcell.ColorYellow
	case engine.StateLost, engine.StateSignaled:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
