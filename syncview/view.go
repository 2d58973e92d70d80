// Package syncview renders a live terminal dashboard for a running sync
// session: workspace summary at the top, a scrolling event log in the middle
// and the session status at the bottom.
package syncview

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"dossync/internal/syncer"
)

// ErrInterrupted is returned when the user requests to stop the session.
var ErrInterrupted = errors.New("interrupted")

// logCapacity bounds the event log kept for display.
const logCapacity = 200

// View is the terminal dashboard. It owns the screen and an event log; the
// caller feeds it session events through Observe.
type View struct {
	s        tcell.Screen
	stopChan chan struct{}
	commands chan struct{}
	once     sync.Once

	mu           sync.Mutex
	title        string
	summaryLines []string
	logLines     []string
	statusLines  []string
}

// New creates the dashboard, takes over the terminal and starts the key
// handling loop.
func New(title string) (*View, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	v := &View{
		s:        s,
		stopChan: make(chan struct{}),
		commands: make(chan struct{}, 1),
		title:    title,
	}
	go v.eventLoop()
	return v, nil
}

// Close restores the terminal to its original state.
func (v *View) Close() {
	if v.s == nil {
		return
	}
	v.s.Fini()
	v.s = nil
	fmt.Print("\033[?1049l\033[?25h")
}

// RequestStop signals that the user wants the session to end. Safe to call
// more than once.
func (v *View) RequestStop() {
	v.once.Do(func() {
		close(v.stopChan)
		v.s.PostEvent(tcell.NewEventInterrupt(nil))
	})
}

// Done is closed when the user has requested a stop.
func (v *View) Done() <-chan struct{} { return v.stopChan }

// SetSummaryLines sets the info lines shown below the title.
func (v *View) SetSummaryLines(lines []string) {
	v.mu.Lock()
	v.summaryLines = append([]string(nil), lines...)
	v.mu.Unlock()
}

// SetStatusLines sets the status block shown at the bottom.
func (v *View) SetStatusLines(lines []string) {
	v.mu.Lock()
	v.statusLines = append([]string(nil), lines...)
	v.mu.Unlock()
}

// Observe appends a session event to the log and updates the status line.
func (v *View) Observe(ev syncer.Event) {
	line := describe(ev)
	if line == "" {
		return
	}
	v.mu.Lock()
	v.logLines = append(v.logLines, line)
	if len(v.logLines) > logCapacity {
		v.logLines = v.logLines[len(v.logLines)-logCapacity:]
	}
	v.mu.Unlock()
}

func describe(ev syncer.Event) string {
	stamp := ev.Time.Format("15:04:05")
	switch ev.Kind {
	case syncer.EventPushed:
		return fmt.Sprintf("%s  guest -> host  %s", stamp, changeSummary(ev.Changed, ev.Deleted))
	case syncer.EventExternalChange:
		return fmt.Sprintf("%s  host edit      %s", stamp, strings.Join(ev.Changed, ", "))
	case syncer.EventPulled:
		return fmt.Sprintf("%s  host -> guest  image rebuilt", stamp)
	case syncer.EventError:
		return fmt.Sprintf("%s  error          %v", stamp, ev.Err)
	default:
		return ""
	}
}

func changeSummary(changed, deleted []string) string {
	parts := make([]string, 0, 2)
	if len(changed) > 0 {
		parts = append(parts, "updated "+strings.Join(changed, ", "))
	}
	if len(deleted) > 0 {
		parts = append(parts, "removed "+strings.Join(deleted, ", "))
	}
	if len(parts) == 0 {
		return "no content changes"
	}
	return strings.Join(parts, "; ")
}

func putStr(s tcell.Screen, x, y int, str string) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		pos := x + i
		if pos >= w {
			break
		}
		s.SetContent(pos, y, r, nil, tcell.StyleDefault)
	}
}

// LayoutAndDraw redraws the whole dashboard from the current state.
func (v *View) LayoutAndDraw() {
	v.mu.Lock()
	title := v.title
	summary := append([]string(nil), v.summaryLines...)
	logLines := append([]string(nil), v.logLines...)
	status := append([]string(nil), v.statusLines...)
	v.mu.Unlock()

	v.s.Clear()
	w, h := v.s.Size()
	y := 0

	if title != "" {
		putStr(v.s, 0, y, strings.Repeat("═", w))
		putStr(v.s, (w-len(title))/2, y, title)
		y++
	}

	for _, line := range summary {
		if y >= h {
			break
		}
		putStr(v.s, 0, y, line)
		y++
	}

	// Event log fills the space between summary and status, newest at the
	// bottom.
	logTop := y + 1
	logBottom := h - len(status) - 2
	if logBottom > logTop {
		putStr(v.s, 0, y, strings.Repeat("─", w))
		putStr(v.s, 2, y, " Activity ")
		rows := logBottom - logTop
		start := 0
		if len(logLines) > rows {
			start = len(logLines) - rows
		}
		for i, line := range logLines[start:] {
			putStr(v.s, 0, logTop+i, line)
		}
	}

	if len(status) > 0 {
		sy := h - len(status) - 1
		if sy < y {
			sy = y
		}
		putStr(v.s, 0, sy, strings.Repeat("─", w))
		putStr(v.s, 2, sy, " Status ")
		for i, line := range status {
			if sy+1+i >= h {
				break
			}
			putStr(v.s, 0, sy+1+i, line)
		}
	}

	v.s.Show()
}

// Run consumes the session's events until the user stops the view, redrawing
// on every event and on a steady refresh tick. The p key requests a sync
// through the session's debounced command trigger.
func (v *View) Run(session *syncer.Session) error {
	refresh := time.NewTicker(500 * time.Millisecond)
	defer refresh.Stop()
	for {
		select {
		case <-v.stopChan:
			return ErrInterrupted
		case <-v.commands:
			session.NotifyCommand()
		case ev := <-session.Events():
			v.Observe(ev)
			v.updateStatus(session)
			v.LayoutAndDraw()
		case <-refresh.C:
			v.updateStatus(session)
			v.LayoutAndDraw()
		}
	}
}

func (v *View) updateStatus(session *syncer.Session) {
	status, last := session.Status()
	lines := []string{"state: " + status}
	if !last.IsZero() {
		lines = append(lines, "last sync: "+last.Format("15:04:05"))
	}
	lines = append(lines, "press p to sync now, q or Esc to stop")
	v.SetStatusLines(lines)
}

func (v *View) eventLoop() {
	for {
		select {
		case <-v.stopChan:
			return
		default:
		}
		ev := v.s.PollEvent()
		switch ev := ev.(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC:
				v.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				v.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'p' || ev.Rune() == 'P'):
				select {
				case v.commands <- struct{}{}:
				default:
				}
			case ev.Key() == tcell.KeyEscape:
				v.RequestStop()
			}
		case *tcell.EventResize:
			v.s.Sync()
		case *tcell.EventInterrupt:
			return
		case nil:
			return
		}
	}
}
