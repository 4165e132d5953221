// Package tui is the evaluator's terminal screen. It renders the session's
// queue view and status line and redraws whenever either changes, so items
// decided elsewhere disappear without a keypress.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/kalambet/evalq/internal/queuecache"
	"github.com/kalambet/evalq/internal/status"
	"github.com/kalambet/evalq/internal/submission"
)

// Session is the evaluator session the screen drives.
type Session interface {
	Evaluator() submission.Evaluator
	LoadQueue(ctx context.Context) error
	Snapshot() queuecache.Snapshot
	Advance() bool
	Retreat() bool
	Changes() (<-chan queuecache.Change, func())
	Status() *status.Broadcaster
	Decide(ctx context.Context, itemID string, d submission.Status, feedback string) (submission.Item, error)
}

// relativeTimeRefresh re-renders "submitted X ago" labels.
const relativeTimeRefresh = 30 * time.Second

type mode int

const (
	modeBrowse mode = iota
	modeCompose
)

type (
	queueChangedMsg  struct{}
	statusChangedMsg struct{}
	tickMsg          time.Time
	decidedMsg       struct {
		item submission.Item
		err  error
	}
	reloadedMsg struct{ err error }
)

// App is the bubbletea model for the evaluator screen.
type App struct {
	ctx     context.Context
	session Session
	now     func() time.Time

	queueCh   <-chan queuecache.Change
	statusCh  <-chan struct{}
	unsubs    []func()
	snapshot  queuecache.Snapshot
	statusMsg status.Message
	hasStatus bool

	mode     mode
	decision submission.Status
	targetID string
	feedback textarea.Model
	busy     bool

	help   help.Model
	width  int
	height int
}

// New builds the screen over s. Call Close when the program exits.
func New(ctx context.Context, s Session) *App {
	ta := textarea.New()
	ta.Placeholder = "Feedback for the applicant..."
	ta.ShowLineNumbers = false
	ta.SetHeight(5)

	a := &App{
		ctx:      ctx,
		session:  s,
		now:      time.Now,
		feedback: ta,
		help:     help.New(),
		width:    80,
	}
	var unsubQueue, unsubStatus func()
	a.queueCh, unsubQueue = s.Changes()
	a.statusCh, unsubStatus = s.Status().Changes()
	a.unsubs = []func(){unsubQueue, unsubStatus}
	a.refresh()
	return a
}

// Close releases the change subscriptions.
func (a *App) Close() {
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
}

// Run shows the screen until the evaluator quits or ctx is cancelled.
func Run(ctx context.Context, s Session) error {
	app := New(ctx, s)
	defer app.Close()

	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func (a *App) refresh() {
	a.snapshot = a.session.Snapshot()
	a.statusMsg, a.hasStatus = a.session.Status().Current()
}

func waitQueue(ch <-chan queuecache.Change) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return queueChangedMsg{}
	}
}

func waitStatus(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return statusChangedMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(relativeTimeRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(waitQueue(a.queueCh), waitStatus(a.statusCh), tick())
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.feedback.SetWidth(max(20, msg.Width-4))
		a.help.Width = msg.Width
		return a, nil

	case queueChangedMsg:
		a.refresh()
		return a, waitQueue(a.queueCh)

	case statusChangedMsg:
		a.refresh()
		return a, waitStatus(a.statusCh)

	case tickMsg:
		return a, tick()

	case decidedMsg:
		a.busy = false
		if msg.err == nil || !errors.Is(msg.err, submission.ErrValidation) {
			a.endCompose()
		}
		a.refresh()
		return a, nil

	case reloadedMsg:
		a.busy = false
		a.refresh()
		return a, nil

	case tea.KeyMsg:
		if a.mode == modeCompose {
			return a.updateCompose(msg)
		}
		return a.updateBrowse(msg)
	}
	return a, nil
}

func (a *App) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	keys := defaultBrowseKeys
	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit
	case key.Matches(msg, keys.Next):
		a.session.Advance()
	case key.Matches(msg, keys.Prev):
		a.session.Retreat()
	case key.Matches(msg, keys.Accept):
		return a, a.beginCompose(submission.StatusAccepted)
	case key.Matches(msg, keys.Reject):
		return a, a.beginCompose(submission.StatusRejected)
	case key.Matches(msg, keys.Reload):
		if a.busy {
			return a, nil
		}
		a.busy = true
		s, ctx := a.session, a.ctx
		return a, func() tea.Msg { return reloadedMsg{err: s.LoadQueue(ctx)} }
	}
	a.refresh()
	return a, nil
}

func (a *App) beginCompose(d submission.Status) tea.Cmd {
	cur, ok := a.snapshot.Current()
	if !ok || a.busy {
		return nil
	}
	a.mode = modeCompose
	a.decision = d
	a.targetID = cur.ID
	a.feedback.Reset()
	return a.feedback.Focus()
}

func (a *App) endCompose() {
	a.mode = modeBrowse
	a.targetID = ""
	a.feedback.Reset()
	a.feedback.Blur()
}

func (a *App) updateCompose(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	keys := defaultComposeKeys
	switch {
	case key.Matches(msg, keys.Cancel):
		a.endCompose()
		return a, nil
	case key.Matches(msg, keys.Submit):
		if a.busy {
			return a, nil
		}
		a.busy = true
		s, ctx := a.session, a.ctx
		id, d, fb := a.targetID, a.decision, a.feedback.Value()
		return a, func() tea.Msg {
			it, err := s.Decide(ctx, id, d, fb)
			return decidedMsg{item: it, err: err}
		}
	}
	var cmd tea.Cmd
	a.feedback, cmd = a.feedback.Update(msg)
	return a, cmd
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(12)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	emptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)

	statusStyles = map[status.Kind]lipgloss.Style{
		status.Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7")),
		status.Success: lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		status.Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true),
	}
)

func (a *App) View() string {
	var b strings.Builder

	ev := a.session.Evaluator()
	header := fmt.Sprintf("evalq · %s · %d pending", ev.ID, len(a.snapshot.Items))
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	b.WriteString(a.renderItem())
	b.WriteString("\n")

	if a.mode == modeCompose {
		verb := "Accept"
		if a.decision == submission.StatusRejected {
			verb = "Reject"
		}
		b.WriteString(titleStyle.Render(verb + " with feedback:"))
		b.WriteString("\n")
		b.WriteString(a.feedback.View())
		b.WriteString("\n")
	}

	b.WriteString(a.renderStatus())
	b.WriteString("\n")

	if a.mode == modeCompose {
		b.WriteString(a.help.View(defaultComposeKeys))
	} else {
		b.WriteString(a.help.View(defaultBrowseKeys))
	}
	return b.String()
}

func (a *App) renderItem() string {
	it, ok := a.snapshot.Current()
	if !ok {
		return boxStyle.Width(max(20, a.width-2)).Render(emptyStyle.Render("No pending submissions. New ones appear here as they arrive."))
	}

	rows := []struct{ label, value string }{
		{"Name", it.FullName},
		{"Email", it.Email},
		{"Phone", it.Phone},
		{"Location", it.Location},
		{"Hobbies", it.Hobbies},
		{"Photo", it.Attachments.ProfilePicPath},
		{"Source", it.Attachments.SourceCodePath},
		{"Submitted", humanize.RelTime(it.CreatedAt, a.now(), "ago", "from now")},
	}
	var lines []string
	lines = append(lines, fmt.Sprintf("Submission %d of %d", a.snapshot.Index+1, len(a.snapshot.Items)))
	for _, r := range rows {
		if r.value == "" {
			continue
		}
		lines = append(lines, labelStyle.Render(r.label)+r.value)
	}
	return boxStyle.Width(max(20, a.width-2)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderStatus() string {
	if !a.hasStatus {
		return ""
	}
	style, ok := statusStyles[a.statusMsg.Kind]
	if !ok {
		style = lipgloss.NewStyle()
	}
	return style.Render(a.statusMsg.Text)
}
