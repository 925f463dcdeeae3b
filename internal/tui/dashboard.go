// Package tui is the terminal dashboard: a live transcript view fed by
// the push stream and the poll loop, a status bar, and an input line for
// submitting queries to the agent daemon.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/whytehoux-projecty/LAS/internal/api"
	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/poll"
	"github.com/whytehoux-projecty/LAS/internal/stream"
	"github.com/whytehoux-projecty/LAS/internal/transcript"
)

// DashboardConfig holds the dashboard dependencies.
type DashboardConfig struct {
	Client     *api.Client
	Transcript *transcript.Store
	Bus        *bus.Bus
	Stream     *stream.Manager
	Poll       *poll.Synchronizer
	Logger     *slog.Logger
	TTSEnabled bool
	Username   string // shown in the header when authenticated
	CancelFunc context.CancelFunc
}

type busEventMsg struct {
	event bus.Event
}

type commandDoneMsg struct {
	command string
	err     error
}

type streamOpenedMsg struct {
	handle *stream.Handle
	err    error
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

var (
	styleStatusBar = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleAgent     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleSystem    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleOnline    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleOffline   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

type dashboardModel struct {
	ctx context.Context
	cfg DashboardConfig

	width  int
	height int

	entries   []transcript.Entry
	connState string
	online    bool
	expired   bool
	screen    string // rendered screenshot status, e.g. "12.3KB"

	handle *stream.Handle
	sub    *bus.Subscription

	input  []rune
	cursor int

	inputHistory []string
	histIdx      int
	histSaved    string

	busy       bool
	spinnerIdx int
}

func newDashboardModel(ctx context.Context, cfg DashboardConfig) dashboardModel {
	m := dashboardModel{
		ctx:       ctx,
		cfg:       cfg,
		connState: string(stream.StateConnecting),
		sub:       cfg.Bus.Subscribe(""),
		entries:   cfg.Transcript.Snapshot(),
		screen:    "none",
	}
	m.histIdx = 0
	return m
}

// Run starts the dashboard and blocks until the user quits or the parent
// context is cancelled. The stream handle is owned here: opened on mount,
// closed on exit.
func Run(ctx context.Context, cfg DashboardConfig) error {
	defer bestEffortResetTTY()

	m := newDashboardModel(ctx, cfg)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if cfg.CancelFunc != nil {
		cfg.CancelFunc()
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(
		waitCtxDone(m.ctx),
		waitBusEvent(m.sub),
		openStreamCmd(m.ctx, m.cfg.Stream),
		spinnerTickCmd(),
	)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func waitBusEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return ctxDoneMsg{}
		}
		return busEventMsg{event: ev}
	}
}

func openStreamCmd(ctx context.Context, mgr *stream.Manager) tea.Cmd {
	return func() tea.Msg {
		h, err := mgr.Open(ctx)
		return streamOpenedMsg{handle: h, err: err}
	}
}

func spinnerTickCmd() tea.Cmd {
	return tea.Tick(spinnerInterval, func(time.Time) tea.Msg { return spinnerTickMsg{} })
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m.teardown(), tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinnerTickMsg:
		if m.busy {
			m.spinnerIdx++
		}
		return m, spinnerTickCmd()

	case busEventMsg:
		m = m.applyBusEvent(msg.event)
		return m, waitBusEvent(m.sub)

	case streamOpenedMsg:
		m.handle = msg.handle
		if msg.err != nil {
			m.cfg.Transcript.Append(transcript.Entry{
				Role:    transcript.RoleSystem,
				Content: fmt.Sprintf("stream unavailable: %v (use /reconnect to retry)", msg.err),
			})
		}
		return m, nil

	case commandDoneMsg:
		m.busy = false
		if msg.err != nil {
			// Command failures surface inline as an error entry.
			m.cfg.Transcript.Append(transcript.Entry{
				Role:    transcript.RoleError,
				Content: fmt.Sprintf("%s failed: %v", msg.command, msg.err),
			})
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m dashboardModel) applyBusEvent(ev bus.Event) dashboardModel {
	switch payload := ev.Payload.(type) {
	case bus.TranscriptAppendedEvent, bus.TranscriptDedupedEvent:
		m.entries = m.cfg.Transcript.Snapshot()
	case bus.ConnStateEvent:
		m.connState = payload.State
	case bus.PollOnlineEvent:
		m.online = payload.Online
	case bus.PollScreenshotEvent:
		if payload.Placeholder {
			m.screen = "none"
		} else {
			m.screen = fmt.Sprintf("%.1fKB", float64(payload.Bytes)/1024)
		}
	case bus.SessionExpiredEvent:
		m.expired = true
		m.entries = m.cfg.Transcript.Snapshot()
	}
	return m
}

func (m dashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m.teardown(), tea.Quit

	case "enter", "ctrl+m", "ctrl+j":
		if m.busy {
			return m, nil
		}
		line := strings.TrimSpace(string(m.input))
		m.input = nil
		m.cursor = 0
		m.histIdx = len(m.inputHistory)
		m.histSaved = ""
		if line == "" {
			return m, nil
		}
		m.inputHistory = append(m.inputHistory, line)
		m.histIdx = len(m.inputHistory)
		return m.submit(line)

	case "up":
		return m.historyPrev(), nil
	case "down":
		return m.historyNext(), nil
	case "left":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "right":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	case "home", "ctrl+a":
		m.cursor = 0
		return m, nil
	case "end", "ctrl+e":
		m.cursor = len(m.input)
		return m, nil
	case "backspace":
		m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
		return m, nil
	case "delete":
		m.input, m.cursor = deleteRuneRight(m.input, m.cursor)
		return m, nil
	case "ctrl+w":
		m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
		return m, nil
	case "ctrl+u":
		m.input = nil
		m.cursor = 0
		return m, nil
	}

	if msg.Type == tea.KeyRunes || msg.String() == " " {
		runes := msg.Runes
		if msg.String() == " " {
			runes = []rune{' '}
		}
		m.input, m.cursor = insertRunes(m.input, m.cursor, runes)
	}
	return m, nil
}

// submit dispatches a line: slash commands act on the session, anything
// else goes to the daemon as a query.
func (m dashboardModel) submit(line string) (tea.Model, tea.Cmd) {
	switch line {
	case "/quit", "/exit":
		return m.teardown(), tea.Quit

	case "/stop":
		m.busy = true
		ctx, client := m.ctx, m.cfg.Client
		return m, func() tea.Msg {
			return commandDoneMsg{command: "/stop", err: client.Stop(ctx)}
		}

	case "/reconnect":
		if m.handle != nil {
			m.handle.Close()
		}
		return m, openStreamCmd(m.ctx, m.cfg.Stream)

	case "/help":
		m.cfg.Transcript.Append(transcript.Entry{
			Role:    transcript.RoleSystem,
			Content: helpText,
		})
		return m, nil
	}

	if strings.HasPrefix(line, "/") {
		m.cfg.Transcript.Append(transcript.Entry{
			Role:    transcript.RoleSystem,
			Content: fmt.Sprintf("unknown command %s (try /help)", line),
		})
		return m, nil
	}

	m.cfg.Transcript.Append(transcript.Entry{Role: transcript.RoleUser, Content: line})
	m.busy = true
	ctx, client, tts := m.ctx, m.cfg.Client, m.cfg.TTSEnabled
	return m, func() tea.Msg {
		_, _, err := client.SubmitQuery(ctx, line, tts)
		return commandDoneMsg{command: "query", err: err}
	}
}

// teardown closes the stream and stops the poll loop so nothing mutates
// the transcript after the dashboard exits.
func (m dashboardModel) teardown() dashboardModel {
	if m.handle != nil {
		m.handle.Close()
	}
	if m.cfg.Poll != nil {
		m.cfg.Poll.Stop()
	}
	return m
}

const helpText = `Commands:
  /help       Show this message
  /stop       Ask the agent to cancel the current run
  /reconnect  Reopen the push stream after an error
  /quit       Exit the dashboard`

const spinnerInterval = 150 * time.Millisecond

func (m dashboardModel) View() string {
	var b strings.Builder

	header := "lasdash"
	if m.cfg.Username != "" {
		header += " — " + m.cfg.Username
	}
	b.WriteString(header + "\n")
	b.WriteString(m.renderStatusBar() + "\n\n")

	lines := m.renderTranscriptLines()
	available := m.height - 6
	if available < 3 {
		available = 3
	}
	if len(lines) > available {
		lines = lines[len(lines)-available:]
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(renderCursor(string(m.input), m.cursor))
	b.WriteString("\n")
	if m.busy {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(spin + " waiting...\n")
	}
	return b.String()
}

func (m dashboardModel) renderStatusBar() string {
	daemon := styleOffline.Render("offline")
	if m.online {
		daemon = styleOnline.Render("online")
	}
	auth := "auth:no"
	if m.cfg.Username != "" {
		auth = "auth:yes"
	}
	if m.expired {
		auth = styleError.Render("session expired, run lasdash login")
	}
	return styleStatusBar.Render(fmt.Sprintf("[stream:%s daemon:%s screen:%s %s]",
		m.connState, daemon, m.screen, auth))
}

func (m dashboardModel) renderTranscriptLines() []string {
	lines := make([]string, 0, len(m.entries)*2)
	for _, e := range m.entries {
		prefix := ""
		var style *lipgloss.Style
		switch e.Role {
		case transcript.RoleUser:
			prefix = "You: "
		case transcript.RoleAgent:
			label := e.AgentLabel
			if label == "" {
				label = "agent"
			}
			prefix = styleAgent.Render(label) + ": "
		case transcript.RoleError:
			style = &styleError
		case transcript.RoleSystem:
			style = &styleSystem
		}
		// Wrap plain text, style afterwards: slicing styled text would
		// cut ANSI sequences apart.
		wrapped := m.wrapWithPrefix(e.Content, prefix)
		if style != nil {
			for i, line := range wrapped {
				wrapped[i] = style.Render(line)
			}
		}
		lines = append(lines, wrapped...)
	}
	return lines
}

func (m dashboardModel) wrapWithPrefix(text, prefix string) []string {
	if m.width <= 0 {
		return appendPrefixToLines(text, prefix)
	}

	// lipgloss.Width ignores the ANSI escapes a styled prefix carries.
	availableWidth := m.width - lipgloss.Width(prefix)
	if availableWidth < 10 {
		availableWidth = 10
	}

	var result []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		for len(runes) > availableWidth {
			result = append(result, prefix+string(runes[:availableWidth]))
			runes = runes[availableWidth:]
		}
		result = append(result, prefix+string(runes))
	}
	return result
}

func appendPrefixToLines(text, prefix string) []string {
	var result []string
	for _, line := range strings.Split(text, "\n") {
		result = append(result, prefix+line)
	}
	return result
}

func (m dashboardModel) historyPrev() dashboardModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = string(m.input)
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
	}
	return m
}

func (m dashboardModel) historyNext() dashboardModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
		return m
	}
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input = []rune(m.histSaved)
		m.cursor = len(m.input)
	}
	return m
}
