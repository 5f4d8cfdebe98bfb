// Package tui is the terminal front end: it drives a probe guest through the
// bridge and shows bridge notifications, the loader and relay traffic.
package tui

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cloudpilot-emu/netbridge/internal/tui/theme"
	"github.com/cloudpilot-emu/netbridge/internal/tui/views/eventlog"
	"github.com/cloudpilot-emu/netbridge/internal/tui/views/status"
)

const maxShownPayload = 48

// Guest is the network client the UI drives. *probe.Guest satisfies it.
type Guest interface {
	Connect(ctx context.Context) (string, error)
	Call(ctx context.Context, req []byte) ([]byte, error)
	Disconnect()
	SessionID() string
}

// Bridge is the part of the bridge the UI controls directly.
type Bridge interface {
	Connected() bool
	Reset()
}

type connectedMsg struct {
	session string
	err     error
}

type replyMsg struct {
	req, resp []byte
	err       error
}

// Model is the root Bubble Tea model.
type Model struct {
	guest  Guest
	bridge Bridge
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	statusBar status.Model
	events    eventlog.Model
	spinner   spinner.Model
	input     textinput.Model

	loading bool
	busy    bool // a guest request is suspended
}

// New creates the root model. address is shown in the status bar.
func New(guest Guest, bridge Bridge, address string) Model {
	ctx, cancel := context.WithCancel(context.Background())

	in := textinput.New()
	in.Placeholder = "request text, or hex:0102ff"
	in.Prompt = "> "
	in.CharLimit = 4096

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorWarning)

	return Model{
		guest:     guest,
		bridge:    bridge,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		statusBar: status.New(address),
		events:    eventlog.New(),
		spinner:   sp,
		input:     in,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.input.Width = msg.Width - 6

	case tea.KeyMsg:
		var model tea.Model
		model, cmd = m.handleKey(msg)
		m = model.(Model)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)

	case NoticeMsg:
		if msg.Err {
			m.events.Add("err", msg.Text)
		} else {
			m.events.Add("info", msg.Text)
		}

	case LoadingMsg:
		m.loading = bool(msg)

	case ResumedMsg:
		// Connection state is refreshed below.

	case connectedMsg:
		m.busy = false
		if msg.err != nil {
			m.events.Add("err", "connect: "+msg.err.Error())
		} else {
			m.events.Add("ok", "connected, session "+msg.session)
		}

	case replyMsg:
		m.busy = false
		m.statusBar.Calls++
		m.statusBar.BytesOut += len(msg.req)
		if msg.err != nil {
			m.events.Add("err", "call: "+msg.err.Error())
		} else {
			m.statusBar.BytesIn += len(msg.resp)
			m.events.Add("rpc", fmt.Sprintf("%s -> %s", FormatPayload(msg.req), FormatPayload(msg.resp)))
		}
	}

	m.refresh()
	return m, cmd
}

func (m *Model) refresh() {
	if m.bridge != nil {
		m.statusBar.Connected = m.bridge.Connected()
	}
	if m.guest != nil {
		m.statusBar.Session = m.guest.SessionID()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) && (msg.String() == "ctrl+c" || !m.input.Focused()) {
		m.cancel()
		return m, tea.Quit
	}

	if m.input.Focused() {
		switch {
		case key.Matches(msg, m.keys.Blur):
			m.input.Blur()
			return m, nil
		case key.Matches(msg, m.keys.Send):
			return m.send()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Connect):
		if m.busy {
			m.events.Add("err", "a request is already pending")
			return m, nil
		}
		m.busy = true
		m.events.Add("info", "connecting")
		return m, m.connectCmd()

	case key.Matches(msg, m.keys.Disconnect):
		m.guest.Disconnect()
		m.events.Add("info", "disconnect requested")
		return m, nil

	case key.Matches(msg, m.keys.Reset):
		m.bridge.Reset()
		m.events.Add("info", "reset")
		return m, nil

	case key.Matches(msg, m.keys.Focus):
		return m, m.input.Focus()

	case key.Matches(msg, m.keys.Up):
		m.events.ScrollUp(1)
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.events.ScrollDown(1)
		return m, nil
	}

	return m, nil
}

func (m Model) send() (tea.Model, tea.Cmd) {
	if m.busy {
		m.events.Add("err", "a request is already pending")
		return m, nil
	}
	req, err := ParseRequest(m.input.Value())
	if err != nil {
		m.events.Add("err", err.Error())
		return m, nil
	}
	m.input.Reset()
	m.busy = true
	return m, m.callCmd(req)
}

func (m Model) connectCmd() tea.Cmd {
	g, ctx := m.guest, m.ctx
	return func() tea.Msg {
		id, err := g.Connect(ctx)
		return connectedMsg{session: id, err: err}
	}
}

func (m Model) callCmd(req []byte) tea.Cmd {
	g, ctx := m.guest, m.ctx
	return func() tea.Msg {
		resp, err := g.Call(ctx, req)
		return replyMsg{req: req, resp: resp, err: err}
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	logHeight := m.height - 8
	if logHeight < 5 {
		logHeight = 5
	}

	activity := ""
	switch {
	case m.loading:
		activity = m.spinner.View() + " Connecting to proxy..."
	case m.busy:
		activity = theme.StyleDimmed.Render("  waiting for the proxy")
	}

	sections := []string{
		m.statusBar.View(),
		m.events.View(m.width, logHeight),
		activity,
		m.input.View(),
		theme.StyleDimmed.Render("  c:connect  tab:edit  enter:send  d:disconnect  r:reset  j/k:scroll  q:quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

var errEmptyRequest = errors.New("request is empty")

// ParseRequest turns input into request bytes. A "hex:" prefix selects hex
// notation; whitespace between hex digits is ignored.
func ParseRequest(s string) ([]byte, error) {
	if s == "" {
		return nil, errEmptyRequest
	}
	rest, isHex := strings.CutPrefix(s, "hex:")
	if !isHex {
		return []byte(s), nil
	}
	digits := strings.Join(strings.Fields(rest), "")
	if digits == "" {
		return nil, errEmptyRequest
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return nil, fmt.Errorf("bad hex request: %w", err)
	}
	return b, nil
}

// FormatPayload renders printable ASCII payloads quoted and anything else
// as hex. Long renderings are cut on a rune boundary.
func FormatPayload(b []byte) string {
	var s string
	if printable(b) {
		s = strconv.Quote(string(b))
	} else {
		s = "hex:" + hex.EncodeToString(b)
	}
	if r := []rune(s); len(r) > maxShownPayload {
		s = string(r[:maxShownPayload-3]) + "..."
	}
	return fmt.Sprintf("%s (%d B)", s, len(b))
}

func printable(b []byte) bool {
	for _, c := range b {
		switch {
		case c == '\t', c == '\n', c == '\r':
		case c < 0x20, c > 0x7e:
			return false
		}
	}
	return true
}
