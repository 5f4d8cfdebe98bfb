package tui

import (
	"context"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
)

const notifyBuffer = 64

// NoticeMsg is a user notification raised by the bridge.
type NoticeMsg struct {
	Err  bool
	Text string
}

// LoadingMsg shows (true) or hides (false) the loader.
type LoadingMsg bool

// ResumedMsg reports that the bridge resumed the guest with data.
type ResumedMsg struct{}

// Notifier carries bridge notifications into a Bubble Tea program. It
// implements bridge.Notifier and bridge.Loader and never blocks the caller;
// notices beyond the buffer are dropped. Loader changes are never dropped:
// only the latest loader state is delivered.
type Notifier struct {
	msgs    chan tea.Msg
	loading atomic.Bool
	loader  chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		msgs:   make(chan tea.Msg, notifyBuffer),
		loader: make(chan struct{}, 1),
	}
}

func (n *Notifier) Message(text string) { n.post(NoticeMsg{Text: text}) }
func (n *Notifier) Error(text string)   { n.post(NoticeMsg{Err: true, Text: text}) }
func (n *Notifier) ShowLoading()        { n.setLoading(true) }
func (n *Notifier) HideLoading()        { n.setLoading(false) }

func (n *Notifier) setLoading(v bool) {
	n.loading.Store(v)
	select {
	case n.loader <- struct{}{}:
	default:
	}
}

// Forward relays signals from resumed as ResumedMsg until ctx is done.
func (n *Notifier) Forward(ctx context.Context, resumed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-resumed:
			n.post(ResumedMsg{})
		}
	}
}

func (n *Notifier) post(msg tea.Msg) {
	select {
	case n.msgs <- msg:
	default:
	}
}

// Pump delivers queued messages to send, usually tea.Program.Send, until ctx
// is done.
func (n *Notifier) Pump(ctx context.Context, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.msgs:
			send(msg)
		case <-n.loader:
			send(LoadingMsg(n.loading.Load()))
		}
	}
}
