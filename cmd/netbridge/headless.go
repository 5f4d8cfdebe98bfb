package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudpilot-emu/netbridge/internal/bridge"
	"github.com/cloudpilot-emu/netbridge/internal/probe"
	"github.com/cloudpilot-emu/netbridge/internal/tui"
)

const headlessHelp = `commands:
  connect       connect to the proxy
  disconnect    drop the proxy session
  reset         close the connection
  quit          exit
  <text>        send text as one request
  hex:<digits>  send raw bytes as one request`

// lineNotifier prints bridge notifications, one per line.
type lineNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func (n *lineNotifier) Message(text string) { n.printf("notice: %s\n", text) }
func (n *lineNotifier) Error(text string)   { n.printf("error: %s\n", text) }

func (n *lineNotifier) printf(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, format, args...)
}

// headless executes one command per input line until EOF, quit or ctx is
// done.
func headless(ctx context.Context, guest *probe.Guest, b *bridge.Bridge, stdin io.Reader, out *lineNotifier) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
		case "quit", "exit":
			return nil
		case "help":
			out.printf("%s\n", headlessHelp)
		case "connect":
			id, err := guest.Connect(ctx)
			if err != nil {
				out.printf("connect failed: %v\n", err)
				continue
			}
			out.printf("connected: session %s\n", id)
		case "disconnect":
			guest.Disconnect()
			out.printf("disconnected\n")
		case "reset":
			b.Reset()
			out.printf("reset\n")
		default:
			req, err := tui.ParseRequest(line)
			if err != nil {
				out.printf("%v\n", err)
				continue
			}
			resp, err := guest.Call(ctx, req)
			if err != nil {
				out.printf("call failed: %v\n", err)
				continue
			}
			out.printf("reply: %s\n", tui.FormatPayload(resp))
		}
	}
}
