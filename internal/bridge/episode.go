package bridge

import (
	"errors"
	"fmt"
)

var errResolved = errors.New("suspend episode already resolved")

// episode is one emulator suspend waiting on the network. It is resolved at
// most once: the first resume or cancel consumes it and every later attempt
// returns errResolved without touching the emulator. Episodes are only used
// on the bridge goroutine.
type episode struct {
	kind SuspendKind
	emu  Emulator
	done bool
}

func newEpisode(emu Emulator, kind SuspendKind) *episode {
	return &episode{kind: kind, emu: emu}
}

func (e *episode) resolved() bool { return e.done }

func (e *episode) take(kind SuspendKind) error {
	if e.done {
		return errResolved
	}
	if kind != SuspendNone && kind != e.kind {
		return fmt.Errorf("%w: %s episode resumed as %s", ErrProtocolViolation, e.kind, kind)
	}
	e.done = true
	return nil
}

func (e *episode) resumeConnect(sessionID string) error {
	if err := e.take(SuspendConnect); err != nil {
		return err
	}
	e.emu.ResumeConnect(sessionID)
	return nil
}

func (e *episode) resumeRPC(response []byte) error {
	if err := e.take(SuspendRPC); err != nil {
		return err
	}
	e.emu.ResumeRPC(response)
	return nil
}

// cancel resolves the episode without data. The emulator is only told if it
// still waits on a suspend of this kind.
func (e *episode) cancel() error {
	if err := e.take(SuspendNone); err != nil {
		return err
	}
	if e.emu.SuspendKind() == e.kind {
		e.emu.CancelSuspend()
	}
	return nil
}

// supersede retires the episode in favor of a newer one for the same
// emulator suspend. The newer episode does the resolving.
func (e *episode) supersede() { e.done = true }
