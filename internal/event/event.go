// Package event defines the messages that cross goroutine boundaries.
//
// Every producer (PTY reader, input reader, widget scheduler, resize watcher)
// talks to the compositor only through a single Emitter. Values placed on the
// channel are never mutated after they are sent.
package event

import (
	"context"
	"fmt"

	"hudmux/internal/widget"
)

// Event is the tagged union carried on the merged channel.
type Event interface {
	isEvent()
}

// ControlKind identifies a multiplexer-level control signal.
type ControlKind int

const (
	// ControlQuit ends the engine once the interactive child has exited.
	ControlQuit ControlKind = iota
	// ControlRedraw forces a full repaint of the physical terminal.
	ControlRedraw
)

func (k ControlKind) String() string {
	switch k {
	case ControlQuit:
		return "quit"
	case ControlRedraw:
		return "redraw"
	default:
		return fmt.Sprintf("control(%d)", int(k))
	}
}

// PtyOutput is a raw chunk read from the PTY master. Chunk boundaries carry no
// meaning; an escape sequence may be split across two chunks.
type PtyOutput struct {
	Data []byte
}

// PtyExited is emitted exactly once when the interactive child exits.
type PtyExited struct {
	Code int
}

// WidgetUpdated carries a snapshot of a widget's state after it changed.
type WidgetUpdated struct {
	State widget.State
}

// KeyInput is a chunk of raw keyboard bytes destined for the interactive child.
type KeyInput struct {
	Data []byte
}

// ControlSignal is a keystroke the input router classified as a
// multiplexer command.
type ControlSignal struct {
	Kind ControlKind
}

// Resize reports a new physical terminal size.
type Resize struct {
	Rows int
	Cols int
}

// ReaderLost reports the unexpected death of a reader goroutine.
// Source is "input" or "pty".
type ReaderLost struct {
	Source string
	Err    error
}

func (PtyOutput) isEvent()     {}
func (PtyExited) isEvent()     {}
func (WidgetUpdated) isEvent() {}
func (KeyInput) isEvent()      {}
func (ControlSignal) isEvent() {}
func (Resize) isEvent()        {}
func (ReaderLost) isEvent()    {}

// Kind returns a short label for ev, used for logging and metrics.
func Kind(ev Event) string {
	switch ev.(type) {
	case PtyOutput:
		return "pty_output"
	case PtyExited:
		return "pty_exited"
	case WidgetUpdated:
		return "widget_updated"
	case KeyInput:
		return "key_input"
	case ControlSignal:
		return "control"
	case Resize:
		return "resize"
	case ReaderLost:
		return "reader_lost"
	default:
		return "unknown"
	}
}

// Emitter is the merged inbound channel feeding the compositor.
type Emitter struct {
	ch chan Event
}

// NewEmitter creates an emitter with the given channel buffer.
func NewEmitter(buffer int) *Emitter {
	if buffer < 0 {
		buffer = 0
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Emit sends ev, blocking until the compositor accepts it or ctx is done.
// Events are never dropped while ctx is live; a full channel applies
// backpressure to the producer. Returns false if ctx ended first.
func (e *Emitter) Emit(ctx context.Context, ev Event) bool {
	select {
	case e.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Events returns the receive side for the compositor.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}
