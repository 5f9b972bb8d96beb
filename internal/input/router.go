// Package input reads the controlling terminal and routes keystrokes.
package input

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"hudmux/internal/event"
	"hudmux/internal/pty"
)

// KeySink accepts keystrokes for the interactive child. pty.Session
// implements it.
type KeySink interface {
	SendKeys(event.KeyInput) error
}

// Router reads raw bytes and delivers them to a KeySink, emitting control
// signals for multiplexer keys.
//
// The quit key is both forwarded and signaled: while the child runs it sees
// its ^C, and once the child has exited the compositor treats the signal as
// a request to quit. The redraw key, when set, is consumed.
type Router struct {
	in      io.Reader
	keys    KeySink
	emitter *event.Emitter
	logger  *slog.Logger

	quit   byte
	redraw byte
	bufLen int
}

// Option configures a Router.
type Option func(*Router)

// WithQuitKey sets the quit control byte (default ^C).
func WithQuitKey(b byte) Option { return func(r *Router) { r.quit = b } }

// WithRedrawKey sets a control byte that forces a full repaint. Zero
// disables it.
func WithRedrawKey(b byte) Option { return func(r *Router) { r.redraw = b } }

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// NewRouter returns a router reading from in.
func NewRouter(in io.Reader, keys KeySink, emitter *event.Emitter, opts ...Option) *Router {
	r := &Router{in: in, keys: keys, emitter: emitter, quit: 0x03, bufLen: 4096}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r
}

// Run reads until ctx ends or the reader fails. Each read is delivered as
// one KeyInput, so a multi-byte key sequence that arrives in one read is
// never split. Any failure while ctx is live, including EOF, is reported as
// event.ReaderLost and returned.
func (r *Router) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("input router panic: %v", p)
			r.logger.Error("input router panicked", "panic", p)
			r.emitter.Emit(ctx, event.ReaderLost{Source: "input", Err: err})
		}
	}()

	buf := make([]byte, r.bufLen)
	for {
		n, rerr := r.in.Read(buf)
		if n > 0 {
			r.route(ctx, buf[:n])
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if rerr == io.EOF {
			rerr = io.ErrUnexpectedEOF
		}
		r.logger.Error("input reader lost", "err", rerr)
		r.emitter.Emit(ctx, event.ReaderLost{Source: "input", Err: rerr})
		return fmt.Errorf("read input: %w", rerr)
	}
}

func (r *Router) route(ctx context.Context, chunk []byte) {
	data := chunk
	if r.redraw != 0 && bytes.IndexByte(chunk, r.redraw) >= 0 {
		for _, part := range bytes.Split(chunk, []byte{r.redraw}) {
			r.forward(part)
		}
		r.emitter.Emit(ctx, event.ControlSignal{Kind: event.ControlRedraw})
		data = nil
	}
	if data != nil {
		r.forward(data)
	}
	if bytes.IndexByte(chunk, r.quit) >= 0 {
		r.emitter.Emit(ctx, event.ControlSignal{Kind: event.ControlQuit})
	}
}

func (r *Router) forward(p []byte) {
	if len(p) == 0 {
		return
	}
	// The sink may hold on to the slice; the read buffer is reused.
	data := make([]byte, len(p))
	copy(data, p)
	if err := r.keys.SendKeys(event.KeyInput{Data: data}); err != nil && !errors.Is(err, pty.ErrSessionClosed) {
		r.logger.Warn("forward keys", "err", err, "bytes", len(data))
	}
}
