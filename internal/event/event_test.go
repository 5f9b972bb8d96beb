package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hudmux/internal/widget"
)

func TestEmitter_PreservesProducerOrder(t *testing.T) {
	em := NewEmitter(4)
	ctx := context.Background()
	go func() {
		for i := 0; i < 100; i++ {
			em.Emit(ctx, KeyInput{Data: []byte{byte(i)}})
		}
	}()
	for i := 0; i < 100; i++ {
		select {
		case ev := <-em.Events():
			k, ok := ev.(KeyInput)
			require.True(t, ok)
			assert.Equal(t, byte(i), k.Data[0])
		case <-time.After(5 * time.Second):
			t.Fatal("emitter stalled")
		}
	}
}

func TestEmitter_BlocksUntilCanceled(t *testing.T) {
	em := NewEmitter(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- em.Emit(ctx, Resize{Rows: 1, Cols: 1}) }()

	select {
	case <-done:
		t.Fatal("Emit returned without a receiver")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	assert.False(t, <-done)
}

func TestKind(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{PtyOutput{}, "pty_output"},
		{PtyExited{}, "pty_exited"},
		{WidgetUpdated{State: widget.State{ID: "clock"}}, "widget_updated"},
		{KeyInput{}, "key_input"},
		{ControlSignal{Kind: ControlQuit}, "control"},
		{Resize{}, "resize"},
		{ReaderLost{Source: "input"}, "reader_lost"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.ev))
	}
	assert.Equal(t, "redraw", ControlRedraw.String())
}
