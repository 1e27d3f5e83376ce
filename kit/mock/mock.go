// Package mock provides a deterministic, goroutine-safe kit.Kit used in
// place of the real document engine: in tests, and in every child process
// docgwd runs, since the real engine is an external collaborator out of
// scope for this repository.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/docgw/docgwd/kit"
)

// Kit is an in-memory kit.Kit. Render returns a small deterministic byte
// pattern derived from the tile's coordinates instead of real pixels, and
// Keystroke just appends to a log callers can inspect in tests.
type Kit struct {
	mu        sync.Mutex
	opened    string
	keystroke []kit.KeyEvent
	closed    bool
}

// New returns an unopened mock kit.
func New() *Kit {
	return &Kit{}
}

func (k *Kit) Open(ctx context.Context, docURL string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("mock kit: open called after close")
	}
	k.opened = docURL
	return nil
}

// Render returns a deterministic payload of Width*Height bytes whose value
// at every position encodes Part, X, and Y, so tests can assert which tile
// was actually rendered without a real rasterizer.
func (k *Kit) Render(ctx context.Context, req kit.TileRequest) ([]byte, error) {
	k.mu.Lock()
	opened := k.opened
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("mock kit: render called after close")
	}
	if opened == "" {
		return nil, fmt.Errorf("mock kit: render called before open")
	}
	n := req.Width * req.Height
	if n <= 0 {
		n = 1
	}
	out := make([]byte, n)
	fill := byte((req.Part*31 + req.X*7 + req.Y*13) & 0xFF)
	for i := range out {
		out[i] = fill
	}
	return out, nil
}

func (k *Kit) Keystroke(ctx context.Context, ev kit.KeyEvent) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("mock kit: keystroke called after close")
	}
	k.keystroke = append(k.keystroke, ev)
	return nil
}

// Dispatch echoes back an "ack: <line>" frame for any command the mock
// doesn't otherwise model, so the ToChild adapter's forwarding path has
// something observable to assert against in tests.
func (k *Kit) Dispatch(ctx context.Context, line string, payload []byte) ([]byte, error) {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("mock kit: dispatch called after close")
	}
	return []byte("ack: " + line), nil
}

func (k *Kit) Close(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

// Keystrokes returns every keystroke delivered so far, for test assertions.
func (k *Kit) Keystrokes() []kit.KeyEvent {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]kit.KeyEvent, len(k.keystroke))
	copy(out, k.keystroke)
	return out
}
