// Package kit defines the abstract document-kit collaborator: the
// embedded document engine that a ToChild session drives after chroot.
// spec.md §1 carves the real engine out of scope; this package is only the
// seam the rest of the repository is built against.
package kit

import "context"

// TileRequest describes one rectangular render request, parsed from a
// wire-protocol "tile ..." line.
type TileRequest struct {
	Part   int
	X, Y   int
	Width  int
	Height int
	// ID is the optional "id=" token; empty when the request carries none,
	// which is exactly the case the canceltiles fast path can prune.
	ID string
}

// KeyEvent describes one keystroke delivered from the client.
type KeyEvent struct {
	Code     int
	Modifier int
}

// Kit is the operations a child process needs from its embedded document
// engine. A single Kit instance is created once per child process, after
// the jail's Enter has completed, and is closed when the child shuts down.
type Kit interface {
	// Open loads a document from docURL into the engine, making Render and
	// Keystroke valid to call afterward.
	Open(ctx context.Context, docURL string) error
	// Render produces the pixel payload for one tile request.
	Render(ctx context.Context, req TileRequest) ([]byte, error)
	// Keystroke delivers one keyboard event to the open document.
	Keystroke(ctx context.Context, ev KeyEvent) error
	// Close releases the engine's resources. Safe to call on an engine
	// that was never successfully Open'd.
	Close(ctx context.Context) error
	// Dispatch handles a protocol command the core does not recognize
	// itself (anything other than "tile", "keystroke", "load", "close",
	// or "canceltiles"),
	// passing the command line and any large-message payload straight
	// through to the engine, and returns the engine's reply frame, if
	// any.
	Dispatch(ctx context.Context, line string, payload []byte) ([]byte, error)
}
