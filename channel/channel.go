package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// MaxDefaultFrame is the largest frame Send will transmit, and the largest
// frame Receive will accept, outside of the ReceiveLarge escape.
const MaxDefaultFrame = 100000

// ErrFrameTooLarge is returned by Send when asked to transmit more than
// MaxDefaultFrame bytes, and by Receive when a frame larger than that
// arrives.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxDefaultFrame)

// Frame is one logical message received from the peer.
type Frame struct {
	// Data holds the frame payload. Empty when Close is true.
	Data []byte
	// Close is true when the peer has signaled end-of-stream; Data is
	// meaningless in that case.
	Close bool
}

// Channel wraps one WebSocket connection and exposes it as a framed
// message channel: send, receive, and the out-of-band large-payload
// escape used for binary document payloads.
type Channel struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger

	closeOnce sync.Once
	closeErr  error
}

// New wraps an already-accepted or already-dialed WebSocket connection.
func New(conn *websocket.Conn, log *zap.SugaredLogger) *Channel {
	// nhooyr.io/websocket defaults to a 32768-byte read limit; the large-
	// payload escape needs to accept arbitrary sizes, so that default is
	// lifted here; Receive applies MaxDefaultFrame itself and ReceiveLarge
	// applies no limit. This version of the
	// library does not treat negative values as "unlimited" (it stores
	// n+1 as the limit), so a sufficiently large value is used instead.
	conn.SetReadLimit(math.MaxInt64 - 1)
	return &Channel{conn: conn, log: log}
}

// Send transmits one frame of up to MaxDefaultFrame bytes. Frames are
// self-delimited by the underlying WebSocket message framing.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if len(data) > MaxDefaultFrame {
		return ErrFrameTooLarge
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

// SendBinary is like Send but marks the message as binary and is not
// subject to MaxDefaultFrame, for use after a "nextmessage: size=N"
// announcement has told the peer to expect a large follow-up frame.
func (c *Channel) SendBinary(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("sending large frame: %w", err)
	}
	return nil
}

// Receive blocks until a frame arrives or the peer closes the connection.
// A clean close is reported as Frame{Close: true} with a nil error; any
// other failure, including a frame larger than MaxDefaultFrame, is returned
// as an error so callers can classify it.
func (c *Channel) Receive(ctx context.Context) (Frame, error) {
	frame, err := c.read(ctx)
	if err != nil || frame.Close {
		return frame, err
	}
	if len(frame.Data) > MaxDefaultFrame {
		return Frame{}, fmt.Errorf("receiving frame of %d bytes: %w", len(frame.Data), ErrFrameTooLarge)
	}
	return frame, nil
}

func (c *Channel) read(ctx context.Context) (Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if isClose(err) {
			return Frame{Close: true}, nil
		}
		return Frame{}, fmt.Errorf("receiving frame: %w", err)
	}
	return Frame{Data: data}, nil
}

// ReceiveLarge reads exactly one follow-up frame after a "nextmessage:
// size=N" control line has been observed. The caller-supplied size is
// advisory (nhooyr.io/websocket already knows the message length); it is
// used only to annotate a mismatch, never to truncate or grow the frame.
// The frame is not subject to MaxDefaultFrame.
func (c *Channel) ReceiveLarge(ctx context.Context, size int) (Frame, error) {
	frame, err := c.read(ctx)
	if err != nil {
		return Frame{}, err
	}
	if !frame.Close && size > 0 && len(frame.Data) != size {
		c.log.Debugw("large frame size mismatch", "want", size, "got", len(frame.Data))
	}
	return frame, nil
}

// Close closes the underlying connection cleanly. Safe to call more than
// once; only the first call's result is returned.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return c.closeErr
}

// CloseError closes the underlying connection with an error status and
// reason, used when a session is torn down because of a protocol or
// handling failure rather than a clean shutdown.
func (c *Channel) CloseError(reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusInternalError, reason)
	})
	return c.closeErr
}

func isClose(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled)
}
