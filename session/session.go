// Package session implements the stateful endpoints of the docgw wire
// protocol: ToClient (master-facing-client), ToPrisoner
// (master-facing-child), and ToChild (child-facing-master). Each Session
// pairs a channel.Channel with a queue.Queue and runs two goroutines, a
// receiver and a consumer, that exchange work only through that queue plus
// the synchronous "canceltiles" fast path.
package session

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/docgw/docgwd/channel"
	"github.com/docgw/docgwd/queue"
)

// Polarity identifies which side of which logical connection a Session
// represents.
type Polarity int

const (
	// ToClient faces a browser-like client, on the master side.
	ToClient Polarity = iota
	// ToPrisoner faces a child process, on the master side.
	ToPrisoner
	// ToChild faces the master, on the child side.
	ToChild
)

func (p Polarity) String() string {
	switch p {
	case ToClient:
		return "ToClient"
	case ToPrisoner:
		return "ToPrisoner"
	case ToChild:
		return "ToChild"
	default:
		return "unknown"
	}
}

// InputHandler processes one payload dequeued from a Session's Work Queue.
// Returning false means "terminate this session"; the failure is logged by
// the caller and is non-fatal to the process.
type InputHandler interface {
	HandleInput(ctx context.Context, payload []byte) bool
}

// Session is one endpoint of a logical connection, as described in
// SPEC_FULL.md §4.C.
type Session struct {
	Polarity Polarity
	// ChildID identifies the child this session belongs to. A ToChild
	// session carries its own process's ChildID but has no pairing to
	// resolve it against.
	ChildID uint64

	ch      *channel.Channel
	q       *queue.Queue
	handler InputHandler
	pairing *Pairing
	log     *zap.SugaredLogger

	// OnClose, if set, runs once after the session has fully torn down
	// (receiver exited, consumer drained).
	OnClose func()

	cancel context.CancelFunc
}

// New constructs a Session. pairing may be nil for ToChild sessions, which
// talk directly to a document kit instead of a peer session.
func New(pol Polarity, childID uint64, ch *channel.Channel, q *queue.Queue, handler InputHandler, pairing *Pairing, log *zap.SugaredLogger) *Session {
	return &Session{
		Polarity: pol,
		ChildID:  childID,
		ch:       ch,
		q:        q,
		handler:  handler,
		pairing:  pairing,
		log:      log,
	}
}

// Send writes data directly to this session's channel, bypassing its Work
// Queue. Used for canceltiles's synchronous peer forward and by
// RelayHandler to deliver a dequeued payload to the paired session.
func (s *Session) Send(ctx context.Context, data []byte) error {
	return s.ch.Send(ctx, data)
}

// Run blocks until the session's receiver observes a close or error, then
// drains and terminates its consumer. Run is the entire lifetime of a
// Session: callers spawn it in its own goroutine per accepted connection.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.consume(ctx)
	}()

	s.receive(ctx)

	s.q.Clear()
	s.q.PutEOF()
	wg.Wait()

	s.teardownPeer()

	if s.OnClose != nil {
		s.OnClose()
	}
}

func (s *Session) receive(ctx context.Context) {
	for {
		frame, err := s.ch.Receive(ctx)
		if err != nil {
			s.log.Debugw("channel receive failed, closing session", "polarity", s.Polarity, "err", err)
			return
		}
		if frame.Close {
			s.log.Debugw("peer closed channel", "polarity", s.Polarity)
			return
		}
		if !s.handleFrame(ctx, frame.Data) {
			return
		}
	}
}

// handleFrame implements the receiver-side protocol logic described in
// SPEC_FULL.md §4.C. It returns false if the receive loop should stop
// (used when a nested ReceiveLarge fails).
func (s *Session) handleFrame(ctx context.Context, data []byte) bool {
	line := firstLine(data)
	wholeFrameIsOneLine := len(line) == len(data)
	tokens := tokenize(string(line))

	if wholeFrameIsOneLine && isCancelTiles(tokens) && s.Polarity != ToPrisoner {
		// Fast path: prune unidentified pending tile renders synchronously,
		// before the consumer goroutine can observe them.
		s.q.RemoveIf(isUnidentifiedTile)
		if s.Polarity == ToClient {
			s.forwardToPeer(ctx, data)
		}
		return true
	}

	if wholeFrameIsOneLine {
		if size, ok := parseNextMessage(tokens); ok {
			frame, err := s.ch.ReceiveLarge(ctx, size)
			if err != nil {
				s.log.Debugw("receiving large frame failed", "err", err)
				return false
			}
			if frame.Close {
				return false
			}
			s.q.Put(frame.Data)
			return true
		}
	}

	s.q.Put(line)
	return true
}

func (s *Session) forwardToPeer(ctx context.Context, data []byte) {
	peer := s.peer()
	if peer == nil {
		return
	}
	if err := peer.Send(ctx, data); err != nil {
		s.log.Debugw("forwarding to peer failed", "err", err)
	}
}

func (s *Session) peer() *Session {
	if s.pairing == nil {
		return nil
	}
	return s.pairing.Peer(s.ChildID, s.Polarity)
}

// teardownPeer notifies the paired session, if any, that this session has
// gone away, and force-closes the peer's channel so its own receiver wakes
// up and tears down too (SPEC_FULL.md §4.C failure semantics: "the paired
// session is notified so it can be torn down").
func (s *Session) teardownPeer() {
	if s.pairing == nil {
		return
	}
	peer := s.pairing.Peer(s.ChildID, s.Polarity)
	s.pairing.Unpair(s.ChildID, s.Polarity)
	if peer != nil {
		_ = peer.ch.CloseError("paired session closed")
	}
}

func (s *Session) consume(ctx context.Context) {
	for {
		b := s.q.Get()
		if bytes.Equal(b, queue.EOF) {
			return
		}
		if !s.handler.HandleInput(ctx, b) {
			s.log.Debugw("handleInput terminated session", "polarity", s.Polarity)
			if s.cancel != nil {
				s.cancel()
			}
			return
		}
	}
}

// RelayHandler forwards every dequeued payload to the paired session's
// channel. It implements the "after queue processing, forwarded to the
// other" relay behavior for ToClient and ToPrisoner sessions.
type RelayHandler struct {
	Pairing *Pairing
	ChildID uint64
	From    Polarity
}

func (h *RelayHandler) HandleInput(ctx context.Context, payload []byte) bool {
	peer := h.Pairing.Peer(h.ChildID, h.From)
	if peer == nil {
		// No peer registered (yet, or anymore): drop, but don't kill the
		// session over it.
		return true
	}
	if err := peer.Send(ctx, payload); err != nil {
		return false
	}
	return true
}

func firstLine(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[:i]
	}
	return data
}

func tokenize(line string) []string {
	return strings.Fields(line)
}

func isCancelTiles(tokens []string) bool {
	return len(tokens) == 1 && tokens[0] == "canceltiles"
}

func isUnidentifiedTile(b []byte) bool {
	s := string(b)
	return strings.HasPrefix(s, "tile ") && !strings.Contains(s, "id=")
}

// parseNextMessage recognizes a "nextmessage: size=N" control line.
func parseNextMessage(tokens []string) (size int, ok bool) {
	if len(tokens) != 2 || tokens[0] != "nextmessage:" {
		return 0, false
	}
	const prefix = "size="
	if !strings.HasPrefix(tokens[1], prefix) {
		return 0, false
	}
	n := 0
	digits := tokens[1][len(prefix):]
	if digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}
