// Package childproto adapts the docgw wire protocol to a kit.Kit, on the
// child side of the internal channel. It implements session.InputHandler
// for the ToChild polarity: every payload a ToChild session's consumer
// goroutine dequeues arrives here as either a command line or, following a
// "nextmessage: size=N" announcement, a raw binary payload.
package childproto

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/docgw/docgwd/kit"
)

// Sender delivers a reply frame back to the master over the child's
// internal channel. *channel.Channel satisfies this.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Handler is the ToChild session.InputHandler: it holds the one kit.Kit
// instance this child process owns and replies to the master over sender.
type Handler struct {
	Kit    kit.Kit
	Sender Sender
	Log    *zap.SugaredLogger
}

// HandleInput implements session.InputHandler.
func (h *Handler) HandleInput(ctx context.Context, payload []byte) bool {
	line := string(payload)
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return true
	}

	switch tokens[0] {
	case "canceltiles":
		// The child's own queue already pruned unidentified tile frames in
		// the receiver (session.Session.handleFrame); nothing left to do.
		return true
	case "tile":
		return h.handleTile(ctx, line, tokens)
	case "keystroke":
		return h.handleKeystroke(ctx, line, tokens)
	case "load":
		return h.dispatchWithPayload(ctx, line, nil)
	case "close":
		if err := h.Kit.Close(ctx); err != nil {
			h.Log.Debugw("kit close failed", "err", err)
		}
		return false
	default:
		return h.dispatchWithPayload(ctx, line, nil)
	}
}

func (h *Handler) handleTile(ctx context.Context, line string, tokens []string) bool {
	req, id, ok := parseTileRequest(tokens)
	if !ok {
		h.Log.Debugw("malformed tile request", "line", line)
		return true
	}
	data, err := h.Kit.Render(ctx, req)
	if err != nil {
		h.Log.Debugw("kit render failed", "line", line, "err", err)
		return true
	}
	reply := buildTileReply(req, id, len(data))
	if err := h.Sender.Send(ctx, reply); err != nil {
		return false
	}
	// The tile bytes can contain arbitrary 0x0A bytes, which the receiving
	// session's line-oriented framing would otherwise truncate at; the
	// nextmessage escape tells it to read the whole next frame verbatim
	// instead of tokenizing it.
	announce := []byte(fmt.Sprintf("nextmessage: size=%d", len(data)))
	if err := h.Sender.Send(ctx, announce); err != nil {
		return false
	}
	if err := h.Sender.Send(ctx, data); err != nil {
		return false
	}
	return true
}

func (h *Handler) handleKeystroke(ctx context.Context, line string, tokens []string) bool {
	ev, ok := parseKeyEvent(tokens)
	if !ok {
		h.Log.Debugw("malformed keystroke", "line", line)
		return true
	}
	if err := h.Kit.Keystroke(ctx, ev); err != nil {
		h.Log.Debugw("kit keystroke failed", "line", line, "err", err)
	}
	return true
}

func (h *Handler) dispatchWithPayload(ctx context.Context, line string, payload []byte) bool {
	if strings.HasPrefix(line, "load ") || line == "load" {
		if url, ok := parseLoadURL(line); ok {
			if err := h.Kit.Open(ctx, url); err != nil {
				h.Log.Debugw("kit open failed", "url", url, "err", err)
			}
			return true
		}
	}
	reply, err := h.Kit.Dispatch(ctx, line, payload)
	if err != nil {
		h.Log.Debugw("kit dispatch failed", "line", line, "err", err)
		return true
	}
	if reply == nil {
		return true
	}
	if err := h.Sender.Send(ctx, reply); err != nil {
		return false
	}
	return true
}

func parseLoadURL(line string) (string, bool) {
	tokens := strings.Fields(line)
	for _, t := range tokens[1:] {
		if strings.HasPrefix(t, "url=") {
			return strings.TrimPrefix(t, "url="), true
		}
	}
	return "", false
}

func parseTileRequest(tokens []string) (kit.TileRequest, string, bool) {
	var req kit.TileRequest
	var id string
	for _, t := range tokens[1:] {
		kv := strings.SplitN(t, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "part":
			req.Part, _ = strconv.Atoi(kv[1])
		case "x":
			req.X, _ = strconv.Atoi(kv[1])
		case "y":
			req.Y, _ = strconv.Atoi(kv[1])
		case "width":
			req.Width, _ = strconv.Atoi(kv[1])
		case "height":
			req.Height, _ = strconv.Atoi(kv[1])
		case "id":
			id = kv[1]
		}
	}
	req.ID = id
	if req.Width <= 0 || req.Height <= 0 {
		return kit.TileRequest{}, "", false
	}
	return req, id, true
}

func parseKeyEvent(tokens []string) (kit.KeyEvent, bool) {
	var ev kit.KeyEvent
	seen := false
	for _, t := range tokens[1:] {
		kv := strings.SplitN(t, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "char", "code":
			ev.Code, _ = strconv.Atoi(kv[1])
			seen = true
		case "modifier":
			ev.Modifier, _ = strconv.Atoi(kv[1])
		}
	}
	return ev, seen
}

func buildTileReply(req kit.TileRequest, id string, size int) []byte {
	var b bytes.Buffer
	b.WriteString("tile: part=")
	b.WriteString(strconv.Itoa(req.Part))
	b.WriteString(" x=")
	b.WriteString(strconv.Itoa(req.X))
	b.WriteString(" y=")
	b.WriteString(strconv.Itoa(req.Y))
	b.WriteString(" width=")
	b.WriteString(strconv.Itoa(req.Width))
	b.WriteString(" height=")
	b.WriteString(strconv.Itoa(req.Height))
	if id != "" {
		b.WriteString(" id=")
		b.WriteString(id)
	}
	b.WriteString(" size=")
	b.WriteString(strconv.Itoa(size))
	return b.Bytes()
}
