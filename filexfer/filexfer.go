// Package filexfer implements the loopback file-transfer side channel
// described in spec.md §6: a newline-delimited "SRC DST" command listener
// used by external tooling to stage files into a child's jail without
// going through the document-viewing protocol.
package filexfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server accepts loopback connections and serves one "SRC DST" command per
// line. Exactly one command is in flight at a time, matching spec.md's
// "one request in flight" requirement.
type Server struct {
	log *zap.SugaredLogger
	mu  sync.Mutex

	ln net.Listener
}

// New constructs a Server; call Serve to start accepting connections.
func New(log *zap.SugaredLogger) *Server {
	return &Server{log: log}
}

// Serve binds addr (expected to be a loopback address) and accepts
// connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting file-transfer connection: %w", err)
		}
		go s.serveConn(conn)
	}
}

// Addr returns the address Serve bound to, once it has started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	connID := uuid.NewString()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		src, dst, ok := splitCommand(line)
		if !ok {
			s.reply(conn, connID, fmt.Errorf("malformed command: %q", line))
			continue
		}
		s.handleOne(conn, connID, src, dst)
	}
}

func (s *Server) handleOne(conn net.Conn, connID, src, dst string) {
	// Exactly one request in flight at a time, across every connection.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		s.reply(conn, connID, fmt.Errorf("creating parent of %s: %w", dst, err))
		return
	}
	if err := linkOrCopy(src, dst); err != nil {
		s.reply(conn, connID, fmt.Errorf("transferring %s to %s: %w", src, dst, err))
		return
	}
	s.log.Debugw("file transferred", "conn", connID, "src", src, "dst", dst)
	s.reply(conn, connID, nil)
}

func (s *Server) reply(conn net.Conn, connID string, err error) {
	if err != nil {
		s.log.Debugw("file transfer failed", "conn", connID, "err", err)
		fmt.Fprintf(conn, "ERR %s\n", err.Error())
		return
	}
	fmt.Fprint(conn, "OK\n")
}

func splitCommand(line string) (src, dst string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

func linkOrCopy(src, dst string) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
