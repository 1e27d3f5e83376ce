package filexfer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T) (addr string, cleanup func()) {
	t.Helper()
	srv := New(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})

	go func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srv.ln = ln
		close(ready)
		_ = srv.serveListener(ctx, ln)
	}()
	<-ready
	return srv.ln.Addr().String(), cancel
}

// serveListener repeats Serve's accept loop over an already-bound listener,
// so tests can use port 0 instead of a fixed address.
func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
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
			return err
		}
		go s.serveConn(conn)
	}
}

func sendCommand(t *testing.T, addr, src, dst string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "%s %s\n", src, dst)
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestTransferCreatesDestinationWithParentDirs(t *testing.T) {
	addr, cleanup := startServer(t)
	defer cleanup()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))
	dst := filepath.Join(dir, "nested", "dst.txt")

	reply := sendCommand(t, addr, src, dst)
	require.Equal(t, "OK\n", reply)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestTransferErrorsOnMissingSource(t *testing.T) {
	addr, cleanup := startServer(t)
	defer cleanup()

	dir := t.TempDir()
	reply := sendCommand(t, addr, filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	require.Contains(t, reply, "ERR")
}

func TestSplitCommandRejectsMalformedLines(t *testing.T) {
	_, _, ok := splitCommand("onlyonetoken")
	require.False(t, ok)

	src, dst, ok := splitCommand("/a/src /b/dst")
	require.True(t, ok)
	require.Equal(t, "/a/src", src)
	require.Equal(t, "/b/dst", dst)
}
