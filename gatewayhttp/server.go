// Package gatewayhttp implements the Master Listener described in
// SPEC_FULL.md §4.F: two HTTP servers, one bound to the public port and one
// bound to loopback on the internal port, each upgrading accepted
// connections to a WebSocket and constructing the matching polarity of
// session.Session.
package gatewayhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/docgw/docgwd/channel"
	"github.com/docgw/docgwd/config"
	"github.com/docgw/docgwd/queue"
	"github.com/docgw/docgwd/session"
	"github.com/docgw/docgwd/supervisor"
)

// Server owns the public and internal listeners and the machinery needed
// to turn an accepted connection into a paired session.Session.
type Server struct {
	cfg     config.Config
	sup     *supervisor.Supervisor
	pairing *session.Pairing
	log     *zap.SugaredLogger

	publicSrv   *http.Server
	internalSrv *http.Server

	publicLn   net.Listener
	internalLn net.Listener
}

// New builds a Server. sup and pairing are shared with the rest of the
// master process: the Supervisor supplies child availability, the Pairing
// table lets a ToClient and ToPrisoner session find each other.
func New(cfg config.Config, sup *supervisor.Supervisor, pairing *session.Pairing, log *zap.SugaredLogger) *Server {
	return &Server{cfg: cfg, sup: sup, pairing: pairing, log: log}
}

// PublicHandler upgrades a GET of "/" into a ToClient session, claiming a
// child from the Supervisor's pool. A request for any other path gets the
// same 400 response as a non-upgrade request.
func (s *Server) PublicHandler() http.Handler {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(rejectNonUpgrade)
	router.GET("/", s.handlePublic)
	return router
}

// InternalHandler upgrades a child's back-connection at config.ChildURI
// into a ToPrisoner session. Anything else is rejected: this listener is
// loopback-only and has exactly one legitimate client, a re-exec'd child.
func (s *Server) InternalHandler() http.Handler {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(rejectNonUpgrade)
	router.GET(config.ChildURI, s.handleInternal)
	return router
}

// Listen binds both listeners without yet serving on them. Callers that
// spawn children against the internal port (cmd/docgwd's master role) must
// call this before starting the Supervisor's pre-spawn pool: a child that
// back-connects before the internal listener is bound would otherwise race
// it, the same startup hazard spec.md's NamedMutex dance exists to avoid.
func (s *Server) Listen() error {
	publicLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("binding public port %d: %w", s.cfg.Port, err)
	}
	internalLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.InternalPort))
	if err != nil {
		publicLn.Close()
		return fmt.Errorf("binding internal port %d: %w", s.cfg.InternalPort, err)
	}
	s.publicLn = publicLn
	s.internalLn = internalLn
	return nil
}

// Serve binds both listeners if Listen was not already called, then blocks
// until ctx is canceled or either server fails. A failure on one server
// closes the other.
func (s *Server) Serve(ctx context.Context) error {
	if s.publicLn == nil || s.internalLn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.publicSrv = &http.Server{Handler: s.PublicHandler()}
	s.internalSrv = &http.Server{Handler: s.InternalHandler()}

	errCh := make(chan error, 2)
	go func() { errCh <- s.publicSrv.Serve(s.publicLn) }()
	go func() { errCh <- s.internalSrv.Serve(s.internalLn) }()

	go func() {
		<-ctx.Done()
		_ = s.publicSrv.Close()
		_ = s.internalSrv.Close()
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) && firstErr == nil {
			firstErr = err
			_ = s.publicSrv.Close()
			_ = s.internalSrv.Close()
		}
	}
	return firstErr
}

// Close stops both listeners immediately, without waiting for in-flight
// connections to drain.
func (s *Server) Close() error {
	var err error
	if s.publicSrv != nil {
		err = s.publicSrv.Close()
	}
	if s.internalSrv != nil {
		if ierr := s.internalSrv.Close(); err == nil {
			err = ierr
		}
	}
	return err
}

func rejectNonUpgrade(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusBadRequest)
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !isUpgrade(r) {
		rejectNonUpgrade(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugw("public websocket accept failed", "err", err)
		return
	}
	s.serveToClient(r.Context(), conn)
}

func (s *Server) handleInternal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !isUpgrade(r) {
		rejectNonUpgrade(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugw("internal websocket accept failed", "err", err)
		return
	}
	s.serveToPrisoner(r.Context(), conn)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// serveToClient claims a child from the pool (pre-spawning one on demand
// if the pool is empty), registers the ToClient side of the pairing, and
// runs the session until the client disconnects.
func (s *Server) serveToClient(ctx context.Context, conn *websocket.Conn) {
	ch := channel.New(conn, s.log)

	childID, err := s.sup.WaitForAvailable(ctx)
	if err != nil {
		s.log.Warnw("no child became available for client", "err", err)
		_ = ch.CloseError("no child available")
		return
	}

	q := queue.New()
	sess := session.New(session.ToClient, uint64(childID), ch, q,
		&session.RelayHandler{Pairing: s.pairing, ChildID: uint64(childID), From: session.ToClient},
		s.pairing, s.log)
	s.pairing.SetClient(uint64(childID), sess)

	s.log.Infow("client paired with child", "child", childID)
	sess.Run(ctx)
}

// serveToPrisoner completes a child's back-connect handshake ("child
// <ChildID>"), marks it available in the Supervisor, registers the
// ToPrisoner side of the pairing, and runs the session until the child's
// connection drops.
func (s *Server) serveToPrisoner(ctx context.Context, conn *websocket.Conn) {
	ch := channel.New(conn, s.log)

	frame, err := ch.Receive(ctx)
	if err != nil || frame.Close {
		s.log.Debugw("child back-connect handshake failed", "err", err)
		_ = ch.Close()
		return
	}
	id, ok := parseChildHandshake(frame.Data)
	if !ok {
		s.log.Warnw("malformed child handshake", "line", string(frame.Data))
		_ = ch.CloseError("malformed handshake")
		return
	}
	if !s.sup.Has(supervisor.ChildID(id)) {
		s.log.Warnw("unknown child back-connected", "child", id)
		_ = ch.CloseError("unknown child")
		return
	}

	q := queue.New()
	sess := session.New(session.ToPrisoner, id, ch, q,
		&session.RelayHandler{Pairing: s.pairing, ChildID: id, From: session.ToPrisoner},
		s.pairing, s.log)
	s.pairing.SetPrisoner(id, sess)
	s.sup.MarkAvailable(supervisor.ChildID(id))

	s.log.Infow("child back-connected", "child", id)
	sess.Run(ctx)
}

func parseChildHandshake(data []byte) (uint64, bool) {
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] != "child" {
		return 0, false
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
