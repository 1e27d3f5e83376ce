package gatewayhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docgw/docgwd/config"
	"github.com/docgw/docgwd/session"
)

func newTestServer() *Server {
	return New(config.Config{Port: 9980, InternalPort: 9981}, nil, session.NewPairing(), zap.NewNop().Sugar())
}

func TestPublicHandlerRejectsNonUpgradeRequest(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	s.PublicHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "0", w.Header().Get("Content-Length"))
}

func TestInternalHandlerRejectsWrongPath(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/not/the/child/path", nil)
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()

	s.InternalHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInternalHandlerRejectsNonUpgradeOnChildPath(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, config.ChildURI, nil)
	w := httptest.NewRecorder()

	s.InternalHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "0", w.Header().Get("Content-Length"))
}

func TestIsUpgradeIsCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.False(t, isUpgrade(req))

	req.Header.Set("Upgrade", "WebSocket")
	require.True(t, isUpgrade(req))
}

func TestListenBindsBeforeServe(t *testing.T) {
	s := New(config.Config{Port: 0, InternalPort: 0}, nil, session.NewPairing(), zap.NewNop().Sugar())
	require.NoError(t, s.Listen())
	require.NotNil(t, s.publicLn)
	require.NotNil(t, s.internalLn)
	require.NoError(t, s.publicLn.Close())
	require.NoError(t, s.internalLn.Close())
}

func TestParseChildHandshake(t *testing.T) {
	id, ok := parseChildHandshake([]byte("child 12345"))
	require.True(t, ok)
	require.Equal(t, uint64(12345), id)

	_, ok = parseChildHandshake([]byte("child notanumber"))
	require.False(t, ok)

	_, ok = parseChildHandshake([]byte("hello"))
	require.False(t, ok)

	_, ok = parseChildHandshake([]byte("child"))
	require.False(t, ok)
}
