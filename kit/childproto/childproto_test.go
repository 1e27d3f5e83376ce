package childproto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docgw/docgwd/kit/mock"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(ctx context.Context, data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func TestLoadThenTileRendersAfterOpen(t *testing.T) {
	k := mock.New()
	sender := &fakeSender{}
	h := &Handler{Kit: k, Sender: sender, Log: zap.NewNop().Sugar()}

	require.True(t, h.HandleInput(context.Background(), []byte("load url=file:///doc.odt")))
	require.True(t, h.HandleInput(context.Background(), []byte("tile part=0 x=0 y=0 width=4 height=4 id=7")))

	require.Len(t, sender.sent, 3)
	require.Contains(t, string(sender.sent[0]), "id=7")
	require.Equal(t, "nextmessage: size=16", string(sender.sent[1]))
	require.Len(t, sender.sent[2], 16)
}

func TestKeystrokeRecordedOnKit(t *testing.T) {
	k := mock.New()
	sender := &fakeSender{}
	h := &Handler{Kit: k, Sender: sender, Log: zap.NewNop().Sugar()}

	require.True(t, h.HandleInput(context.Background(), []byte("load url=file:///doc.odt")))
	require.True(t, h.HandleInput(context.Background(), []byte("keystroke char=65 modifier=0")))

	require.Equal(t, 1, len(k.Keystrokes()))
	require.Equal(t, 65, k.Keystrokes()[0].Code)
}

func TestCloseTerminatesSession(t *testing.T) {
	k := mock.New()
	sender := &fakeSender{}
	h := &Handler{Kit: k, Sender: sender, Log: zap.NewNop().Sugar()}

	require.False(t, h.HandleInput(context.Background(), []byte("close")))
}

func TestUnknownCommandDispatchesToKit(t *testing.T) {
	k := mock.New()
	sender := &fakeSender{}
	h := &Handler{Kit: k, Sender: sender, Log: zap.NewNop().Sugar()}

	require.True(t, h.HandleInput(context.Background(), []byte("load url=file:///doc.odt")))
	require.True(t, h.HandleInput(context.Background(), []byte("status")))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "ack: status", string(sender.sent[0]))
}

func TestCancelTilesIsNoOpOnChildSide(t *testing.T) {
	k := mock.New()
	sender := &fakeSender{}
	h := &Handler{Kit: k, Sender: sender, Log: zap.NewNop().Sugar()}

	require.True(t, h.HandleInput(context.Background(), []byte("canceltiles")))
	require.Empty(t, sender.sent)
}
