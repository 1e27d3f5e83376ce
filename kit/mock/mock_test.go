package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docgw/docgwd/kit"
)

func TestRenderBeforeOpenFails(t *testing.T) {
	k := New()
	_, err := k.Render(context.Background(), kit.TileRequest{Width: 4, Height: 4})
	require.Error(t, err)
}

func TestRenderIsDeterministicPerCoordinate(t *testing.T) {
	k := New()
	require.NoError(t, k.Open(context.Background(), "file:///doc.odt"))

	req := kit.TileRequest{Part: 0, X: 1, Y: 2, Width: 8, Height: 8}
	a, err := k.Render(context.Background(), req)
	require.NoError(t, err)
	b, err := k.Render(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, a, b)

	other, err := k.Render(context.Background(), kit.TileRequest{Part: 0, X: 2, Y: 2, Width: 8, Height: 8})
	require.NoError(t, err)
	require.NotEqual(t, a, other)
}

func TestKeystrokeRecordedInOrder(t *testing.T) {
	k := New()
	require.NoError(t, k.Open(context.Background(), "file:///doc.odt"))

	require.NoError(t, k.Keystroke(context.Background(), kit.KeyEvent{Code: 1}))
	require.NoError(t, k.Keystroke(context.Background(), kit.KeyEvent{Code: 2}))

	require.Equal(t, []kit.KeyEvent{{Code: 1}, {Code: 2}}, k.Keystrokes())
}

func TestOperationsFailAfterClose(t *testing.T) {
	k := New()
	require.NoError(t, k.Open(context.Background(), "file:///doc.odt"))
	require.NoError(t, k.Close(context.Background()))

	_, err := k.Render(context.Background(), kit.TileRequest{Width: 1, Height: 1})
	require.Error(t, err)
	require.Error(t, k.Keystroke(context.Background(), kit.KeyEvent{}))
	require.Error(t, k.Open(context.Background(), "file:///other.odt"))
}
