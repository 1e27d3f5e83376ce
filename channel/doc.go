/*
Package channel implements the framed message channel that carries the
docgw wire protocol over a single WebSocket connection.

A Channel exchanges discrete text/binary frames with its peer. Frames are
never split by the channel itself: nhooyr.io/websocket already delivers one
full message per Read, so the 100000-byte send cap and the "nextmessage:
size=N" large-payload escape are protocol-level conventions this package
enforces, not something the transport needs help with.

Close is modeled as a value, not an error: Receive returns a Frame with
Close set to true (and a nil error) when the peer goes away cleanly, so
callers have one decision point ("is this the end?") instead of having to
distinguish an io.EOF-shaped error from a normal return.
*/
package channel
