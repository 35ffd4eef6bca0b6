package mcp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessageSkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	f := NewFramer(in, &bytes.Buffer{}, 0, nil, nil)

	_, err := f.ReadMessage()
	require.ErrorIs(t, err, errSkipLine)
	_, err = f.ReadMessage()
	require.ErrorIs(t, err, errSkipLine)

	msg, err := f.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Method)
	assert.True(t, msg.IsRequest())

	_, err = f.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageRecoversFromMalformedJSON(t *testing.T) {
	in := strings.NewReader("{not json\n{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"ping\"}\n")
	f := NewFramer(in, &bytes.Buffer{}, 0, nil, nil)

	_, err := f.ReadMessage()
	require.ErrorIs(t, err, errMalformed)

	msg, err := f.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Method)
}

func TestReadMessageRecoversFromOversizedLine(t *testing.T) {
	long := strings.Repeat("x", 300)
	in := strings.NewReader(long + "\n{\"jsonrpc\":\"2.0\",\"id\":3,\"method\":\"ping\"}\n")
	f := NewFramer(in, &bytes.Buffer{}, 128, nil, nil)

	_, err := f.ReadMessage()
	require.ErrorIs(t, err, ErrLineTooLong)

	// The oversized line was consumed; the next frame is intact.
	msg, err := f.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Method)
}

func TestWriteResponseAppendsNewline(t *testing.T) {
	var out bytes.Buffer
	f := NewFramer(strings.NewReader(""), &out, 0, nil, nil)

	require.NoError(t, f.WriteResponse(&JSONRPCResponse{ID: 1, Result: map[string]any{}}))
	require.NoError(t, f.WriteResponse(&JSONRPCResponse{ID: 2, Result: map[string]any{}}))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "\"jsonrpc\":\"2.0\"")
}

// brokenWriter fails every write with a pipe error and counts attempts.
type brokenWriter struct {
	writes int
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, syscall.EPIPE
}

func TestWriteResponseSuppressedAfterPeerGone(t *testing.T) {
	w := &brokenWriter{}
	f := NewFramer(strings.NewReader(""), w, 0, nil, nil)

	require.NoError(t, f.WriteResponse(&JSONRPCResponse{ID: 1}))
	require.True(t, f.PeerGone())
	assert.Equal(t, 1, w.writes)

	// Later writes never touch the dead stream.
	require.NoError(t, f.WriteResponse(&JSONRPCResponse{ID: 2}))
	require.NoError(t, f.WriteResponse(&JSONRPCResponse{ID: 3}))
	assert.Equal(t, 1, w.writes)
}

// faultyWriter fails with a non-disconnect error.
type faultyWriter struct{}

func (faultyWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriteResponseSurfacesNonDisconnectErrors(t *testing.T) {
	f := NewFramer(strings.NewReader(""), faultyWriter{}, 0, nil, nil)
	err := f.WriteResponse(&JSONRPCResponse{ID: 1})
	require.Error(t, err)
	assert.False(t, f.PeerGone())
}
