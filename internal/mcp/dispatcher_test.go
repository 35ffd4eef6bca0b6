package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a goroutine-safe output sink for dispatcher tests.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// responses decodes every frame written so far.
func (b *syncBuffer) responses(t *testing.T) []JSONRPCResponse {
	t.Helper()
	var out []JSONRPCResponse
	for _, line := range strings.Split(strings.TrimSpace(b.String()), "\n") {
		if line == "" {
			continue
		}
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		out = append(out, resp)
	}
	return out
}

// harness drives a dispatcher over an in-memory pipe.
type harness struct {
	in   *io.PipeWriter
	out  *syncBuffer
	done chan error
}

func newHarness(t *testing.T, register func(d *Dispatcher)) *harness {
	t.Helper()
	r, w := io.Pipe()
	out := &syncBuffer{}
	d := NewDispatcher(NewFramer(r, out, 0, nil, nil), 8, nil, testLogger())
	register(d)

	h := &harness{in: w, out: out, done: make(chan error, 1)}
	go func() { h.done <- d.Run(context.Background()) }()
	t.Cleanup(func() {
		h.in.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not shut down")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, frame string) {
	t.Helper()
	_, err := h.in.Write([]byte(frame + "\n"))
	require.NoError(t, err)
}

// waitForResponse polls until a frame for id appears.
func (h *harness) waitForResponse(t *testing.T, id float64) JSONRPCResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, resp := range h.out.responses(t) {
			if got, ok := resp.ID.(float64); ok && got == id {
				return resp
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no response for id %v; output: %q", id, h.out.String())
	return JSONRPCResponse{}
}

func echoHandler(ctx context.Context, params []byte) (any, *JSONRPCError) {
	return map[string]any{"ok": true}, nil
}

func TestDispatchRoutesToHandler(t *testing.T) {
	h := newHarness(t, func(d *Dispatcher) { d.Register("ping", echoHandler) })

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resp := h.waitForResponse(t, 1)
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"ok": true}, resp.Result)
}

func TestDispatchUnknownMethod(t *testing.T) {
	h := newHarness(t, func(d *Dispatcher) {})

	h.send(t, `{"jsonrpc":"2.0","id":7,"method":"tools/bogus"}`)
	resp := h.waitForResponse(t, 7)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestDispatchParseErrorThenRecovery(t *testing.T) {
	h := newHarness(t, func(d *Dispatcher) { d.Register("ping", echoHandler) })

	h.send(t, `{broken`)
	h.send(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)

	resp := h.waitForResponse(t, 2)
	require.Nil(t, resp.Error)

	var sawParseError bool
	for _, r := range h.out.responses(t) {
		if r.Error != nil && r.Error.Code == ErrCodeParseError {
			sawParseError = true
		}
	}
	assert.True(t, sawParseError, "expected a -32700 frame for the broken line")
}

func TestDispatchDuplicateRequestID(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(d *Dispatcher) {
		d.Register("slow", func(ctx context.Context, params []byte) (any, *JSONRPCError) {
			close(started)
			<-release
			return "done", nil
		})
	})

	h.send(t, `{"jsonrpc":"2.0","id":5,"method":"slow"}`)
	<-started
	h.send(t, `{"jsonrpc":"2.0","id":5,"method":"slow"}`)

	resp := h.waitForResponse(t, 5)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		for _, r := range h.out.responses(t) {
			if r.Error == nil && r.Result == "done" {
				ok = true
			}
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("original request never completed")
}

func TestCancelledRequestEmitsNoFrames(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(d *Dispatcher) {
		d.Register("wait", func(ctx context.Context, params []byte) (any, *JSONRPCError) {
			close(started)
			<-ctx.Done()
			return "should never be written", nil
		})
		d.Register("ping", echoHandler)
	})

	h.send(t, `{"jsonrpc":"2.0","id":42,"method":"wait"}`)
	<-started
	h.send(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42}}`)

	// A follow-up request proves the loop kept going and gives the cancelled
	// handler time to unwind before we inspect the output.
	h.send(t, `{"jsonrpc":"2.0","id":43,"method":"ping"}`)
	h.waitForResponse(t, 43)
	time.Sleep(50 * time.Millisecond)

	for _, resp := range h.out.responses(t) {
		if got, ok := resp.ID.(float64); ok && got == 42 {
			t.Fatalf("cancelled request produced a frame: %+v", resp)
		}
	}
}

func TestCancellationMatchesStringAndNumberIDs(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(d *Dispatcher) {
		d.Register("wait", func(ctx context.Context, params []byte) (any, *JSONRPCError) {
			close(started)
			<-ctx.Done()
			return nil, nil
		})
		d.Register("ping", echoHandler)
	})

	h.send(t, `{"jsonrpc":"2.0","id":"req-9","method":"wait"}`)
	<-started
	h.send(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"req-9"}}`)

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	h.waitForResponse(t, 1)
	time.Sleep(50 * time.Millisecond)

	for _, resp := range h.out.responses(t) {
		if resp.ID == "req-9" {
			t.Fatalf("cancelled request produced a frame: %+v", resp)
		}
	}
}

func TestEOFCancelsInflightAndReturnsNil(t *testing.T) {
	started := make(chan struct{})
	unblocked := make(chan struct{})
	r, w := io.Pipe()
	out := &syncBuffer{}
	d := NewDispatcher(NewFramer(r, out, 0, nil, nil), 8, nil, testLogger())
	d.Register("wait", func(ctx context.Context, params []byte) (any, *JSONRPCError) {
		close(started)
		<-ctx.Done()
		close(unblocked)
		return "late", nil
	})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	_, err := w.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"wait"}` + "\n"))
	require.NoError(t, err)
	<-started
	require.NoError(t, w.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not return on EOF")
	}
	<-unblocked
	assert.Empty(t, strings.TrimSpace(out.String()), "in-flight request must be suppressed on EOF")
}

func TestIDKeyDistinguishesTypes(t *testing.T) {
	assert.NotEqual(t, idKey("1"), idKey(float64(1)))
	assert.Equal(t, idKey(float64(1)), idKey(float64(1)))
	assert.Equal(t, "s:abc", idKey("abc"))
}

func TestUnknownNotificationIsDropped(t *testing.T) {
	h := newHarness(t, func(d *Dispatcher) { d.Register("ping", echoHandler) })

	h.send(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`)
	h.send(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, 11))
	resp := h.waitForResponse(t, 11)
	require.Nil(t, resp.Error)
	assert.Len(t, h.out.responses(t), 1)
}
