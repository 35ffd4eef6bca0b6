package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/haasonsaas/relay/internal/observability"
)

// ErrLineTooLong marks an inbound line exceeding the configured maximum.
// The offending line is consumed; the framer keeps reading.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// Framer reads one JSON object per line and writes one per line. Writes are
// serialized and ordered. A write failing with a disconnect-class error
// marks the peer gone; later writes are silently dropped.
type Framer struct {
	reader   *bufio.Reader
	maxLine  int
	metrics  *observability.Metrics
	logger   *slog.Logger
	peerGone atomic.Bool

	mu     sync.Mutex
	writer io.Writer
}

// NewFramer wraps the transport streams. maxLine <= 0 selects 10 MiB.
func NewFramer(r io.Reader, w io.Writer, maxLine int, metrics *observability.Metrics, logger *slog.Logger) *Framer {
	if maxLine <= 0 {
		maxLine = 10 * 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{
		reader:  bufio.NewReaderSize(r, 64*1024),
		maxLine: maxLine,
		metrics: metrics,
		logger:  logger.With("component", "framer"),
		writer:  w,
	}
}

// ReadMessage reads the next line and decodes it. It returns io.EOF when
// input is exhausted, ErrLineTooLong for oversized lines, and a wrapped
// syntax error for malformed JSON; the latter two leave the framer usable.
func (f *Framer) ReadMessage() (*JSONRPCMessage, error) {
	line, err := f.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, errSkipLine
	}
	var msg JSONRPCMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", errMalformed, err)
	}
	return &msg, nil
}

var (
	// errSkipLine marks a blank line; the caller reads again.
	errSkipLine = errors.New("blank line")
	// errMalformed marks undecodable JSON on an otherwise intact line.
	errMalformed = errors.New("malformed json")
)

// readLine reads up to the next newline, enforcing maxLine. An oversized
// line is consumed to its end before ErrLineTooLong is returned, so one bad
// frame does not poison the next.
func (f *Framer) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := f.reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > f.maxLine {
				f.discardToNewline()
				return nil, ErrLineTooLong
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(buf) == 0 {
				return nil, io.EOF
			}
			break
		}
		return nil, err
	}
	line := strings.TrimRight(string(buf), "\r\n")
	if len(line) > f.maxLine {
		return nil, ErrLineTooLong
	}
	return []byte(strings.TrimSpace(line)), nil
}

func (f *Framer) discardToNewline() {
	for {
		_, err := f.reader.ReadSlice('\n')
		if err == nil || !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// WriteResponse emits one response frame. After the peer is gone every
// write is a silent no-op.
func (f *Framer) WriteResponse(resp *JSONRPCResponse) error {
	if f.peerGone.Load() {
		return nil
	}
	resp.JSONRPC = "2.0"
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	_, err = f.writer.Write(data)
	f.mu.Unlock()
	if err != nil {
		if isDisconnect(err) {
			// One debug line, then drop everything further.
			if f.peerGone.CompareAndSwap(false, true) {
				f.logger.Debug("peer gone, suppressing writes", "error", err)
			}
			if f.metrics != nil {
				f.metrics.TransportWriteFailures.Inc()
			}
			return nil
		}
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// PeerGone reports whether a write already failed with a disconnect.
func (f *Framer) PeerGone() bool { return f.peerGone.Load() }

// isDisconnect classifies broken pipe / closed stream / reset errors.
func isDisconnect(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "use of closed")
}
