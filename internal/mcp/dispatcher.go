package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/relay/internal/observability"
)

// Handler executes one request's method. A nil result with a nil error is
// allowed only for notifications.
type Handler func(ctx context.Context, params []byte) (any, *JSONRPCError)

// inflightRequest tracks one running request. once guards the response
// write: a request that was cancelled emits nothing, ever.
type inflightRequest struct {
	cancel    context.CancelFunc
	once      sync.Once
	cancelled bool
}

// Dispatcher reads frames, routes them to handlers, and tracks in-flight
// requests for cancellation. notifications/cancelled and stdin EOF both
// cancel the targeted work; a cancelled request produces no response.
type Dispatcher struct {
	framer   *Framer
	handlers map[string]Handler
	limit    *semaphore.Weighted
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightRequest
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher. maxHandlers bounds concurrently
// executing requests; <= 0 selects 64.
func NewDispatcher(framer *Framer, maxHandlers int, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if maxHandlers <= 0 {
		maxHandlers = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		framer:   framer,
		handlers: make(map[string]Handler),
		limit:    semaphore.NewWeighted(int64(maxHandlers)),
		metrics:  metrics,
		logger:   logger.With("component", "dispatcher"),
		inflight: make(map[string]*inflightRequest),
	}
}

// Register binds a method name to its handler. Called during wiring, before
// Run.
func (d *Dispatcher) Register(method string, h Handler) {
	d.handlers[method] = h
}

// Run reads frames until stdin EOF or ctx cancellation, then cancels all
// in-flight requests and waits for them to unwind.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer func() {
		d.cancelAll()
		d.wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := d.framer.ReadMessage()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			d.logger.Debug("stdin closed, shutting down")
			return nil
		case errors.Is(err, errSkipLine):
			continue
		case errors.Is(err, ErrLineTooLong) || errors.Is(err, errMalformed):
			d.writeError(nil, rpcError(ErrCodeParseError, "parse error: %v", err))
			continue
		default:
			return fmt.Errorf("read frame: %w", err)
		}

		switch {
		case msg.IsNotification():
			d.handleNotification(ctx, msg)
		case msg.IsRequest():
			d.dispatch(ctx, msg)
		default:
			d.writeError(msg.ID, rpcError(ErrCodeInvalidRequest, "message is neither request nor notification"))
		}
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, msg *JSONRPCMessage) {
	switch msg.Method {
	case "notifications/cancelled":
		d.cancelRequest(msg.Params)
	case "notifications/initialized":
		d.logger.Debug("client initialized")
	default:
		// Unknown notifications are dropped; there is no id to answer on.
		d.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *JSONRPCMessage) {
	handler, ok := d.handlers[msg.Method]
	if !ok {
		d.count(msg.Method, "method_not_found")
		d.writeError(msg.ID, rpcError(ErrCodeMethodNotFound, "method not found: %s", msg.Method))
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	entry := &inflightRequest{cancel: cancel}
	key := idKey(msg.ID)

	d.mu.Lock()
	if _, dup := d.inflight[key]; dup {
		d.mu.Unlock()
		cancel()
		d.writeError(msg.ID, rpcError(ErrCodeInvalidRequest, "duplicate request id"))
		return
	}
	d.inflight[key] = entry
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, key)
			d.mu.Unlock()
		}()

		if err := d.limit.Acquire(reqCtx, 1); err != nil {
			return // cancelled while queued: no response
		}
		defer d.limit.Release(1)

		result, rpcErr := handler(reqCtx, msg.Params)

		d.mu.Lock()
		cancelled := entry.cancelled
		d.mu.Unlock()
		if cancelled || reqCtx.Err() != nil {
			// Post-cancel contract: zero frames for this id.
			d.count(msg.Method, "cancelled")
			return
		}

		entry.once.Do(func() {
			resp := &JSONRPCResponse{ID: msg.ID}
			if rpcErr != nil {
				resp.Error = rpcErr
				d.count(msg.Method, "error")
			} else {
				resp.Result = result
				d.count(msg.Method, "ok")
			}
			if err := d.framer.WriteResponse(resp); err != nil {
				d.logger.Warn("response write failed", "method", msg.Method, "error", err)
			}
		})
	}()
}

func (d *Dispatcher) cancelRequest(params []byte) {
	var p CancelledParams
	if err := unmarshalParams(params, &p); err != nil || p.RequestID == nil {
		d.logger.Debug("cancellation with unusable params")
		return
	}
	key := idKey(p.RequestID)

	d.mu.Lock()
	entry := d.inflight[key]
	if entry != nil {
		entry.cancelled = true
	}
	d.mu.Unlock()

	if entry != nil {
		entry.cancel()
		d.logger.Debug("request cancelled", "request_id", key)
	}
}

func (d *Dispatcher) cancelAll() {
	d.mu.Lock()
	for _, entry := range d.inflight {
		entry.cancelled = true
		entry.cancel()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) writeError(id any, rpcErr *JSONRPCError) {
	if err := d.framer.WriteResponse(&JSONRPCResponse{ID: id, Error: rpcErr}); err != nil {
		d.logger.Warn("error write failed", "error", err)
	}
}

func (d *Dispatcher) count(method, outcome string) {
	if d.metrics != nil {
		d.metrics.RequestsHandled.WithLabelValues(method, outcome).Inc()
	}
}

// idKey normalizes request ids for the inflight map. String and number ids
// are prefixed by type so "7" and 7 stay distinct entries; a cancellation
// only matches the encoding the request itself used.
func idKey(id any) string {
	switch v := id.(type) {
	case string:
		return "s:" + v
	case float64:
		return fmt.Sprintf("n:%v", v)
	default:
		return fmt.Sprintf("x:%v", v)
	}
}
