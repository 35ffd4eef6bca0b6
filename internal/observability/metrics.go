package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds one counter per broker component. The registry is local so
// tests can build isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	// RequestsHandled counts dispatched JSON-RPC requests.
	// Labels: method, outcome (ok|error|cancelled)
	RequestsHandled *prometheus.CounterVec

	// ToolCalls counts tool invocations.
	// Labels: tool, outcome (ok|error|cancelled)
	ToolCalls *prometheus.CounterVec

	// VectorStoreUploads counts files uploaded to provider vector stores.
	VectorStoreUploads prometheus.Counter

	// VectorStoreEvictions counts evicted vector-store entries.
	// Labels: reason (expired|capacity|invalidated)
	VectorStoreEvictions *prometheus.CounterVec

	// JobsFinished counts jobs reaching a terminal state.
	// Labels: status (completed|failed|cancelled)
	JobsFinished *prometheus.CounterVec

	// MemoryWrites counts memory-store attempts.
	// Labels: outcome (ok|error|skipped)
	MemoryWrites *prometheus.CounterVec

	// TransportWriteFailures counts disconnect-class write failures.
	TransportWriteFailures prometheus.Counter
}

// NewMetrics creates and registers all broker counters on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RequestsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_handled_total",
			Help: "JSON-RPC requests dispatched, by method and outcome.",
		}, []string{"method", "outcome"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_calls_total",
			Help: "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		VectorStoreUploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_vector_store_uploads_total",
			Help: "Files uploaded to provider vector stores.",
		}),
		VectorStoreEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_vector_store_evictions_total",
			Help: "Vector-store entries evicted, by reason.",
		}, []string{"reason"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_jobs_finished_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		MemoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_memory_writes_total",
			Help: "Post-call memory store attempts, by outcome.",
		}, []string{"outcome"}),
		TransportWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_transport_write_failures_total",
			Help: "Stdout writes that failed because the peer disconnected.",
		}),
	}
	reg.MustRegister(
		m.RequestsHandled,
		m.ToolCalls,
		m.VectorStoreUploads,
		m.VectorStoreEvictions,
		m.JobsFinished,
		m.MemoryWrites,
		m.TransportWriteFailures,
	)
	return m
}
