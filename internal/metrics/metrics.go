package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetcher Metrics
var (
	FetcherLastFetchedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetcher_last_fetched_block",
		Help: "The last block number fetched from the RPC per pipeline",
	}, []string{"pipeline"})

	FetcherBatchesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcher_batches_emitted_total",
		Help: "The total number of log batches emitted by fetchers",
	})

	FetcherBloomSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcher_bloom_skipped_blocks_total",
		Help: "The number of blocks skipped by the logs bloom pre-check",
	})
)

// Provider Pool Metrics
var (
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_requests_total",
		Help: "The total number of RPC requests issued per network",
	}, []string{"network", "method"})

	RPCRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rpc_retries_total",
		Help: "The total number of RPC retries after transient errors",
	})

	RPCRangeAdaptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rpc_block_range_adaptions_total",
		Help: "The number of times a provider range hint shrunk the request range",
	})
)

// Checkpoint Metrics
var (
	LastCommittedCheckpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkpoint_last_committed_block",
		Help: "The last durably committed block per pipeline",
	}, []string{"pipeline"})

	CheckpointWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_write_failures_total",
		Help: "The total number of failed checkpoint writes",
	})
)

// Sink Metrics
var (
	SinkWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sink_write_duration_seconds",
		Help: "Sink write latency per sink kind",
	}, []string{"sink"})

	SinkWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_write_failures_total",
		Help: "The total number of failed sink writes per sink kind",
	}, []string{"sink"})

	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_dispatched_total",
		Help: "The total number of decoded events dispatched to sinks",
	})
)

// Processor Metrics
var (
	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "processor_decode_failures_total",
		Help: "The number of logs dropped because ABI decoding failed",
	})

	EventsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "processor_events_filtered_total",
		Help: "The number of decoded events dropped by condition filters",
	})
)

// Scheduler Metrics
var (
	ActivePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_active_pipelines",
		Help: "The number of pipelines currently admitted for execution",
	})

	HaltedPipelines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_halted_pipelines_total",
		Help: "The total number of pipelines halted on permanent errors",
	})

	FactoryPipelinesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_factory_pipelines_created_total",
		Help: "The number of pipelines created through factory discovery",
	})
)

// Shutdown Metrics
var (
	ForcedShutdownTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shutdown_forced_tasks",
		Help: "The number of tasks still pending when the shutdown deadline fired",
	})
)
