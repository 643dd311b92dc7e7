package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestrator's metric instruments. A nil *Metrics is
// never constructed by NewMetrics; callers that want metrics disabled
// should pass the no-op provider's Meter from Init instead.
type Metrics struct {
	NodeDuration     metric.Float64Histogram
	WorkflowDuration metric.Float64Histogram
	BackendDuration  metric.Float64Histogram
	BackendCostUSD   metric.Float64Counter
	NodeFailures     metric.Int64Counter
	ActiveWorkers    metric.Int64UpDownCounter
	QueueDepth       metric.Int64UpDownCounter
}

// NewMetrics creates every instrument from meter (a no-op Meter from a
// disabled Provider produces no-op instruments, so callers never branch
// on whether telemetry is enabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.NodeDuration, err = meter.Float64Histogram("orchestrate.node.duration",
		metric.WithDescription("Node execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowDuration, err = meter.Float64Histogram("orchestrate.workflow.duration",
		metric.WithDescription("Workflow instance end-to-end duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendDuration, err = meter.Float64Histogram("orchestrate.backend.duration",
		metric.WithDescription("Backend Invoke call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendCostUSD, err = meter.Float64Counter("orchestrate.backend.cost_usd",
		metric.WithDescription("Estimated cumulative backend invocation cost in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.NodeFailures, err = meter.Int64Counter("orchestrate.node.failures",
		metric.WithDescription("Node executions that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("orchestrate.worker.active",
		metric.WithDescription("Jobs currently in flight across all worker goroutines"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("orchestrate.queue.depth",
		metric.WithDescription("Pending jobs observed at the last poll"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
