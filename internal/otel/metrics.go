package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments recorded by the core components.
type Metrics struct {
	RouteDuration     metric.Float64Histogram
	RouteFallbacks    metric.Int64Counter
	TokensEstimated   metric.Int64Counter
	AgentSteps        metric.Int64Counter
	AgentFailures     metric.Int64Counter
	PluginDuration    metric.Float64Histogram
	PluginFailures    metric.Int64Counter
	TaskRuns          metric.Int64Counter
	TaskRetries       metric.Int64Counter
	PermissionDenials metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RouteDuration, err = meter.Float64Histogram("agentcore.route.duration",
		metric.WithDescription("Model routing call duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.RouteFallbacks, err = meter.Int64Counter("agentcore.route.fallbacks",
		metric.WithDescription("Routing calls that fell back to another model")); err != nil {
		return nil, err
	}
	if m.TokensEstimated, err = meter.Int64Counter("agentcore.route.tokens",
		metric.WithDescription("Estimated prompt tokens routed")); err != nil {
		return nil, err
	}
	if m.AgentSteps, err = meter.Int64Counter("agentcore.agent.steps",
		metric.WithDescription("Agent steps executed")); err != nil {
		return nil, err
	}
	if m.AgentFailures, err = meter.Int64Counter("agentcore.agent.failures",
		metric.WithDescription("Agents transitioned to failed")); err != nil {
		return nil, err
	}
	if m.PluginDuration, err = meter.Float64Histogram("agentcore.plugin.duration",
		metric.WithDescription("Plugin execution duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.PluginFailures, err = meter.Int64Counter("agentcore.plugin.failures",
		metric.WithDescription("Failed plugin executions")); err != nil {
		return nil, err
	}
	if m.TaskRuns, err = meter.Int64Counter("agentcore.task.runs",
		metric.WithDescription("Scheduled and triggered action runs")); err != nil {
		return nil, err
	}
	if m.TaskRetries, err = meter.Int64Counter("agentcore.task.retries",
		metric.WithDescription("Retry timers armed for failed tasks")); err != nil {
		return nil, err
	}
	if m.PermissionDenials, err = meter.Int64Counter("agentcore.permission.denials",
		metric.WithDescription("Permission checks that were denied")); err != nil {
		return nil, err
	}
	return m, nil
}
