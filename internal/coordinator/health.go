package coordinator

import "context"

// Health is the liveness summary served by the health endpoints.
type Health struct {
	Transport bool `json:"transport"`
	Scheduler bool `json:"scheduler"`
}

func (h Health) OK() bool { return h.Transport && h.Scheduler }

type transportProbe interface {
	Healthy(ctx context.Context) bool
}

type schedulerProbe interface {
	Healthy() bool
}

// HealthReporter combines the broker and scheduler probes.
type HealthReporter struct {
	transport transportProbe
	scheduler schedulerProbe
}

func NewHealthReporter(t transportProbe, s schedulerProbe) *HealthReporter {
	return &HealthReporter{transport: t, scheduler: s}
}

func (r *HealthReporter) IsHealthy(ctx context.Context) Health {
	return Health{
		Transport: r.transport == nil || r.transport.Healthy(ctx),
		Scheduler: r.scheduler == nil || r.scheduler.Healthy(),
	}
}
