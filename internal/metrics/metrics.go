package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guardianvoice/gvbridge/internal/engine"
)

// LiveCallProvider exposes the number of live bridged calls.
type LiveCallProvider interface {
	LiveCallCount() int
}

// RegistrationProvider exposes the engine's current SIP registration state.
type RegistrationProvider interface {
	RegistrationState() engine.RegistrationState
}

// CallCounter returns call-log counts grouped by direction.
type CallCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// registrationStates are all states exported as labelled gauge values.
var registrationStates = []engine.RegistrationState{
	engine.RegistrationNone,
	engine.RegistrationInProgress,
	engine.RegistrationOK,
	engine.RegistrationFailed,
}

// Collector is a prometheus.Collector that gathers gvbridge metrics at scrape time.
type Collector struct {
	liveCalls    LiveCallProvider
	registration RegistrationProvider
	calls        CallCounter
	startTime    time.Time

	// Metric descriptors.
	liveCallsDesc    *prometheus.Desc
	registrationDesc *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(liveCalls LiveCallProvider, registration RegistrationProvider, calls CallCounter, startTime time.Time) *Collector {
	return &Collector{
		liveCalls:    liveCalls,
		registration: registration,
		calls:        calls,
		startTime:    startTime,

		liveCallsDesc: prometheus.NewDesc(
			"gvbridge_live_calls",
			"Number of calls currently tracked by the bridge (ringing + active + held)",
			nil, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"gvbridge_registration_state",
			"SIP registration state (1 for the current state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"gvbridge_calls_total",
			"Total number of calls recorded in the call log",
			[]string{"direction"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"gvbridge_uptime_seconds",
			"Seconds since the gvbridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveCallsDesc
	ch <- c.registrationDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.liveCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.liveCallsDesc, prometheus.GaugeValue,
			float64(c.liveCalls.LiveCallCount()),
		)
	}

	if c.registration != nil {
		current := c.registration.RegistrationState()
		for _, state := range registrationStates {
			val := 0.0
			if state == current {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.registrationDesc, prometheus.GaugeValue, val, string(state),
			)
		}
	}

	if c.calls != nil {
		counts, err := c.calls.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
