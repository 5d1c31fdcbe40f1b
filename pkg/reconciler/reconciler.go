package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/consusdb/consus/pkg/config"
	"github.com/consusdb/consus/pkg/coordinator"
	"github.com/consusdb/consus/pkg/events"
	"github.com/consusdb/consus/pkg/log"
	"github.com/consusdb/consus/pkg/metrics"
)

// Updatable is any component that routes against a cluster
// configuration and needs to learn about a new one — pkg/dispatch's
// ConfigReplicas and pkg/client's Client both implement it.
type Updatable interface {
	SetConfiguration(config.Configuration)
}

// Reconciler polls a coordinator.FileLink and fans out every
// configuration it observes to a fixed set of Updatable consumers,
// registered once at construction (this daemon's topology does not
// change at runtime).
type Reconciler struct {
	link       *coordinator.FileLink
	interval   time.Duration
	consumers  []Updatable
	events     *events.Broker
	logger     zerolog.Logger
	cancelPoll context.CancelFunc
}

// New constructs a Reconciler driving consumers from link, polling
// every interval. broker may be nil to disable event publication.
func New(link *coordinator.FileLink, interval time.Duration, broker *events.Broker, consumers ...Updatable) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{
		link:      link,
		interval:  interval,
		consumers: consumers,
		events:    broker,
		logger:    log.WithComponent("reconciler"),
	}
}

// Start applies the link's current configuration immediately, then
// begins polling it in the background until Stop is called.
func (r *Reconciler) Start() {
	r.apply(r.link.Current())

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelPoll = cancel

	go r.link.Poll(ctx, r.interval, func(err error) {
		r.logger.Warn().Err(err).Msg("failed to poll configuration")
	})

	go func() {
		for cfg := range r.link.Watch(ctx) {
			r.apply(cfg)
		}
	}()
}

// Stop ends the background poll and watch loops.
func (r *Reconciler) Stop() {
	if r.cancelPoll != nil {
		r.cancelPoll()
	}
}

func (r *Reconciler) apply(cfg config.Configuration) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	metrics.ConfigurationVersion.Set(float64(cfg.VersionID))

	for _, c := range r.consumers {
		c.SetConfiguration(cfg)
	}

	r.logger.Info().
		Uint64("version_id", uint64(cfg.VersionID)).
		Int("consumers", len(r.consumers)).
		Msg("applied configuration")

	if r.events != nil {
		r.events.Publish(&events.Event{
			Type:    events.EventConfigReload,
			Message: cfg.String(),
		})
	}
}
