package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/consusdb/consus/pkg/config"
	"github.com/consusdb/consus/pkg/events"
	"github.com/consusdb/consus/pkg/log"
	"github.com/consusdb/consus/pkg/metrics"
)

// Monitor tracks reachability of every kvs and txman daemon named by
// the cluster configuration. It implements the reconciler's Updatable,
// so a configuration bump swaps the probed endpoint set automatically;
// pkg/dispatch consults Reachable to order failover candidates ahead
// of daemons known to be down.
type Monitor struct {
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger

	mu        sync.Mutex
	endpoints map[string]*endpoint

	stopCh chan struct{}
	doneCh chan struct{}
}

type endpoint struct {
	checker Checker
	status  *Status
}

// NewMonitor constructs a Monitor probing per cfg. broker may be nil
// to disable event publication.
func NewMonitor(cfg Config, broker *events.Broker) *Monitor {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:       cfg,
		broker:    broker,
		logger:    log.WithComponent("health"),
		endpoints: make(map[string]*endpoint),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// SetConfiguration replaces the probed endpoint set with the kvs and
// txman bind addresses of c. Status carries over for addresses present
// in both the old and new configuration.
func (m *Monitor) SetConfiguration(c config.Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	binds := make([]string, 0, len(c.KVSs)+len(c.Txmans))
	for _, kvs := range c.KVSs {
		binds = append(binds, kvs.Bind)
	}
	for _, t := range c.Txmans {
		binds = append(binds, t.Bind)
	}

	next := make(map[string]*endpoint, len(binds))
	for _, bind := range binds {
		if bind == "" {
			continue
		}
		if ep, ok := m.endpoints[bind]; ok {
			next[bind] = ep
			continue
		}
		next[bind] = &endpoint{
			checker: NewTCPChecker(bind, m.cfg.Timeout),
			status:  NewStatus(),
		}
		metrics.ReplicaReachable.WithLabelValues(bind).Set(1)
	}
	for addr := range m.endpoints {
		if _, ok := next[addr]; !ok {
			metrics.ReplicaReachable.DeleteLabelValues(addr)
		}
	}
	m.endpoints = next
}

// Reachable reports whether addr answered its recent probes. Addresses
// the monitor is not tracking are assumed reachable: failover must not
// write off a replica it has never probed.
func (m *Monitor) Reachable(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep, ok := m.endpoints[addr]; ok {
		return ep.status.Reachable
	}
	return true
}

// Start begins the background probe loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop ends the probe loop and waits for in-flight probes to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) probeAll() {
	m.mu.Lock()
	targets := make([]*endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		targets = append(targets, ep)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, ep := range targets {
		wg.Add(1)
		go func(ep *endpoint) {
			defer wg.Done()
			result := ep.checker.Check(ctx)
			m.record(ep, result)
		}(ep)
	}
	wg.Wait()
}

func (m *Monitor) record(ep *endpoint, result Result) {
	addr := ep.checker.Target()

	m.mu.Lock()
	changed := ep.status.Update(result, m.cfg)
	reachable := ep.status.Reachable
	m.mu.Unlock()

	if reachable {
		metrics.ReplicaReachable.WithLabelValues(addr).Set(1)
	} else {
		metrics.ReplicaReachable.WithLabelValues(addr).Set(0)
	}

	if !changed {
		return
	}

	if reachable {
		m.logger.Info().Str("addr", addr).Msg("replica reachable again")
	} else {
		m.logger.Warn().Str("addr", addr).Str("reason", result.Message).Msg("replica unreachable")
	}

	if m.broker != nil {
		typ := events.EventReplicaUp
		if !reachable {
			typ = events.EventReplicaDown
		}
		m.broker.Publish(&events.Event{
			Type:     typ,
			Message:  result.Message,
			Metadata: map[string]string{"addr": addr},
		})
	}
}
