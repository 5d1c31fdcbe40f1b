package metrics

import (
	"fmt"
	"time"

	"github.com/consusdb/consus/pkg/datalayer"
	"github.com/consusdb/consus/pkg/paxos"
)

// Collector periodically samples a daemon's long-lived components and
// publishes their state to this package's gauges, the same
// ticker+stopCh shape pkg/health's Monitor uses for its background
// loop.
type Collector struct {
	groups []*paxos.Group
	data   *datalayer.Datalayer

	stopCh chan struct{}
}

// NewCollector constructs a Collector. groups may be empty for a kvs
// daemon (no Paxos participation); data may be nil for a txman daemon
// (no local kvs storage).
func NewCollector(groups []*paxos.Group, data *datalayer.Datalayer) *Collector {
	return &Collector{groups: groups, data: data, stopCh: make(chan struct{})}
}

// Start begins collecting on a fixed interval.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() { close(c.stopCh) }

func (c *Collector) collect() {
	c.collectPaxosMetrics()
	c.collectDataMetrics()
}

func (c *Collector) collectPaxosMetrics() {
	for _, g := range c.groups {
		label := fmt.Sprintf("%d", g.ID)
		if g.IsLeader() {
			PaxosIsLeader.WithLabelValues(label).Set(1)
		} else {
			PaxosIsLeader.WithLabelValues(label).Set(0)
		}
	}
}

func (c *Collector) collectDataMetrics() {
	if c.data == nil {
		return
	}

	keys := make(map[string]struct{})
	versions := 0
	_ = c.data.ScanData(func(r datalayer.Record) bool {
		versions++
		keys[string(r.Table)+"\x00"+string(r.Key)] = struct{}{}
		return true
	})
	KVSKeysTotal.Set(float64(len(keys)))
	KVSVersionsTotal.Set(float64(versions))
}
