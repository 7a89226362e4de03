package metrics

import (
	"time"

	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// Inventory is the read side the collector needs from storage
type Inventory interface {
	ListExApps() ([]*types.ExApp, error)
	ListDaemonConfigs() ([]*types.DaemonConfig, error)
}

// Collector periodically refreshes the inventory gauges
type Collector struct {
	inventory Inventory
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(inventory Inventory) *Collector {
	return &Collector{
		inventory: inventory,
		interval:  15 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectExAppMetrics()
	c.collectDaemonMetrics()
}

func (c *Collector) collectExAppMetrics() {
	apps, err := c.inventory.ListExApps()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to list ExApps for metrics")
		return
	}

	counts := map[string]int{
		string(types.StatePending): 0,
		string(types.StateFailed):  0,
		string(types.StateReady):   0,
		"disabled":                 0,
	}
	for _, app := range apps {
		if !app.Enabled && app.Status.IsReady() {
			counts["disabled"]++
			continue
		}
		counts[string(app.Status.State)]++
	}

	for state, count := range counts {
		ExAppsTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectDaemonMetrics() {
	daemons, err := c.inventory.ListDaemonConfigs()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to list daemons for metrics")
		return
	}

	DaemonsTotal.Reset()
	for _, d := range daemons {
		DaemonsTotal.WithLabelValues(string(d.AcceptsDeployID)).Inc()
	}
}
