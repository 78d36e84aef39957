package metrics

import (
	"time"

	"github.com/veridata/dnipipe/pkg/storage"
	"github.com/veridata/dnipipe/pkg/types"
)

// collectInterval is how often gauges are refreshed from the store.
const collectInterval = 15 * time.Second

// Collector refreshes the record and batch gauges from the store.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(collectInterval)
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
	tenants, err := c.store.Tenants()
	if err != nil {
		return
	}

	stateCounts := make(map[types.State]int)
	batches := 0
	for _, tenant := range tenants {
		counts, err := c.store.CountsByState(tenant)
		if err != nil {
			continue
		}
		for state, n := range counts {
			stateCounts[state] += n
		}
		tenantBatches, err := c.store.ListBatches(tenant)
		if err != nil {
			continue
		}
		batches += len(tenantBatches)
	}

	// Zero out every state so emptied states do not keep stale values.
	for _, state := range types.AllStates {
		RecordsTotal.WithLabelValues(string(state)).Set(float64(stateCounts[state]))
	}
	BatchesTotal.Set(float64(batches))
}
