package metrics

import (
	"time"

	"github.com/loomkit/loomkit/pkg/entitystore"
)

// Collector periodically samples gauge-style metrics that aren't
// naturally updated at the point of the event they describe (unlike
// CommandsAppliedTotal or QueryExecuteDuration, which are recorded
// inline by the pipeline and query packages).
type Collector struct {
	instanceID string
	store      *entitystore.Store
	stopCh     chan struct{}
}

// NewCollector creates a Collector sampling store under the label
// instanceID.
func NewCollector(instanceID string, store *entitystore.Store) *Collector {
	return &Collector{instanceID: instanceID, store: store, stopCh: make(chan struct{})}
}

// Start begins sampling on a 15s ticker, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	err := c.store.View(func(tx entitystore.Tx) error {
		revision, err := entitystore.MaxRevision(tx)
		if err != nil {
			return err
		}
		RevisionsTotal.WithLabelValues(c.instanceID).Set(float64(revision))
		return nil
	})
	if err != nil {
		return
	}
}
