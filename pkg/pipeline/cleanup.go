package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/loomkit/loomkit/pkg/entitystore"
	"github.com/loomkit/loomkit/pkg/log"
	"github.com/loomkit/loomkit/pkg/metrics"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// Cleanup runs revision compaction on an idle-interval ticker, grounded on
// the same stopCh+ticker shape the daemon's other background loops use.
// Cleanup is advisory (spec.md §4.D): a missed or delayed tick never
// affects correctness, only how much history accumulates on disk.
type Cleanup struct {
	instanceID string
	store      *entitystore.Store
	interval   time.Duration
	logger     zerolog.Logger
	stopCh     chan struct{}
}

// NewCleanup constructs a Cleanup loop over store, ticking every interval.
// instanceID labels the CleanupCompactedRevisionsTotal metric.
func NewCleanup(instanceID string, store *entitystore.Store, interval time.Duration) *Cleanup {
	return &Cleanup{
		instanceID: instanceID,
		store:      store,
		interval:   interval,
		logger:     log.WithComponent("pipeline.cleanup"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (c *Cleanup) Start() {
	go c.run()
}

// Stop halts the cleanup loop.
func (c *Cleanup) Stop() {
	close(c.stopCh)
}

func (c *Cleanup) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.runOnce(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("cleanup cycle failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// runOnce advances cleanedUpRevision to the store's current maxRevision,
// compacting every record older than the tip along the way.
func (c *Cleanup) runOnce(ctx context.Context) error {
	return c.store.Update(func(tx *bolt.Tx) error {
		maxRevision, err := entitystore.MaxRevision(tx)
		if err != nil {
			return err
		}
		cleanedUp, err := entitystore.CleanedUpRevision(tx)
		if err != nil {
			return err
		}
		for revision := cleanedUp + 1; revision <= maxRevision; revision++ {
			if err := c.compactRevision(tx, revision); err != nil {
				return err
			}
		}
		return entitystore.SetCleanedUpRevision(tx, maxRevision)
	})
}

// compactRevision implements cleanupRevision(r) from spec.md §4.D: find
// the uid behind revision r, remove every stored revision for that uid
// strictly older than its current tip, and additionally remove the tip
// itself if it is a Removal tombstone.
func (c *Cleanup) compactRevision(tx *bolt.Tx, revision uint64) error {
	typeName, uid, err := lookupTypeAndUID(tx, revision)
	if entitystore.IsNotFound(err) {
		return nil // already compacted by an earlier pass over the same uid
	}
	if err != nil {
		return err
	}

	tip, tipErr := entitystore.FindLatest(tx, typeName, uid)
	removedTip := entitystore.IsNotFound(tipErr)
	// A removed entity has no latest record to read a tip revision from, so
	// every stored revision of the uid is below the cut.
	var tipRevision uint64 = math.MaxUint64
	if !removedTip {
		tipRevision = tip.Metadata.Revision
	}

	compacted, err := entitystore.CompactUID(tx, typeName, uid, tipRevision, removedTip)
	if err != nil {
		return err
	}
	metrics.CleanupCompactedRevisionsTotal.WithLabelValues(c.instanceID).Add(float64(compacted))
	return nil
}

func lookupTypeAndUID(tx *bolt.Tx, revision uint64) (typeName, uid string, err error) {
	typeName, err = entitystore.GetTypeFromRevision(tx, revision)
	if err != nil {
		return "", "", err
	}
	uid, err = entitystore.GetUidFromRevision(tx, revision)
	return typeName, uid, err
}
