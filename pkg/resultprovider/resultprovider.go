// Package resultprovider turns a compiled query.Plan into a live,
// subscribable result set (component F). One ResultProvider exists per
// live DataStoreQuery: it runs the plan's initial execute(), then re-runs
// plan.Update() each time the owning pipeline's revision broker announces
// a new committed revision, broadcasting the delta to every subscriber.
//
// Grounded directly on the teacher's pkg/events.Broker shape (subscriber
// map + buffered channels + a run() goroutine draining a central
// eventCh), generalized from a single global event type to one instance
// per live query and reusing pkg/broker's generic implementation for the
// underlying fan-out plumbing.
package resultprovider

import (
	"context"

	"github.com/loomkit/loomkit/pkg/broker"
	"github.com/loomkit/loomkit/pkg/entitystore"
	"github.com/loomkit/loomkit/pkg/query"
	"github.com/loomkit/loomkit/pkg/types"
)

// EventKind classifies one change broadcast to subscribers.
type EventKind uint8

const (
	EventAdded EventKind = iota
	EventModified
	EventRemoved
	EventInitialResultSetComplete
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "Added"
	case EventModified:
		return "Modified"
	case EventRemoved:
		return "Removed"
	case EventInitialResultSetComplete:
		return "InitialResultSetComplete"
	default:
		return "Unknown"
	}
}

// Event is one change delivered to a subscriber's channel.
type Event struct {
	Kind   EventKind
	Entity *types.Entity
}

// FetchFunc lazily loads the children of parent for a tree query's
// subscriber. It runs on the provider's own goroutine — the same one
// draining revision updates — so a fetch can safely read the store
// without additional locking and without racing incremental delivery.
type FetchFunc func(tx entitystore.Tx, parent *types.Entity) ([]*types.Entity, error)

// Subscription is a live handle to a ResultProvider's event stream.
// Connecting after the provider has already delivered
// EventInitialResultSetComplete still yields the complete current
// snapshot, replayed as a burst of EventAdded, before any further
// incremental event.
type Subscription struct {
	events chan Event
	fetch  FetchFunc
}

// Events returns the channel of events for this subscription.
func (s *Subscription) Events() <-chan Event { return s.events }

type fetchRequest struct {
	sub    *Subscription
	parent *types.Entity
	done   chan error
}

type subscribeRequest struct {
	sub   *Subscription
	added chan struct{}
}

// ResultProvider drives one live query: executes it once, then replays
// its plan's incremental updates to every subscriber in commit order.
type ResultProvider struct {
	store *entitystore.Store
	plan  *query.Plan

	revisionUpdates broker.Subscription[uint64]
	baseRevision    uint64

	subscribeCh   chan subscribeRequest
	unsubscribeCh chan *Subscription
	fetchCh       chan fetchRequest
	stopCh        chan struct{}

	subscribers map[*Subscription]struct{}
	snapshot    []*types.Entity
}

// New constructs a ResultProvider for plan, reading from store and
// listening for new committed revisions on revisions. baseRevision is
// the revision the plan's initial Execute() should be considered current
// as of (typically the store's MaxRevision at construction time).
func New(store *entitystore.Store, plan *query.Plan, revisions *broker.Broker[uint64], baseRevision uint64) *ResultProvider {
	return &ResultProvider{
		store:           store,
		plan:            plan,
		revisionUpdates: revisions.Subscribe(),
		baseRevision:    baseRevision,
		subscribeCh:     make(chan subscribeRequest),
		unsubscribeCh:   make(chan *Subscription),
		fetchCh:         make(chan fetchRequest),
		stopCh:          make(chan struct{}),
		subscribers:     make(map[*Subscription]struct{}),
	}
}

// Start runs the provider's initial execution and its update loop in a
// background goroutine. It must be called exactly once.
func (rp *ResultProvider) Start(ctx context.Context) error {
	if err := rp.store.View(func(tx entitystore.Tx) error {
		results, err := rp.plan.Execute(tx)
		if err != nil {
			return err
		}
		rp.snapshot = results
		return nil
	}); err != nil {
		return err
	}
	go rp.run(ctx)
	return nil
}

// Stop halts the update loop and releases every subscription.
func (rp *ResultProvider) Stop() {
	close(rp.stopCh)
}

// Subscribe registers a new subscriber. fetch may be nil for queries that
// don't lazily load tree children.
func (rp *ResultProvider) Subscribe(fetch FetchFunc) *Subscription {
	sub := &Subscription{events: make(chan Event, 64), fetch: fetch}
	added := make(chan struct{})
	select {
	case rp.subscribeCh <- subscribeRequest{sub: sub, added: added}:
		<-added
	case <-rp.stopCh:
		close(sub.events)
	}
	return sub
}

// Unsubscribe removes sub from future delivery and closes its channel.
func (rp *ResultProvider) Unsubscribe(sub *Subscription) {
	select {
	case rp.unsubscribeCh <- sub:
	case <-rp.stopCh:
	}
}

// FetchChildren invokes sub's fetch callback for parent on the provider's
// own goroutine, delivers each loaded child to sub as an EventAdded
// (dropped when sub's buffer is full), and returns the fetch's error. It
// is a no-op returning nil if sub registered without a FetchFunc.
func (rp *ResultProvider) FetchChildren(sub *Subscription, parent *types.Entity) error {
	if sub.fetch == nil {
		return nil
	}
	done := make(chan error, 1)
	select {
	case rp.fetchCh <- fetchRequest{sub: sub, parent: parent, done: done}:
	case <-rp.stopCh:
		return nil
	}
	return <-done
}

func (rp *ResultProvider) run(ctx context.Context) {
	for {
		select {
		case req := <-rp.subscribeCh:
			// Release Subscribe first so its caller can drain a snapshot
			// larger than the subscription's channel buffer.
			close(req.added)
			rp.deliverSnapshot(req.sub)
			rp.subscribers[req.sub] = struct{}{}

		case sub := <-rp.unsubscribeCh:
			if _, ok := rp.subscribers[sub]; ok {
				delete(rp.subscribers, sub)
				close(sub.events)
			}

		case req := <-rp.fetchCh:
			req.done <- rp.handleFetch(ctx, req)

		case revision, ok := <-rp.revisionUpdates:
			if !ok {
				return
			}
			rp.handleRevision(revision)

		case <-rp.stopCh:
			for sub := range rp.subscribers {
				close(sub.events)
			}
			rp.subscribers = nil
			return

		case <-ctx.Done():
			return
		}
	}
}

func (rp *ResultProvider) deliverSnapshot(sub *Subscription) {
	for _, e := range rp.snapshot {
		sub.events <- Event{Kind: EventAdded, Entity: e}
	}
	sub.events <- Event{Kind: EventInitialResultSetComplete}
}

func (rp *ResultProvider) handleRevision(revision uint64) {
	var updates []query.Update
	err := rp.store.View(func(tx entitystore.Tx) error {
		var err error
		updates, err = rp.plan.Update(tx, rp.baseRevision)
		return err
	})
	rp.baseRevision = revision
	if err != nil {
		return
	}
	if len(updates) == 0 {
		return
	}

	rp.applySnapshot(updates)
	for _, u := range updates {
		ev := toEvent(u)
		for sub := range rp.subscribers {
			select {
			case sub.events <- ev:
			default:
				// subscriber buffer full; drop rather than stall the loop.
			}
		}
	}
}

func toEvent(u query.Update) Event {
	switch u.Status {
	case query.StatusAdded:
		return Event{Kind: EventAdded, Entity: u.Entity}
	case query.StatusModified:
		return Event{Kind: EventModified, Entity: u.Entity}
	default:
		return Event{Kind: EventRemoved, Entity: u.Entity}
	}
}

func (rp *ResultProvider) applySnapshot(updates []query.Update) {
	byUID := make(map[string]*types.Entity, len(rp.snapshot))
	order := make([]string, 0, len(rp.snapshot))
	for _, e := range rp.snapshot {
		byUID[e.UID] = e
		order = append(order, e.UID)
	}
	for _, u := range updates {
		switch u.Status {
		case query.StatusAdded:
			if _, exists := byUID[u.UID]; !exists {
				order = append(order, u.UID)
			}
			byUID[u.UID] = u.Entity
		case query.StatusModified:
			byUID[u.UID] = u.Entity
		case query.StatusRemoved:
			delete(byUID, u.UID)
		}
	}
	rebuilt := make([]*types.Entity, 0, len(byUID))
	for _, uid := range order {
		if e, ok := byUID[uid]; ok {
			rebuilt = append(rebuilt, e)
		}
	}
	rp.snapshot = rebuilt
}

func (rp *ResultProvider) handleFetch(ctx context.Context, req fetchRequest) error {
	return rp.store.View(func(tx entitystore.Tx) error {
		children, err := req.sub.fetch(tx, req.parent)
		if err != nil {
			return err
		}
		for _, child := range children {
			select {
			case req.sub.events <- Event{Kind: EventAdded, Entity: child}:
			default:
			}
		}
		return nil
	})
}
