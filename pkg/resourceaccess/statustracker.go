package resourceaccess

import (
	"sync"
	"time"
)

// StatusTracker aggregates the latest Notification-reported Status for
// every resource a facade has connected to, rolling them up the way the
// teacher's pkg/health Checker rolls up repeated probe results — except
// here each update is pushed by an inbound Notification frame rather
// than pulled by a polling Checker.Check call.
type StatusTracker struct {
	mu        sync.RWMutex
	resources map[string]resourceStatus
}

type resourceStatus struct {
	status    Status
	message   string
	updatedAt time.Time
}

// NewStatusTracker returns an empty StatusTracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{resources: make(map[string]resourceStatus)}
}

// Update records n as the current status of its resource.
func (t *StatusTracker) Update(n Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources[n.ResourceID] = resourceStatus{status: n.Status, message: n.Message, updatedAt: time.Now()}
}

// Remove drops a resource from the rollup, e.g. once its facade entry is
// deleted.
func (t *StatusTracker) Remove(resourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.resources, resourceID)
}

// Status returns the last known status for resourceID.
func (t *StatusTracker) Status(resourceID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.resources[resourceID]
	return s.status, ok
}

// Rollup returns the worst status across every tracked resource: Error
// outranks Busy outranks Offline outranks Connected. An empty tracker
// rolls up to Connected.
func (t *StatusTracker) Rollup() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := StatusConnected
	for _, s := range t.resources {
		if severity(s.status) > severity(worst) {
			worst = s.status
		}
	}
	return worst
}

func severity(s Status) int {
	switch s {
	case StatusConnected:
		return 0
	case StatusOffline:
		return 1
	case StatusBusy:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}
