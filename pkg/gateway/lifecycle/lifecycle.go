// Package lifecycle holds the process drain state shared between the
// readiness probe and the voice upgrade handler.
package lifecycle

import "sync/atomic"

// Lifecycle flags the gateway as draining during graceful shutdown.
// While draining, readyz fails and new voice sessions are refused;
// established sessions keep running until the grace period ends.
// Methods are safe on a nil receiver so handlers can omit it.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
