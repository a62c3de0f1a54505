package realtime

import (
	"context"

	v1 "parley/contracts/realtime/v1"
)

// Deliverer pushes an envelope to the live connection of a user.
//
// Delivery is best effort: it never blocks on a slow connection and reports
// false when the user has no connection that could take the envelope.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, env v1.Envelope) bool
}

// LocalDeliverer delivers to connections bound in this process.
type LocalDeliverer struct {
	registry *Registry
	metrics  *Metrics
}

// NewLocalDeliverer constructs a LocalDeliverer over registry.
func NewLocalDeliverer(registry *Registry, metrics *Metrics) *LocalDeliverer {
	return &LocalDeliverer{registry: registry, metrics: metrics}
}

// Deliver looks the user up at call time and enqueues env on its connection.
func (d *LocalDeliverer) Deliver(_ context.Context, userID string, env v1.Envelope) bool {
	if d.deliverLocal(userID, env) {
		d.metrics.delivery("local")
		return true
	}
	d.metrics.delivery("offline")
	return false
}

func (d *LocalDeliverer) deliverLocal(userID string, env v1.Envelope) bool {
	if d == nil || userID == "" {
		return false
	}
	conn, ok := d.registry.Lookup(userID)
	if !ok {
		return false
	}
	return conn.Deliver(env)
}
