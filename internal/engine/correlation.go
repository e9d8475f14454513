package engine

import "github.com/google/uuid"

// CorrelationContext propagates a correlation id through a stimulus's
// synchronous cascade of rule executions and emitted events. A new chain
// starts when the triggering stimulus carries no correlation id of its own.
type CorrelationContext struct {
	id string
}

// NewCorrelationContext returns a context seeded with id, generating a
// fresh one if id is empty.
func NewCorrelationContext(id string) CorrelationContext {
	if id == "" {
		id = uuid.NewString()
	}
	return CorrelationContext{id: id}
}

// ID returns the correlation id carried by this chain.
func (c CorrelationContext) ID() string { return c.id }

// Join returns the correlation id to use for an explicitly correlated
// emission: id if non-empty (joining an existing chain), otherwise the
// current chain's id.
func (c CorrelationContext) Join(id string) string {
	if id != "" {
		return id
	}
	return c.id
}
