package bus

import "time"

// Event represents a domain event published on the bus. InstanceID scopes
// the event to one connection; empty means process-wide.
type Event struct {
	Kind       string
	InstanceID string
	Timestamp  time.Time
	Payload    any
}
