package gentime

import "fmt"

// Policy declares, for one persistent attribute, which lifecycle events
// regenerate its timestamp and where the timestamp is computed.
//
// A Policy is an immutable value. The attribute it governs must never be
// assigned by application code; the pipeline rejects such writes.
type Policy struct {
	events   EventSet
	source   SourceType
	explicit bool
}

// PolicyOption customizes a Policy under construction.
type PolicyOption func(*Policy)

// OnEvents sets the triggering events to the distinct values given. It
// panics on an invalid event type, like EventSetOf.
func OnEvents(events ...EventType) PolicyOption {
	set := EventSetOf(events...)
	return WithEvents(set)
}

// WithEvents sets the triggering events.
func WithEvents(events EventSet) PolicyOption {
	return func(p *Policy) {
		p.events = events
		p.explicit = true
	}
}

// WithSource sets where the value is computed.
func WithSource(source SourceType) PolicyOption {
	return func(p *Policy) {
		p.source = source
	}
}

// CurrentTimestamp returns a policy that stamps the attribute with the
// current time on insert, update and soft delete, computed by the backend,
// unless overridden by opts.
func CurrentTimestamp(opts ...PolicyOption) Policy {
	p := Policy{events: DefaultTimestampEvents, source: SourceDB}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// CreationTimestamp stamps the attribute once, on insert.
func CreationTimestamp(opts ...PolicyOption) Policy {
	return CurrentTimestamp(append([]PolicyOption{WithEvents(EventsInsertOnly)}, opts...)...)
}

// UpdateTimestamp stamps the attribute on insert and on every update.
func UpdateTimestamp(opts ...PolicyOption) Policy {
	return CurrentTimestamp(append([]PolicyOption{WithEvents(EventsInsertAndUpdate)}, opts...)...)
}

// SoftDeleteTimestamp stamps the attribute when the entity is soft deleted.
func SoftDeleteTimestamp(opts ...PolicyOption) Policy {
	return CurrentTimestamp(append([]PolicyOption{WithEvents(EventsSoftDeleteOnly)}, opts...)...)
}

// TriggeringEvents returns the events that regenerate the value.
func (p Policy) TriggeringEvents() EventSet {
	if !p.explicit && p.events == EventsNone {
		return DefaultTimestampEvents
	}
	return p.events
}

// Source returns where the value is computed.
func (p Policy) Source() SourceType {
	return p.source
}

// GeneratedOn reports whether event regenerates the value.
func (p Policy) GeneratedOn(event EventType) bool {
	return p.TriggeringEvents().Contains(event)
}

func (p Policy) String() string {
	return fmt.Sprintf("timestamp(events=%s, source=%s)", p.TriggeringEvents(), p.source)
}
