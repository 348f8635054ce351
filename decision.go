package gentime

// Capabilities describes what a backend can do with values it generates.
type Capabilities interface {
	// SupportsReturning reports whether a value the backend generates while
	// handling event can be read back by the same statement.
	SupportsReturning(event EventType) bool

	// CurrentTimestampExpr is the backend expression that yields the
	// current time.
	CurrentTimestampExpr() string
}

// Decision is the outcome of applying a Policy to a single event.
type Decision struct {
	// Generate is true when the event is one of the policy's triggers.
	Generate bool
	// Source is the policy's source; only meaningful when Generate is set.
	Source SourceType
	// FollowUpFetch is true when the generated value is only visible to
	// the application after an additional read.
	FollowUpFetch bool
}

// Decide applies p to event. VM generated values never need a follow-up
// read, so caps is only consulted for DB generated values. A nil caps is
// treated as a backend that cannot return generated values.
func Decide(p Policy, event EventType, caps Capabilities) Decision {
	if !p.GeneratedOn(event) {
		return Decision{}
	}
	d := Decision{Generate: true, Source: p.Source()}
	if d.Source == SourceVM {
		return d
	}
	d.FollowUpFetch = caps == nil || !caps.SupportsReturning(event)
	return d
}
