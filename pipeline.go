package gentime

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Clock supplies the current time for VM generated values.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the system time.
var SystemClock Clock = ClockFunc(time.Now)

// =====================================
// Plan
// =====================================

// Assignment is a VM generated value that has been written into the entity.
type Assignment struct {
	Attribute Attribute
	Value     time.Time

	prior reflect.Value
}

// VersionCheck carries the version an update expects to find in storage.
type VersionCheck struct {
	Attribute Attribute
	Previous  time.Time
}

// Stored returns the previous version as it is stored by the backend.
func (v VersionCheck) Stored() interface{} {
	return v.Attribute.Stored(v.Previous)
}

// Plan tells an adapter how to write generated values for one event.
type Plan struct {
	Event EventType
	// Assigned values were generated in process and already set on the entity.
	Assigned []Assignment
	// Generated attributes must be computed by the backend.
	Generated []Attribute
	// Returning is the subset of Generated that the write can read back inline.
	Returning []Attribute
	// Fetch is the subset of Generated that needs a follow-up read.
	Fetch []Attribute
	// Frozen attributes are not triggered by the event and must be left
	// out of full entity writes.
	Frozen []Attribute
	// Version is set when the write must be conditioned on the stored version.
	Version *VersionCheck

	target reflect.Value
}

// Revert restores the fields Prepare overwrote with VM generated values.
// Adapters call it when the write fails.
func (pl *Plan) Revert() {
	if !pl.target.IsValid() {
		return
	}
	for _, a := range pl.Assigned {
		if a.prior.IsValid() {
			pl.target.FieldByIndex(a.Attribute.index).Set(a.prior)
		}
	}
}

// Values returns the VM generated values keyed by column.
func (pl *Plan) Values() map[string]interface{} {
	values := make(map[string]interface{}, len(pl.Assigned))
	for _, a := range pl.Assigned {
		values[a.Attribute.Column] = a.Attribute.Stored(a.Value)
	}
	return values
}

// NeedsFetch reports whether a follow-up read is required.
func (pl *Plan) NeedsFetch() bool {
	return len(pl.Fetch) > 0
}

// IsEmpty reports whether the event generates nothing.
func (pl *Plan) IsEmpty() bool {
	return len(pl.Assigned) == 0 && len(pl.Generated) == 0
}

// ColumnsGenerated returns the columns written by the event, VM values first.
func (pl *Plan) ColumnsGenerated() []string {
	cols := make([]string, 0, len(pl.Assigned)+len(pl.Generated))
	for _, a := range pl.Assigned {
		cols = append(cols, a.Attribute.Column)
	}
	return append(cols, columns(pl.Generated)...)
}

// ReturningColumns returns the columns read back by the write itself.
func (pl *Plan) ReturningColumns() []string { return columns(pl.Returning) }

// FetchColumns returns the columns read by the follow-up fetch.
func (pl *Plan) FetchColumns() []string { return columns(pl.Fetch) }

// FrozenColumns returns the columns excluded from the write.
func (pl *Plan) FrozenColumns() []string { return columns(pl.Frozen) }

func columns(attrs []Attribute) []string {
	cols := make([]string, len(attrs))
	for i, a := range attrs {
		cols[i] = a.Column
	}
	return cols
}

// =====================================
// Pipeline
// =====================================

// Pipeline turns lifecycle events into generation plans. It keeps no state
// between calls and is safe for concurrent use.
type Pipeline struct {
	caps      Capabilities
	clock     Clock
	logger    zerolog.Logger
	precision time.Duration
	location  *time.Location
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock sets the clock used for VM generated values.
func WithClock(clock Clock) PipelineOption {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the logger used to trace plans.
func WithLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithPrecision truncates VM generated values to d. Zero keeps the full
// clock resolution.
func WithPrecision(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.precision = d
	}
}

// WithLocation converts VM generated values to loc.
func WithLocation(loc *time.Location) PipelineOption {
	return func(p *Pipeline) {
		p.location = loc
	}
}

// NewPipeline creates a pipeline for a backend with the given capabilities.
// VM values default to microsecond precision, the finest most SQL
// backends store.
func NewPipeline(caps Capabilities, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		caps:      caps,
		clock:     SystemClock,
		logger:    zerolog.Nop(),
		precision: time.Microsecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capabilities returns the backend capabilities the pipeline decides with.
func (p *Pipeline) Capabilities() Capabilities {
	return p.caps
}

// Now returns the current time as the pipeline stamps it.
func (p *Pipeline) Now() time.Time {
	return p.normalize(p.clock.Now())
}

func (p *Pipeline) normalize(t time.Time) time.Time {
	if p.location != nil {
		t = t.In(p.location)
	}
	if p.precision > 0 {
		t = t.Truncate(p.precision)
	}
	return t
}

// Prepare computes the plan for event on entity, a pointer to a value of
// the mapped type. VM generated values are written into entity.
//
// On insert every generated attribute must still be unset; a value there
// was assigned by the application and is rejected with
// ErrorTypeDirectAssignment.
func (p *Pipeline) Prepare(event EventType, m *EntityMapping, entity interface{}) (*Plan, error) {
	if err := p.checkEvent(event, m); err != nil {
		return nil, err
	}
	v, err := m.Value(entity)
	if err != nil {
		return nil, err
	}

	if event == EventInsert {
		for _, a := range m.attributes {
			if _, set := a.Get(v); set {
				return nil, NewErrorWithCode(ErrorTypeDirectAssignment,
					fmt.Sprintf("%s.%s is generated and must not be set by the application", m.Name(), a.Field),
					a.Column)
			}
		}
	}

	plan := &Plan{Event: event, target: v}
	if version, ok := m.Version(); ok && event != EventInsert {
		prev, set := version.Get(v)
		if !set {
			return nil, NewError(ErrorTypeValidation,
				fmt.Sprintf("%s.%s has no version value; was the entity loaded from storage?", m.Name(), version.Field))
		}
		plan.Version = &VersionCheck{Attribute: version, Previous: prev}
	}

	now := p.Now()
	for _, a := range m.attributes {
		d := Decide(a.Policy, event, p.caps)
		switch {
		case !d.Generate:
			plan.Frozen = append(plan.Frozen, a)
		case d.Source == SourceVM:
			step := p.step(a)
			value := now.Truncate(step)
			if plan.Version != nil && a.Version && !value.After(plan.Version.Previous) {
				value = plan.Version.Previous.Add(step)
			}
			prior := reflect.New(a.typ).Elem()
			prior.Set(v.FieldByIndex(a.index))
			a.Set(v, value)
			plan.Assigned = append(plan.Assigned, Assignment{Attribute: a, Value: value, prior: prior})
		default:
			plan.Generated = append(plan.Generated, a)
			if d.FollowUpFetch {
				plan.Fetch = append(plan.Fetch, a)
			} else {
				plan.Returning = append(plan.Returning, a)
			}
		}
	}

	p.trace(m, plan)
	return plan, nil
}

// PreparePartial computes the plan for event when only an identifier is
// known, as in a partial update. Nothing is written back and no version
// check is made.
func (p *Pipeline) PreparePartial(event EventType, m *EntityMapping) (*Plan, error) {
	if err := p.checkEvent(event, m); err != nil {
		return nil, err
	}
	plan := &Plan{Event: event}
	now := p.Now()
	for _, a := range m.attributes {
		d := Decide(a.Policy, event, p.caps)
		switch {
		case !d.Generate:
			plan.Frozen = append(plan.Frozen, a)
		case d.Source == SourceVM:
			plan.Assigned = append(plan.Assigned, Assignment{Attribute: a, Value: now.Truncate(p.step(a))})
		default:
			plan.Generated = append(plan.Generated, a)
			if d.FollowUpFetch {
				plan.Fetch = append(plan.Fetch, a)
			} else {
				plan.Returning = append(plan.Returning, a)
			}
		}
	}
	p.trace(m, plan)
	return plan, nil
}

// GuardUpdates rejects partial updates that name a generated attribute,
// by field or by column.
func GuardUpdates(m *EntityMapping, updates map[string]interface{}) error {
	var offending []string
	for name := range updates {
		if m.IsGenerated(name) {
			offending = append(offending, name)
		}
	}
	if len(offending) == 0 {
		return nil
	}
	sort.Strings(offending)
	return NewErrorWithCode(ErrorTypeDirectAssignment,
		fmt.Sprintf("%s: generated attributes cannot be updated directly: %s", m.Name(), strings.Join(offending, ", ")),
		offending[0])
}

func (p *Pipeline) checkEvent(event EventType, m *EntityMapping) error {
	if !event.IsValid() {
		return NewError(ErrorTypeInvalidArgument, fmt.Sprintf("invalid event type %d", uint8(event)))
	}
	switch event {
	case EventForceIncrement:
		if _, ok := m.Version(); !ok {
			return NewError(ErrorTypeUnsupported, fmt.Sprintf("%s has no version field to increment", m.Name()))
		}
	case EventSoftDelete:
		if len(m.Triggered(EventSoftDelete)) == 0 {
			return NewError(ErrorTypeUnsupported, fmt.Sprintf("%s has no field generated on %s", m.Name(), EventSoftDelete))
		}
	}
	return nil
}

// step is the smallest increment the attribute can store. VM values are
// truncated to it so the value compared and the value stored agree.
func (p *Pipeline) step(a Attribute) time.Duration {
	step := p.precision
	if a.typ == int64Type && step < time.Millisecond {
		step = time.Millisecond
	}
	if step <= 0 {
		step = time.Nanosecond
	}
	return step
}

func (p *Pipeline) trace(m *EntityMapping, plan *Plan) {
	p.logger.Debug().
		Str("entity", m.Name()).
		Stringer("event", plan.Event).
		Strs("assigned", columns(assignedAttributes(plan))).
		Strs("returning", plan.ReturningColumns()).
		Strs("fetch", plan.FetchColumns()).
		Bool("versioned", plan.Version != nil).
		Msg("generation plan prepared")
}

func assignedAttributes(plan *Plan) []Attribute {
	attrs := make([]Attribute, len(plan.Assigned))
	for i, a := range plan.Assigned {
		attrs[i] = a.Attribute
	}
	return attrs
}
