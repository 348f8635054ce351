package gentime

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"
)

// TagName is the struct tag key read by MappingOf.
//
// Examples:
//
//	CreatedAt time.Time  `gentime:"creation;source:vm"`
//	UpdatedAt time.Time  `gentime:"update"`
//	DeletedAt *time.Time `gentime:"soft_delete"`
//	Revision  time.Time  `gentime:"events:insert,update;version"`
const TagName = "gentime"

var (
	timeType     = reflect.TypeOf(time.Time{})
	timePtrType  = reflect.TypeOf((*time.Time)(nil))
	nullTimeType = reflect.TypeOf(sql.NullTime{})
	int64Type    = reflect.TypeOf(int64(0))

	mappingCache sync.Map // reflect.Type -> *EntityMapping
)

// =====================================
// Attribute
// =====================================

// Attribute binds a Policy to one field of an entity.
type Attribute struct {
	Field   string
	Column  string
	Policy  Policy
	Version bool

	index          []int
	typ            reflect.Type
	explicitColumn bool
}

// Type returns the Go type of the field.
func (a Attribute) Type() reflect.Type {
	return a.typ
}

// Get reads the field from the struct value v. ok is false when the field
// holds no timestamp (zero time, nil pointer, invalid NullTime or 0).
func (a Attribute) Get(v reflect.Value) (t time.Time, ok bool) {
	fv := v.FieldByIndex(a.index)
	switch a.typ {
	case timeType:
		t = fv.Interface().(time.Time)
		return t, !t.IsZero()
	case timePtrType:
		if fv.IsNil() {
			return time.Time{}, false
		}
		t = *(fv.Interface().(*time.Time))
		return t, !t.IsZero()
	case nullTimeType:
		nt := fv.Interface().(sql.NullTime)
		return nt.Time, nt.Valid
	case int64Type:
		n := fv.Int()
		if n == 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(n), true
	}
	return time.Time{}, false
}

// Set writes t into the field of the addressable struct value v.
func (a Attribute) Set(v reflect.Value, t time.Time) {
	fv := v.FieldByIndex(a.index)
	switch a.typ {
	case timeType:
		fv.Set(reflect.ValueOf(t))
	case timePtrType:
		tt := t
		fv.Set(reflect.ValueOf(&tt))
	case nullTimeType:
		fv.Set(reflect.ValueOf(sql.NullTime{Time: t, Valid: true}))
	case int64Type:
		fv.SetInt(t.UnixMilli())
	}
}

// Stored converts t to the value written to the backend for this field.
func (a Attribute) Stored(t time.Time) interface{} {
	if a.typ == int64Type {
		return t.UnixMilli()
	}
	return t
}

// =====================================
// Entity Mapping
// =====================================

// EntityMapping holds the generated attributes of one entity type. It is
// immutable once built.
type EntityMapping struct {
	typ        reflect.Type
	attributes []Attribute
}

// Type returns the entity struct type.
func (m *EntityMapping) Type() reflect.Type {
	return m.typ
}

// Name returns the entity struct name.
func (m *EntityMapping) Name() string {
	return m.typ.Name()
}

// Attributes returns the generated attributes in field order.
func (m *EntityMapping) Attributes() []Attribute {
	out := make([]Attribute, len(m.attributes))
	copy(out, m.attributes)
	return out
}

// Attribute looks up a generated attribute by field or column name.
func (m *EntityMapping) Attribute(name string) (Attribute, bool) {
	for _, a := range m.attributes {
		if a.Field == name || a.Column == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// IsGenerated reports whether name is the field or column of a generated
// attribute.
func (m *EntityMapping) IsGenerated(name string) bool {
	_, ok := m.Attribute(name)
	return ok
}

// Triggered returns the attributes regenerated by event.
func (m *EntityMapping) Triggered(event EventType) []Attribute {
	var out []Attribute
	for _, a := range m.attributes {
		if a.Policy.GeneratedOn(event) {
			out = append(out, a)
		}
	}
	return out
}

// Version returns the attribute used for optimistic locking, if any.
func (m *EntityMapping) Version() (Attribute, bool) {
	for _, a := range m.attributes {
		if a.Version {
			return a, true
		}
	}
	return Attribute{}, false
}

// Columns returns the columns of all generated attributes.
func (m *EntityMapping) Columns() []string {
	cols := make([]string, len(m.attributes))
	for i, a := range m.attributes {
		cols[i] = a.Column
	}
	return cols
}

// WithColumns returns a copy of m whose derived column names come from
// namer. Columns set explicitly in the tag or with WithColumn are kept.
// Adapters use it to follow their ORM's naming strategy.
func (m *EntityMapping) WithColumns(namer func(field string) string) (*EntityMapping, error) {
	out := &EntityMapping{typ: m.typ, attributes: m.Attributes()}
	for i := range out.attributes {
		if out.attributes[i].explicitColumn {
			continue
		}
		if col := namer(out.attributes[i].Field); col != "" {
			out.attributes[i].Column = col
		}
	}
	if err := checkColumns(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Value returns the addressable struct behind entity, which must be a
// non-nil pointer to the mapped type.
func (m *EntityMapping) Value(entity interface{}) (reflect.Value, error) {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, NewError(ErrorTypeInvalidArgument,
			fmt.Sprintf("entity must be a non-nil pointer to %s, got %T", m.typ, entity))
	}
	v = v.Elem()
	if v.Type() != m.typ {
		return reflect.Value{}, NewError(ErrorTypeInvalidArgument,
			fmt.Sprintf("entity must be a non-nil pointer to %s, got %T", m.typ, entity))
	}
	return v, nil
}

// =====================================
// Mapping Construction
// =====================================

// MappingOption declares attributes without struct tags, or overrides them.
type MappingOption func(*mappingOverrides)

type mappingOverrides struct {
	policies map[string]Policy
	versions map[string]bool
	columns  map[string]string
}

// WithPolicy declares field as generated by p, replacing any tag.
func WithPolicy(field string, p Policy) MappingOption {
	return func(o *mappingOverrides) {
		o.policies[field] = p
	}
}

// WithVersion marks field as the optimistic locking version. The field
// must be a generated attribute.
func WithVersion(field string) MappingOption {
	return func(o *mappingOverrides) {
		o.versions[field] = true
	}
}

// WithColumn sets the column name of field.
func WithColumn(field, column string) MappingOption {
	return func(o *mappingOverrides) {
		o.columns[field] = column
	}
}

// MappingOf builds the mapping of entity's struct type, which may be given
// as a value, a pointer or a reflect.Type. Mappings built from tags alone
// are cached; any error is an ErrorTypeInvalidConfiguration.
func MappingOf(entity interface{}, opts ...MappingOption) (*EntityMapping, error) {
	t, ok := entity.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(entity)
	}
	if t == nil {
		return nil, NewError(ErrorTypeInvalidConfiguration, "cannot map a nil entity")
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, NewError(ErrorTypeInvalidConfiguration, fmt.Sprintf("entity must be a struct, got %s", t))
	}

	if len(opts) == 0 {
		if m, ok := mappingCache.Load(t); ok {
			return m.(*EntityMapping), nil
		}
	}

	o := &mappingOverrides{
		policies: map[string]Policy{},
		versions: map[string]bool{},
		columns:  map[string]string{},
	}
	for _, opt := range opts {
		opt(o)
	}

	m, err := buildMapping(t, o)
	if err != nil {
		return nil, err
	}
	if len(opts) == 0 {
		actual, _ := mappingCache.LoadOrStore(t, m)
		return actual.(*EntityMapping), nil
	}
	return m, nil
}

// MustMapping is like MappingOf but panics on error.
func MustMapping(entity interface{}, opts ...MappingOption) *EntityMapping {
	m, err := MappingOf(entity, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func buildMapping(t reflect.Type, o *mappingOverrides) (*EntityMapping, error) {
	m := &EntityMapping{typ: t}
	seen := map[string]bool{}

	for _, f := range reflect.VisibleFields(t) {
		if f.Anonymous || !f.IsExported() || !directPath(t, f.Index) {
			continue
		}
		seen[f.Name] = true

		attr := Attribute{Field: f.Name, index: f.Index, typ: f.Type}
		declared := false

		if tag, ok := f.Tag.Lookup(TagName); ok && tag != "-" {
			if err := parseTag(&attr, tag); err != nil {
				return nil, err
			}
			declared = true
		}
		if p, ok := o.policies[f.Name]; ok {
			attr.Policy = p
			declared = true
		}
		if o.versions[f.Name] {
			if !declared {
				return nil, NewError(ErrorTypeInvalidConfiguration,
					fmt.Sprintf("%s.%s: version field must be a generated timestamp", t.Name(), f.Name))
			}
			attr.Version = true
		}
		if col, ok := o.columns[f.Name]; ok {
			attr.Column = col
			attr.explicitColumn = true
		}
		if !declared {
			continue
		}
		if attr.Column == "" {
			attr.Column = toSnakeCase(f.Name)
		}
		if attr.Version {
			// a forced increment always regenerates the version
			attr.Policy = CurrentTimestamp(
				WithEvents(attr.Policy.TriggeringEvents().Union(EventsForceIncrementOnly)),
				WithSource(attr.Policy.Source()),
			)
		}
		if err := validateAttribute(t, attr); err != nil {
			return nil, err
		}
		m.attributes = append(m.attributes, attr)
	}

	for _, names := range []map[string]bool{keys(o.policies), o.versions, keys(o.columns)} {
		for name := range names {
			if !seen[name] {
				return nil, NewError(ErrorTypeInvalidConfiguration,
					fmt.Sprintf("%s has no exported field %s", t.Name(), name))
			}
		}
	}

	versions := 0
	for _, a := range m.attributes {
		if a.Version {
			versions++
		}
	}
	if versions > 1 {
		return nil, NewError(ErrorTypeInvalidConfiguration,
			fmt.Sprintf("%s declares %d version fields, at most one is allowed", t.Name(), versions))
	}
	if err := checkColumns(m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseTag(attr *Attribute, tag string) error {
	preset := CurrentTimestamp
	var opts []PolicyOption

	for _, part := range strings.Split(tag, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, ":")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "current":
			preset = CurrentTimestamp
		case "creation":
			preset = CreationTimestamp
		case "update":
			preset = UpdateTimestamp
		case "soft_delete":
			preset = SoftDeleteTimestamp
		case "events":
			events, err := ParseEventSet(value)
			if err != nil {
				return NewErrorWithCause(ErrorTypeInvalidConfiguration,
					fmt.Sprintf("field %s: bad events %q", attr.Field, value), err)
			}
			opts = append(opts, WithEvents(events))
		case "source":
			source, err := ParseSourceType(value)
			if err != nil {
				return NewErrorWithCause(ErrorTypeInvalidConfiguration,
					fmt.Sprintf("field %s: bad source %q", attr.Field, value), err)
			}
			opts = append(opts, WithSource(source))
		case "column":
			if value == "" {
				return NewError(ErrorTypeInvalidConfiguration, fmt.Sprintf("field %s: empty column", attr.Field))
			}
			attr.Column = value
			attr.explicitColumn = true
		case "version":
			attr.Version = true
		default:
			return NewError(ErrorTypeInvalidConfiguration,
				fmt.Sprintf("field %s: unknown %s tag option %q", attr.Field, TagName, key))
		}
	}

	attr.Policy = preset(opts...)
	return nil
}

func validateAttribute(t reflect.Type, a Attribute) error {
	where := t.Name() + "." + a.Field
	switch a.typ {
	case timeType, timePtrType, nullTimeType:
	case int64Type:
		if a.Policy.Source() == SourceDB {
			return NewError(ErrorTypeInvalidConfiguration,
				fmt.Sprintf("%s: int64 timestamps can only be generated with source vm", where))
		}
	default:
		return NewError(ErrorTypeInvalidConfiguration,
			fmt.Sprintf("%s: type %s cannot hold a generated timestamp", where, a.typ))
	}

	events := a.Policy.TriggeringEvents()
	if err := events.RequireNonEmpty(where); err != nil {
		return NewErrorWithCause(ErrorTypeInvalidConfiguration, where+": generated field is never triggered", err)
	}
	if a.Version && !events.Contains(EventUpdate) {
		return NewError(ErrorTypeInvalidConfiguration,
			fmt.Sprintf("%s: version field must be triggered by %s", where, EventUpdate))
	}
	return nil
}

func checkColumns(m *EntityMapping) error {
	cols := map[string]string{}
	for _, a := range m.attributes {
		if other, dup := cols[a.Column]; dup {
			return NewError(ErrorTypeInvalidConfiguration,
				fmt.Sprintf("%s: fields %s and %s share column %s", m.typ.Name(), other, a.Field, a.Column))
		}
		cols[a.Column] = a.Field
	}
	return nil
}

// directPath reports whether index reaches its field through exported,
// non-pointer embedded structs only.
func directPath(t reflect.Type, index []int) bool {
	for _, i := range index[:len(index)-1] {
		f := t.Field(i)
		if f.Type.Kind() != reflect.Struct || !f.IsExported() {
			return false
		}
		t = f.Type
	}
	return true
}

func keys[V any](m map[string]V) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

// toSnakeCase converts CamelCase to snake_case, keeping acronyms together
// ("LastSeenUTC" -> "last_seen_utc").
func toSnakeCase(str string) string {
	runes := []rune(str)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
