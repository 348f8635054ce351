package gentime

import (
	"fmt"
	"math/bits"
	"strings"

	"gopkg.in/yaml.v3"
)

// EventSet is an immutable set of event types. It is a plain value, so the
// named sets below can be shared freely between policies and goroutines.
type EventSet uint8

// Named event sets for the combinations most policies need.
const (
	EventsNone               EventSet = 0
	EventsInsertOnly         EventSet = 1 << (EventInsert - 1)
	EventsUpdateOnly         EventSet = 1 << (EventUpdate - 1)
	EventsForceIncrementOnly EventSet = 1 << (EventForceIncrement - 1)
	EventsSoftDeleteOnly     EventSet = 1 << (EventSoftDelete - 1)
	EventsInsertAndUpdate             = EventsInsertOnly | EventsUpdateOnly
	EventsAll                         = EventsInsertOnly | EventsUpdateOnly | EventsForceIncrementOnly | EventsSoftDeleteOnly

	// DefaultTimestampEvents is the trigger set of a CurrentTimestamp policy
	// declared without explicit events.
	DefaultTimestampEvents = EventsInsertOnly | EventsUpdateOnly | EventsSoftDeleteOnly
)

func bit(e EventType) EventSet {
	return 1 << (e - 1)
}

// NewEventSet normalizes events into a set holding exactly the distinct
// values present. An empty input yields EventsNone; any invalid event type
// is an ErrorTypeInvalidArgument error.
func NewEventSet(events ...EventType) (EventSet, error) {
	var s EventSet
	for i, e := range events {
		if !e.IsValid() {
			return EventsNone, NewError(ErrorTypeInvalidArgument,
				fmt.Sprintf("invalid event type %d at position %d", uint8(e), i))
		}
		s |= bit(e)
	}
	return s, nil
}

// EventSetOf is like NewEventSet but panics on an invalid event type. It is
// meant for package level declarations.
func EventSetOf(events ...EventType) EventSet {
	s, err := NewEventSet(events...)
	if err != nil {
		panic(err)
	}
	return s
}

// Contains reports whether e is a member of s.
func (s EventSet) Contains(e EventType) bool {
	return e.IsValid() && s&bit(e) != 0
}

// Len returns the number of event types in s.
func (s EventSet) Len() int {
	return bits.OnesCount8(uint8(s & EventsAll))
}

// IsEmpty reports whether s has no members.
func (s EventSet) IsEmpty() bool {
	return s&EventsAll == 0
}

// Events returns the members of s in declaration order.
func (s EventSet) Events() []EventType {
	out := make([]EventType, 0, s.Len())
	for _, e := range eventTypes {
		if s.Contains(e) {
			out = append(out, e)
		}
	}
	return out
}

// Union returns the events present in s or other.
func (s EventSet) Union(other EventSet) EventSet {
	return (s | other) & EventsAll
}

// Intersect returns the events present in both s and other.
func (s EventSet) Intersect(other EventSet) EventSet {
	return s & other & EventsAll
}

// IsSupersetOf reports whether every member of other is in s.
func (s EventSet) IsSupersetOf(other EventSet) bool {
	return other&^s == 0
}

// RequireNonEmpty returns an ErrorTypeInvalidArgument error when s is empty.
// The set itself allows emptiness; callers that cannot use an empty set
// apply this check with a short description of what they were building.
func (s EventSet) RequireNonEmpty(context string) error {
	if s.IsEmpty() {
		return NewError(ErrorTypeInvalidArgument, fmt.Sprintf("%s: event set must not be empty", context))
	}
	return nil
}

func (s EventSet) names() []string {
	events := s.Events()
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.String()
	}
	return names
}

func (s EventSet) String() string {
	return "{" + strings.Join(s.names(), ", ") + "}"
}

// ParseEventSet parses a comma separated list of event type names. The
// aliases "none" and "all" name EventsNone and EventsAll.
func ParseEventSet(text string) (EventSet, error) {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	switch trimmed {
	case "", "none":
		return EventsNone, nil
	case "all":
		return EventsAll, nil
	}

	var s EventSet
	for _, part := range strings.Split(trimmed, ",") {
		e, err := ParseEventType(part)
		if err != nil {
			return EventsNone, err
		}
		s |= bit(e)
	}
	return s, nil
}

// MarshalText implements encoding.TextMarshaler
func (s EventSet) MarshalText() ([]byte, error) {
	if s.IsEmpty() {
		return []byte("none"), nil
	}
	return []byte(strings.Join(s.names(), ",")), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *EventSet) UnmarshalText(text []byte) error {
	parsed, err := ParseEventSet(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML accepts either a scalar ("insert,update") or a sequence
// of event type names.
func (s *EventSet) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return s.UnmarshalText([]byte(value.Value))
	case yaml.SequenceNode:
		var set EventSet
		for _, item := range value.Content {
			e, err := ParseEventType(item.Value)
			if err != nil {
				return err
			}
			set |= bit(e)
		}
		*s = set
		return nil
	default:
		return NewError(ErrorTypeSerialization, fmt.Sprintf("cannot decode event set from YAML node at line %d", value.Line))
	}
}
