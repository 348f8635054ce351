package gentime

import (
	"fmt"
	"strings"
)

// EventType is a moment in an entity's persistence lifecycle at which a
// generated value may be (re)computed.
//
// The set of event types is closed. Adding one means revisiting every
// named EventSet that should include it.
type EventType uint8

const (
	// EventInsert fires when an entity is first written.
	EventInsert EventType = iota + 1
	// EventUpdate fires when an existing entity is rewritten.
	EventUpdate
	// EventForceIncrement fires when a version bump is forced without any
	// change to the entity's data.
	EventForceIncrement
	// EventSoftDelete fires when an entity is marked deleted instead of
	// being removed.
	EventSoftDelete
)

var eventTypes = [...]EventType{
	EventInsert,
	EventUpdate,
	EventForceIncrement,
	EventSoftDelete,
}

var eventNames = map[EventType]string{
	EventInsert:         "insert",
	EventUpdate:         "update",
	EventForceIncrement: "force_increment",
	EventSoftDelete:     "soft_delete",
}

// EventTypes returns every event type in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes[:])
	return out
}

// IsValid reports whether e is one of the declared event types.
func (e EventType) IsValid() bool {
	return e >= EventInsert && int(e) <= len(eventTypes)
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", uint8(e))
}

// ParseEventType parses the text form of an event type. Matching is case
// insensitive and accepts '-' in place of '_'.
func ParseEventType(s string) (EventType, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, e := range eventTypes {
		if eventNames[e] == name {
			return e, nil
		}
	}
	return 0, NewError(ErrorTypeInvalidArgument, fmt.Sprintf("unknown event type %q", s))
}

// MarshalText implements encoding.TextMarshaler
func (e EventType) MarshalText() ([]byte, error) {
	if !e.IsValid() {
		return nil, NewError(ErrorTypeInvalidArgument, fmt.Sprintf("invalid event type %d", uint8(e)))
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
