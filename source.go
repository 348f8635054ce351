package gentime

import (
	"fmt"
	"strings"
)

// SourceType says where a generated value is computed.
type SourceType uint8

const (
	// SourceDB asks the backend to compute the value, e.g. with its
	// current_timestamp function. Reading the value back may need an extra
	// round trip, depending on the backend.
	SourceDB SourceType = iota
	// SourceVM computes the value in process from the configured clock.
	// It never needs a follow-up read.
	SourceVM
)

func (s SourceType) String() string {
	switch s {
	case SourceDB:
		return "db"
	case SourceVM:
		return "vm"
	default:
		return fmt.Sprintf("SourceType(%d)", uint8(s))
	}
}

// ParseSourceType parses "db" or "vm", case insensitively.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "db", "database":
		return SourceDB, nil
	case "vm", "app", "application":
		return SourceVM, nil
	}
	return SourceDB, NewError(ErrorTypeInvalidArgument, fmt.Sprintf("unknown generation source %q", s))
}

// MarshalText implements encoding.TextMarshaler
func (s SourceType) MarshalText() ([]byte, error) {
	if s != SourceDB && s != SourceVM {
		return nil, NewError(ErrorTypeInvalidArgument, fmt.Sprintf("invalid generation source %d", uint8(s)))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *SourceType) UnmarshalText(text []byte) error {
	parsed, err := ParseSourceType(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
