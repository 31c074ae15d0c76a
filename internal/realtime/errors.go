package realtime

import (
	"fmt"
	"strings"
)

// MalformedFeedError reports a payload whose top-level shape is invalid.
// Nothing from such a payload is persisted.
type MalformedFeedError struct {
	Reason string
	Err    error
}

func (e *MalformedFeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: malformed feed: %s: %v", e.Reason, e.Err)
	}
	return "realtime: malformed feed: " + e.Reason
}

func (e *MalformedFeedError) Unwrap() error { return e.Err }

// InvalidEnumError reports an enumeration value outside its allowed set.
type InvalidEnumError struct {
	Field   string
	Value   string
	Allowed []string
}

func (e *InvalidEnumError) Error() string {
	return fmt.Sprintf("realtime: %s %q not one of %s", e.Field, e.Value, strings.Join(e.Allowed, ", "))
}
