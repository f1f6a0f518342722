package models

import "fmt"

// ValidationError reports a record that cannot be constructed. It is
// returned synchronously by NewRecord and such records never reach a
// buffer.
type ValidationError struct {
	Record string // measurement name, may be empty
	Field  string // offending field or tag key, empty for record-level problems
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Record != "":
		return fmt.Sprintf("invalid record %q: field %q: %s", e.Record, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid record: field %q: %s", e.Field, e.Reason)
	case e.Record != "":
		return fmt.Sprintf("invalid record %q: %s", e.Record, e.Reason)
	default:
		return "invalid record: " + e.Reason
	}
}
