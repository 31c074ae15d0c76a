package gtfs

import "fmt"

// MissingFileError reports a required GTFS file absent from the load directory.
type MissingFileError struct {
	Dir  string
	File string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("gtfs: required file %s missing from %s", e.File, e.Dir)
}

// SchemaError reports a present file whose header lacks a required column.
type SchemaError struct {
	File   string
	Column string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("gtfs: %s: missing required column %q", e.File, e.Column)
}

// ParseError reports a single field that could not be converted.
// File and Line are set when the value came from a GTFS file.
type ParseError struct {
	File  string
	Line  int
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	loc := e.Field
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Field)
	}
	return fmt.Sprintf("gtfs: parse %s %q: %v", loc, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
