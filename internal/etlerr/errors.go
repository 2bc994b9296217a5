// Package etlerr defines the error kinds surfaced by the loader.
//
// Every kind wraps an underlying cause so callers can use errors.Is/As on
// both the kind and the cause. The CLIs map kinds to exit codes.
package etlerr

import (
	"errors"
	"fmt"
)

// Field-level causes carried by MalformedRecordError.
var (
	ErrMissingField = errors.New("missing field")
	ErrWrongType    = errors.New("wrong type")
	ErrInvalidValue = errors.New("invalid value")
)

// ConfigError reports a missing, unreadable or invalid configuration artifact.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports that the warehouse could not be reached.
type ConnectionError struct {
	Kind string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MalformedRecordError reports a JSON record that is missing an expected
// field or carries a value of the wrong type.
//
// Source and Line are filled in by the loader; the transformer only knows
// the field.
type MalformedRecordError struct {
	Source string
	Line   int
	Field  string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	loc := e.Source
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Source, e.Line)
	}
	switch {
	case loc != "" && e.Field != "":
		return fmt.Sprintf("malformed record %s: field %q: %v", loc, e.Field, e.Err)
	case loc != "":
		return fmt.Sprintf("malformed record %s: %v", loc, e.Err)
	case e.Field != "":
		return fmt.Sprintf("malformed record: field %q: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("malformed record: %v", e.Err)
	}
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// Malformed builds a MalformedRecordError for field with the given cause.
func Malformed(field string, cause error) *MalformedRecordError {
	return &MalformedRecordError{Field: field, Err: cause}
}

// StatementExecutionError reports a failed DDL or DML statement.
type StatementExecutionError struct {
	Op    string // drop | create | insert | query
	Table string
	Err   error
}

func (e *StatementExecutionError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StatementExecutionError) Unwrap() error { return e.Err }

// Statement wraps err as a StatementExecutionError. A nil err stays nil and
// an err that already is one is returned unchanged.
func Statement(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StatementExecutionError
	if errors.As(err, &se) {
		return err
	}
	return &StatementExecutionError{Op: op, Table: table, Err: err}
}

// IsMalformed reports whether err is (or wraps) a MalformedRecordError.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}
