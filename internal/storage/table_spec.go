// TableSpec lives here so the catalog, the loader and every backend can share
// it without import cycles.
package storage

import (
	"fmt"
	"strings"
)

// Load kinds.
const (
	LoadDimension = "dimension"
	LoadFact      = "fact"
)

// Conflict actions.
const (
	ActionDoNothing = "do_nothing"
	ActionDoUpdate  = "do_update"
)

// Constraint kinds.
const (
	ConstraintPrimaryKey = "primary_key"
	ConstraintUnique     = "unique"
)

// Portable column types. Backends map these to their own dialect.
const (
	TypeVarchar   = "varchar"
	TypeInt       = "int"
	TypeBigint    = "bigint"
	TypeDouble    = "double precision"
	TypeTimestamp = "timestamp"

	// TypeSerial marks an auto-generated surrogate key (PrimaryKeySpec only).
	TypeSerial = "serial"
)

type TableSpec struct {
	Name string `json:"name"`

	// PrimaryKey is an auto-generated surrogate key. It is never part of
	// Columns and never written by InsertRows.
	PrimaryKey *PrimaryKeySpec `json:"primary_key,omitempty"`

	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
	Load        LoadSpec         `json:"load"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // serial
}

type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"` // nil means nullable
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // primary_key | unique
	Columns []string `json:"columns"`
}

type LoadSpec struct {
	Kind string `json:"kind"` // dimension | fact

	// Conflict is nil for plain inserts.
	Conflict *ConflictSpec `json:"conflict,omitempty"`
}

type ConflictSpec struct {
	TargetColumns []string `json:"target_columns"`
	Action        string   `json:"action"` // do_nothing | do_update
}

// IsNullable reports whether the column accepts NULL.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable == nil || *c.Nullable
}

// ColumnNames returns the insert column order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// KeyColumns returns the natural primary key columns, or nil.
func (t TableSpec) KeyColumns() []string {
	for _, c := range t.Constraints {
		if c.Kind == ConstraintPrimaryKey {
			return c.Columns
		}
	}
	return nil
}

// UpdateColumns returns the columns a do_update conflict overwrites: every
// insert column that is not a conflict target.
func (t TableSpec) UpdateColumns() []string {
	if t.Load.Conflict == nil {
		return nil
	}
	target := make(map[string]bool, len(t.Load.Conflict.TargetColumns))
	for _, c := range t.Load.Conflict.TargetColumns {
		target[c] = true
	}
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !target[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

// Validate checks internal consistency: known kinds and actions, and every
// referenced column exists.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}

	cols := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
		if cols[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		cols[c.Name] = true
	}

	if pk := t.PrimaryKey; pk != nil {
		if pk.Name == "" || pk.Type == "" {
			return fmt.Errorf("table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		if cols[pk.Name] {
			return fmt.Errorf("table %s: primary key %q must not be listed in columns", t.Name, pk.Name)
		}
	}

	for _, c := range t.Constraints {
		switch c.Kind {
		case ConstraintPrimaryKey, ConstraintUnique:
		default:
			return fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
		if len(c.Columns) == 0 {
			return fmt.Errorf("table %s: %s constraint requires columns", t.Name, c.Kind)
		}
		if err := requireColumns(t.Name, cols, c.Columns); err != nil {
			return err
		}
	}
	if t.PrimaryKey != nil && t.KeyColumns() != nil {
		return fmt.Errorf("table %s: both surrogate and natural primary key set", t.Name)
	}

	switch t.Load.Kind {
	case LoadDimension, LoadFact:
	default:
		return fmt.Errorf("table %s: unsupported load.kind %q", t.Name, t.Load.Kind)
	}

	if cf := t.Load.Conflict; cf != nil {
		switch cf.Action {
		case ActionDoNothing, ActionDoUpdate:
		default:
			return fmt.Errorf("table %s: unsupported conflict action %q", t.Name, cf.Action)
		}
		if len(cf.TargetColumns) == 0 {
			return fmt.Errorf("table %s: conflict requires target columns", t.Name)
		}
		if err := requireColumns(t.Name, cols, cf.TargetColumns); err != nil {
			return err
		}
	}
	return nil
}

func requireColumns(table string, have map[string]bool, want []string) error {
	for _, c := range want {
		if !have[c] {
			return fmt.Errorf("table %s: unknown column %q", table, c)
		}
	}
	return nil
}

// IndexColumns returns the position of each name in columns.
func IndexColumns(columns, names []string) ([]int, error) {
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		p, ok := pos[n]
		if !ok {
			return nil, fmt.Errorf("column %q not in %v", n, columns)
		}
		out[i] = p
	}
	return out, nil
}
