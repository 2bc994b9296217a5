package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sparkify/internal/etlerr"
)

// Config selects and configures a warehouse backend.
//
// Kind must match a registered backend ("postgres", "redshift", "sqlite",
// "mssql"). DSN is passed to the backend factory untouched.
type Config struct {
	Kind string
	DSN  string
}

// Warehouse is the statement-execution capability the loader and the schema
// manager need. Each backend renders the TableSpec semantics in its own SQL
// dialect (Postgres ON CONFLICT, SQLite OR IGNORE, SQL Server MERGE, ...).
type Warehouse interface {
	// Close releases connections. Call once.
	Close()

	// DropTables drops each table if it exists, in the given order.
	DropTables(ctx context.Context, names []string) error

	// CreateTables creates each table if it does not exist, in the given order.
	CreateTables(ctx context.Context, tables []TableSpec) error

	// InsertRows inserts rows aligned with table.ColumnNames(), honouring
	// table.Load.Conflict. It returns the number of rows the warehouse
	// reports as written.
	InsertRows(ctx context.Context, table TableSpec, rows [][]any) (int64, error)

	// Query runs a read statement written with "?" placeholders and returns
	// every row. Text values come back as string.
	Query(ctx context.Context, stmt string, args ...any) ([][]any, error)
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available to Open under kind. It is called from
// backend init() functions and panics on empty kind, nil factory or a
// duplicate registration.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds lists registered backends in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open constructs the warehouse registered under cfg.Kind. Factory failures
// are reported as *etlerr.ConnectionError.
func Open(ctx context.Context, cfg Config) (Warehouse, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}

	wh, err := f(ctx, cfg)
	if err != nil {
		var ce *etlerr.ConnectionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &etlerr.ConnectionError{Kind: cfg.Kind, Err: err}
	}
	return wh, nil
}
