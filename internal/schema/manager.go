// Package schema drops and recreates the star schema.
package schema

import (
	"context"
	"fmt"
	"time"

	"sparkify/internal/catalog"
	"sparkify/internal/logging"
	"sparkify/internal/metrics"
	"sparkify/internal/storage"
)

// Manager owns the schema lifecycle on one warehouse.
type Manager struct {
	wh  storage.Warehouse
	log *logging.Logger
}

// NewManager returns a Manager. A nil log discards output.
func NewManager(wh storage.Warehouse, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{wh: wh, log: log}
}

// Reset drops every table if present and creates them all again. It is
// destructive: all loaded data is lost. Running it twice leaves the same
// empty schema as running it once.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.Drop(ctx); err != nil {
		return err
	}
	return m.Create(ctx)
}

// Drop removes all tables, fact table first. Missing tables are not an error.
func (m *Manager) Drop(ctx context.Context) error {
	return m.step(ctx, "drop_tables", func(ctx context.Context) error {
		return m.wh.DropTables(ctx, catalog.DropOrder())
	})
}

// Create creates all tables that do not exist yet, dimensions first.
func (m *Manager) Create(ctx context.Context) error {
	return m.step(ctx, "create_tables", func(ctx context.Context) error {
		return m.wh.CreateTables(ctx, catalog.Tables())
	})
}

func (m *Manager) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if m.wh == nil {
		return fmt.Errorf("schema: warehouse is required")
	}
	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start).Truncate(time.Millisecond)
	metrics.RecordStep(name, err, dur)
	if err != nil {
		m.log.Error("schema step failed", "stage", name, "duration", dur, "err", err)
		return err
	}
	m.log.Printf("stage=%s ok duration=%s tables=%d", name, dur, len(catalog.Tables()))
	return nil
}
