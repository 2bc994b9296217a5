package loader

import (
	"context"
	"time"

	"sparkify/internal/catalog"
	"sparkify/internal/logging"
	"sparkify/internal/metrics"
	"sparkify/internal/storage"
)

// batcher accumulates rows per table and writes a table's rows once it holds
// size of them.
type batcher struct {
	wh      storage.Warehouse
	size    int
	log     *logging.Logger
	pending map[string][][]any
	rows    map[string]int64 // rows reported written, per table
	batches int
}

func newBatcher(wh storage.Warehouse, size int, log *logging.Logger) *batcher {
	return &batcher{
		wh:      wh,
		size:    size,
		log:     log,
		pending: map[string][][]any{},
		rows:    map[string]int64{},
	}
}

func (b *batcher) add(ctx context.Context, table string, row []any) error {
	b.pending[table] = append(b.pending[table], row)
	if len(b.pending[table]) >= b.size {
		return b.flush(ctx, table)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context, table string) error {
	rows := b.pending[table]
	if len(rows) == 0 {
		return nil
	}
	b.pending[table] = rows[:0:0]

	spec := catalog.MustTable(table)
	rows, err := dedupeBatch(spec, rows)
	if err != nil {
		return err
	}

	start := time.Now()
	n, err := b.wh.InsertRows(ctx, spec, rows)
	if err != nil {
		return err
	}
	b.rows[table] += n
	b.batches++
	metrics.RecordBatch(table, n)
	b.log.Debug("batch written", "table", table, "rows", len(rows), "written", n,
		"duration", time.Since(start).Truncate(time.Millisecond))
	return nil
}

// flushAll writes every table's pending rows in catalog creation order.
func (b *batcher) flushAll(ctx context.Context) error {
	for _, t := range catalog.Tables() {
		if err := b.flush(ctx, t.Name); err != nil {
			return err
		}
	}
	return nil
}

// dedupeBatch collapses rows sharing a primary key so one statement never
// touches a key twice. Upsert tables keep the last row (latest state wins);
// insert-or-ignore tables keep the first, matching what the warehouse does
// across batches.
func dedupeBatch(spec storage.TableSpec, rows [][]any) ([][]any, error) {
	cf := spec.Load.Conflict
	if cf == nil || len(rows) < 2 {
		return rows, nil
	}
	keyIdx, err := storage.IndexColumns(spec.ColumnNames(), cf.TargetColumns)
	if err != nil {
		return nil, err
	}
	if cf.Action == storage.ActionDoUpdate {
		return storage.DedupeRows(rows, keyIdx), nil
	}

	seen := make(map[string]struct{}, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		k := storage.CompositeKey(r, keyIdx)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
