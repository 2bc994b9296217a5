package loader

import (
	"context"
	"fmt"

	"sparkify/internal/config"
	"sparkify/internal/logging"
	"sparkify/internal/schema"
	"sparkify/internal/source"
	"sparkify/internal/storage"
)

// Runner wires a Config to a warehouse, a source and an Engine.
type Runner struct {
	// storage-agnostic factory seam
	OpenWarehouse func(ctx context.Context, cfg storage.Config) (storage.Warehouse, error)

	// NewSource returns the file source; the default routes by URL scheme.
	NewSource func() source.Source

	Logger *logging.Logger
}

func NewDefaultRunner(log *logging.Logger) *Runner {
	return &Runner{
		OpenWarehouse: storage.Open,
		NewSource:     func() source.Source { return source.NewRouter() },
		Logger:        log,
	}
}

func (r *Runner) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.Nop()
	}
	return r.Logger
}

func (r *Runner) open(ctx context.Context, cfg config.Config) (storage.Warehouse, error) {
	if r.OpenWarehouse == nil {
		return nil, fmt.Errorf("runner: OpenWarehouse is required")
	}
	return r.OpenWarehouse(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.DSN()})
}

// Reset drops and recreates every table.
func (r *Runner) Reset(ctx context.Context, cfg config.Config) error {
	wh, err := r.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer wh.Close()
	return schema.NewManager(wh, r.logger()).Reset(ctx)
}

// Load runs the ETL against the existing schema. onFile may be nil; copy
// mode never calls it.
func (r *Runner) Load(ctx context.Context, cfg config.Config, onFile func(path string)) (Summary, error) {
	wh, err := r.open(ctx, cfg)
	if err != nil {
		return Summary{}, err
	}
	defer wh.Close()

	if cfg.ETL.Mode == config.ModeCopy {
		engine := &CopyEngine{
			Warehouse: wh,
			Logger:    r.logger(),
			Options: CopyOptions{
				SongData:        cfg.S3.SongData,
				LogData:         cfg.S3.LogData,
				LogJSONPath:     cfg.S3.LogJSONPath,
				IAMRole:         cfg.IAMRole.ARN,
				Region:          cfg.S3.Region,
				LengthTolerance: cfg.ETL.LengthTolerance,
			},
		}
		return engine.Run(ctx)
	}

	if r.NewSource == nil {
		return Summary{}, fmt.Errorf("runner: NewSource is required")
	}
	src := r.NewSource()
	if c, ok := src.(interface{ Close() error }); ok {
		defer func() {
			if err := c.Close(); err != nil {
				r.logger().Warn("source close failed", "err", err)
			}
		}()
	}

	engine := &Engine{
		Warehouse: wh,
		Source:    src,
		Logger:    r.logger(),
		Options: Options{
			SongData:        cfg.S3.SongData,
			LogData:         cfg.S3.LogData,
			BatchSize:       cfg.ETL.BatchSize,
			Policy:          Policy(cfg.ETL.Policy),
			LengthTolerance: cfg.ETL.LengthTolerance,
			OnFile:          onFile,
		},
	}
	return engine.Run(ctx)
}
