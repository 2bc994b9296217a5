package storage

import "context"

// S3Copy is a server-side load of JSON objects from object storage into one
// table.
type S3Copy struct {
	Table    string
	From     string // s3:// prefix
	IAMRole  string // role ARN the cluster assumes to read From
	JSONPath string // s3:// jsonpaths file; empty maps keys to columns by name
	Region   string // bucket region; empty means the cluster's
}

// BulkLoader is implemented by warehouses that load straight from object
// storage and run set-based statements. Only the redshift backend does.
type BulkLoader interface {
	// CopyJSON runs the load and returns the number of rows copied.
	CopyJSON(ctx context.Context, c S3Copy) (int64, error)

	// Exec runs one statement without parameters and returns the rows it
	// affected.
	Exec(ctx context.Context, stmt string) (int64, error)
}
