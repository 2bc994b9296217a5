// Package all registers every source backend.
package all

import (
	_ "sparkify/internal/source/gcs"
	_ "sparkify/internal/source/local"
	_ "sparkify/internal/source/s3"
)
