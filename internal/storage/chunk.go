package storage

// ChunkRows splits rows so that no chunk binds more than maxParams
// parameters when every row binds perRow of them.
func ChunkRows(rows [][]any, perRow, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	size := len(rows)
	if perRow > 0 && maxParams > 0 {
		size = max(maxParams/perRow, 1)
	}
	out := make([][][]any, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}
