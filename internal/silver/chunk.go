package silver

import "sort"

// ChunkStrategy controls how a promotion's rows are partitioned into
// per-transaction batches.
type ChunkStrategy string

const (
	ChunkNone  ChunkStrategy = "none"
	ChunkYear  ChunkStrategy = "year"
	ChunkMonth ChunkStrategy = "month"
)

// Chunk partitions rows by their business date. Every input row lands in
// exactly one chunk; rows whose date cannot be bucketed go to "unknown".
// Chunk keys come back sorted so writes proceed oldest first.
type Chunk struct {
	Key  string
	Rows []ProjectedRow
}

func ChunkRows(rows []ProjectedRow, strategy ChunkStrategy) []Chunk {
	if strategy == ChunkNone || strategy == "" {
		if len(rows) == 0 {
			return nil
		}
		return []Chunk{{Key: "all", Rows: rows}}
	}

	buckets := make(map[string][]ProjectedRow)
	var order []string
	for _, row := range rows {
		key := chunkKey(row.Date, strategy)
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], row)
	}

	sort.Strings(order)
	chunks := make([]Chunk, 0, len(order))
	for _, key := range order {
		chunks = append(chunks, Chunk{Key: key, Rows: buckets[key]})
	}
	return chunks
}

func chunkKey(date string, strategy ChunkStrategy) string {
	switch strategy {
	case ChunkYear:
		if len(date) >= 4 {
			return date[:4]
		}
	case ChunkMonth:
		if len(date) >= 7 {
			return date[:7]
		}
	}
	return "unknown"
}
