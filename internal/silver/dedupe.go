package silver

// Dedupe collapses rows sharing a business-key tuple, keeping the last
// occurrence. Upstream APIs routinely repeat the newest record at both ends
// of a window; last-wins matches the merge semantics of the target table,
// where a later upsert overwrites an earlier one.
func Dedupe(rows []ProjectedRow) (kept []ProjectedRow, dropped int) {
	if len(rows) <= 1 {
		return rows, 0
	}

	lastIdx := make(map[string]int, len(rows))
	for i, row := range rows {
		lastIdx[row.Key] = i
	}

	kept = make([]ProjectedRow, 0, len(lastIdx))
	for i, row := range rows {
		if lastIdx[row.Key] == i {
			kept = append(kept, row)
		}
	}
	return kept, len(rows) - len(kept)
}

// FilterAfterWatermark drops rows at or before the watermark date so a
// promotion can never move a table's coverage backwards. Rows whose date is
// empty are kept; they carry the payload fallback date and are judged there.
func FilterAfterWatermark(rows []ProjectedRow, watermark string) []ProjectedRow {
	if watermark == "" {
		return rows
	}
	kept := rows[:0]
	for _, row := range rows {
		if row.Date == "" || row.Date > watermark {
			kept = append(kept, row)
		}
	}
	return kept
}
