// Package pipeline orchestrates full ingestion runs: Bronze fetching in
// domain order with Silver promotion interleaved after each batch.
package pipeline

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/marketflow/internal/database"
	"github.com/aristath/marketflow/internal/domain"
)

// KeyResolver reads the ticker universe out of the Silver instrument
// dimension. Results are cached for the life of the cache since key
// resolution runs once per per-key recipe; the orchestrator invalidates the
// cache after a promotion touches the instrument table.
type KeyResolver struct {
	lake   *database.DB
	table  string
	column string
	log    zerolog.Logger

	mu     sync.Mutex
	cached []string
	valid  bool
}

// NewKeyResolver resolves keys from table.column in the lake database.
func NewKeyResolver(lake *database.DB, table, column string, log zerolog.Logger) *KeyResolver {
	return &KeyResolver{
		lake:   lake,
		table:  table,
		column: column,
		log:    log.With().Str("component", "key_resolver").Logger(),
	}
}

// Keys returns the distinct, well-formed keys of the instrument dimension in
// stable order. A missing instrument table resolves to no keys: before the
// first discovery run there is legitimately nothing to fetch per key.
func (r *KeyResolver) Keys() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.valid {
		return r.cached, nil
	}

	exists, err := r.tableExists()
	if err != nil {
		return nil, err
	}
	if !exists {
		r.log.Debug().Str("table", r.table).Msg("Instrument table absent, resolving zero keys")
		r.cached = nil
		r.valid = true
		return nil, nil
	}

	rows, err := r.lake.Query(fmt.Sprintf(
		`SELECT DISTINCT "%s" FROM "%s" WHERE "%s" != '' ORDER BY "%s"`,
		r.column, r.table, r.column, r.column))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve keys from %s: %w", r.table, err)
	}
	defer rows.Close()

	var keys []string
	skipped := 0
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		if !domain.ValidKey(key) {
			skipped++
			continue
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}

	if skipped > 0 {
		r.log.Warn().Int("skipped", skipped).Msg("Dropped malformed keys from instrument dimension")
	}
	r.cached = keys
	r.valid = true
	return keys, nil
}

// Invalidate drops the cache so the next Keys call re-reads the table.
func (r *KeyResolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valid = false
	r.cached = nil
}

func (r *KeyResolver) tableExists() (bool, error) {
	var name string
	err := r.lake.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, r.table,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check for table %s: %w", r.table, err)
	}
	return true, nil
}
