package domain

import "time"

// LedgerEntry is one row of the ingestion ledger, keyed by (run_id, file_id).
// Stage fields are pointers: nil means "leave the stored value alone" on
// upsert, a non-nil zero value explicitly clears it. This lets the Bronze
// writer and the Silver writer update the same row at different times
// without blanking each other's fields.
type LedgerEntry struct {
	RunID  string
	FileID string

	Domain        string
	Source        string
	Dataset       string
	Discriminator string
	Key           string

	Bronze BronzeStage
	Silver SilverStage
	Gold   GoldStage
}

// BronzeStage records the raw fetch outcome.
type BronzeStage struct {
	File       *string // raw payload file reference, relative to the store root
	Error      *string
	Rows       *int
	FromDate   *string
	ToDate     *string
	StartedAt  *time.Time
	FinishedAt *time.Time
	CanPromote *bool
}

// SilverStage records the promotion outcome.
type SilverStage struct {
	Table       *string // fully-qualified target table name
	Error       *string
	RowsSeen    *int
	RowsWritten *int
	RowsFailed  *int
	FromDate    *string
	ToDate      *string
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// GoldStage is tracked for completeness; the Gold layer itself lives outside
// this pipeline.
type GoldStage struct {
	Table      *string
	Error      *string
	Rows       *int
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Identity reconstructs the unit identity the entry belongs to.
func (e *LedgerEntry) Identity() UnitIdentity {
	return UnitIdentity{
		Domain:        e.Domain,
		Source:        e.Source,
		Dataset:       e.Dataset,
		Discriminator: e.Discriminator,
		Key:           e.Key,
	}
}

// Ptr returns a pointer to v. Used to populate optional ledger stage fields.
func Ptr[T any](v T) *T {
	return &v
}
