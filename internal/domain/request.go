package domain

import (
	"errors"
	"time"
)

// ErrTooSoon marks a request whose from_date is still inside the recipe's
// minimum-age cooldown. It is a deliberate skip: no payload file and no
// ledger row are written for it.
var ErrTooSoon = errors.New("too soon: from_date is within the recipe's minimum-age window")

// FetchRequest is one runnable unit of Bronze work, derived from a recipe
// plus run-scoped values. FileID is assigned at build time and becomes the
// raw payload's file id and the ledger row key.
type FetchRequest struct {
	Recipe Recipe

	RunID         string
	FileID        string
	IngestionDate time.Time
	FromDate      time.Time
	ToDate        time.Time
	Key           string // resolved ticker, empty for global datasets
	Discriminator string
}

// Identity computes the unit identity this request belongs to.
func (r *FetchRequest) Identity() UnitIdentity {
	return UnitIdentity{
		Domain:        r.Recipe.Domain,
		Source:        r.Recipe.Source,
		Dataset:       r.Recipe.Dataset,
		Discriminator: r.Discriminator,
		Key:           r.Key,
	}
}

// CanRun decides whether the request may issue a network call.
//
// Returns nil when runnable, ErrTooSoon for the cooldown skip, and a
// *ValidationError for structural problems. Callers must treat ErrTooSoon as
// a silent skip and every other error as a persisted failure record.
func (r *FetchRequest) CanRun() error {
	if err := r.Recipe.Validate(); err != nil {
		return err
	}
	if r.Recipe.PerKey {
		if r.Key == "" {
			return &ValidationError{Field: "key", Reason: "per-key recipe requires a key"}
		}
		if !ValidKey(r.Key) {
			return &ValidationError{Field: "key", Reason: "malformed key " + r.Key}
		}
	} else if r.Key != "" {
		return &ValidationError{Field: "key", Reason: "global recipe must not carry a key"}
	}
	if r.RunID == "" {
		return &ValidationError{Field: "run_id", Reason: "run id is required"}
	}
	if r.FileID == "" {
		return &ValidationError{Field: "file_id", Reason: "file id is required"}
	}
	if r.Recipe.MinAgeDays > 0 && !r.FromDate.IsZero() {
		elapsed := int(r.IngestionDate.Sub(r.FromDate).Hours() / 24)
		if elapsed <= r.Recipe.MinAgeDays {
			return ErrTooSoon
		}
	}
	return nil
}
