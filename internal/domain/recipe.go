package domain

import (
	"fmt"
	"regexp"
)

// Cadence controls how a recipe's date window is resolved.
type Cadence string

const (
	// CadenceInterval fetches a rolling window ending at the ingestion date.
	CadenceInterval Cadence = "interval"
	// CadenceCalendar fetches fixed calendar periods (quarters, years).
	CadenceCalendar Cadence = "calendar"
)

// Format is the wire format a recipe's endpoint responds with.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Domain execution order. Instrument discovery (the reference domain) must
// run first so downstream domains can resolve keys against newly discovered
// instruments.
const (
	DomainReference        = "reference"
	DomainPrices           = "prices"
	DomainFundamentals     = "fundamentals"
	DomainCorporateActions = "corporate_actions"
	DomainEstimates        = "estimates"
)

// DomainOrder returns the fixed domain execution order as a fresh slice.
func DomainOrder() []string {
	return []string{
		DomainReference,
		DomainPrices,
		DomainFundamentals,
		DomainCorporateActions,
		DomainEstimates,
	}
}

// KnownDomain reports whether d is one of the recognized pipeline domains.
func KnownDomain(d string) bool {
	for _, known := range DomainOrder() {
		if d == known {
			return true
		}
	}
	return false
}

// Recipe is the declarative definition of one fetchable dataset endpoint.
// Recipes come from the YAML catalog; the pipeline never mutates them.
type Recipe struct {
	Domain  string `yaml:"domain"`
	Source  string `yaml:"source"`
	Dataset string `yaml:"dataset"`

	// PerKey datasets issue one request per ticker; global datasets issue
	// exactly one request with an empty key.
	PerKey     bool     `yaml:"per_key"`
	KeyColumns []string `yaml:"key_columns"`

	// DateField names the business-date column scanned for payload coverage
	// and used for watermark filtering and merge chunking.
	DateField string `yaml:"date_field"`

	Cadence    Cadence `yaml:"cadence"`
	MinAgeDays int     `yaml:"min_age_days"`

	// Path is the endpoint path template; Query maps query parameter names
	// to value templates. Both support {ticker}, {from_date}, {to_date},
	// {one_month_back}, {limit}, {period} and {apikey} placeholders.
	Path  string            `yaml:"path"`
	Query map[string]string `yaml:"query"`

	Format      Format `yaml:"format"`
	AllowsEmpty bool   `yaml:"allows_empty"`

	// Tier gates recipes behind subscription plans ("free", "starter",
	// "premium"). Empty means available on every plan.
	Tier string `yaml:"tier"`
}

var keyPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,19}$`)

// ValidKey reports whether a ticker-like partition key is well-formed.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Validate checks the recipe is structurally runnable. A recipe that fails
// here is a catalog defect, not a transient condition.
func (r *Recipe) Validate() error {
	if !KnownDomain(r.Domain) {
		return &ValidationError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", r.Domain)}
	}
	if r.Source == "" {
		return &ValidationError{Field: "source", Reason: "source is required"}
	}
	if r.Dataset == "" {
		return &ValidationError{Field: "dataset", Reason: "dataset is required"}
	}
	switch r.Cadence {
	case CadenceInterval, CadenceCalendar:
	default:
		return &ValidationError{Field: "cadence", Reason: fmt.Sprintf("unknown cadence %q", r.Cadence)}
	}
	switch r.Format {
	case FormatJSON, FormatCSV, "":
	default:
		return &ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", r.Format)}
	}
	if r.Path == "" {
		return &ValidationError{Field: "path", Reason: "endpoint path is required"}
	}
	if r.PerKey && len(r.KeyColumns) == 0 {
		return &ValidationError{Field: "key_columns", Reason: "per-key recipes must declare key columns"}
	}
	return nil
}

// EffectiveFormat returns the wire format, defaulting to JSON.
func (r *Recipe) EffectiveFormat() Format {
	if r.Format == "" {
		return FormatJSON
	}
	return r.Format
}

// ValidationError describes a malformed recipe or request. Validation
// failures are always recorded, never silently dropped; the one exception is
// the "too soon" cooldown which is a deliberate skip (see ErrTooSoon).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
