package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Row is one untyped record as parsed from an API response. Internal
// consumers must go through the Silver projection step before using values.
type Row map[string]any

// DateLayout is the canonical business-date format used across the pipeline.
const DateLayout = "2006-01-02"

// RawPayload captures one fetch attempt in full: the request context, the
// transport envelope and the parsed body. Payloads are written once and
// never mutated; failed fetches are archived alongside successful ones.
type RawPayload struct {
	FileID        string            `json:"file_id"`
	RunID         string            `json:"run_id"`
	Domain        string            `json:"domain"`
	Source        string            `json:"source"`
	Dataset       string            `json:"dataset"`
	Discriminator string            `json:"discriminator,omitempty"`
	Key           string            `json:"key,omitempty"`
	FromDate      string            `json:"from_date,omitempty"`
	ToDate        string            `json:"to_date,omitempty"`
	URL           string            `json:"url"`
	Query         map[string]string `json:"query,omitempty"` // secrets redacted

	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason,omitempty"`
	Headers    string `json:"headers,omitempty"` // "key=value; key=value"
	ElapsedMS  int64  `json:"elapsed_ms"`

	Content []Row  `json:"content"`
	RawText string `json:"raw_text,omitempty"` // unparsed body on failure

	Hash      string    `json:"hash,omitempty"`
	FirstDate string    `json:"first_date,omitempty"`
	LastDate  string    `json:"last_date,omitempty"`
	Error     string    `json:"error,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Identity reconstructs the unit identity the payload belongs to.
func (p *RawPayload) Identity() UnitIdentity {
	return UnitIdentity{
		Domain:        p.Domain,
		Source:        p.Source,
		Dataset:       p.Dataset,
		Discriminator: p.Discriminator,
		Key:           p.Key,
	}
}

// AcceptableForStorage is the Bronze acceptance gate: well-formed transport
// metadata and list-shaped content (possibly empty). Status 200 is not
// required; failures are archived too, carrying their error text.
func (p *RawPayload) AcceptableForStorage() bool {
	if p.FileID == "" || p.FetchedAt.IsZero() {
		return false
	}
	if p.Error != "" {
		return true
	}
	return p.StatusCode > 0 && p.Content != nil
}

// Promotable is the stricter promotion-eligibility gate: clean 200 response,
// a content hash, and non-empty content unless the dataset explicitly allows
// empty responses.
func (p *RawPayload) Promotable(allowsEmpty bool) bool {
	if p.StatusCode != 200 || p.Error != "" || p.Hash == "" {
		return false
	}
	if len(p.Content) == 0 {
		return allowsEmpty
	}
	return true
}

// ComputeHash fills Hash with a hex sha256 over the canonical JSON encoding
// of the content rows. Empty content hashes to the hash of "[]" so that
// legitimately empty responses still pass the non-empty-hash check.
func (p *RawPayload) ComputeHash() {
	content := p.Content
	if content == nil {
		content = []Row{}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return
	}
	sum := sha256.Sum256(encoded)
	p.Hash = hex.EncodeToString(sum[:])
}

// ScanDates derives FirstDate/LastDate by scanning dateField across the
// content rows. Rows without a parseable value are ignored; if nothing
// parses, both dates fall back to the fetch date. Never fails.
func (p *RawPayload) ScanDates(dateField string, fallback time.Time) {
	var first, last time.Time
	for _, row := range p.Content {
		value, ok := row[dateField]
		if !ok {
			continue
		}
		parsed, ok := ParseDate(value)
		if !ok {
			continue
		}
		if first.IsZero() || parsed.Before(first) {
			first = parsed
		}
		if last.IsZero() || parsed.After(last) {
			last = parsed
		}
	}
	if first.IsZero() {
		first, last = fallback, fallback
	}
	p.FirstDate = first.Format(DateLayout)
	p.LastDate = last.Format(DateLayout)
}

var dateLayouts = []string{
	DateLayout,
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"01/02/2006",
}

// ParseDate parses a business date out of an untyped row value. Accepts the
// date and datetime layouts the upstream APIs actually emit.
func ParseDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
