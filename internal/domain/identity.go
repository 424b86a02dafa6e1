// Package domain holds the pure data types that flow through the pipeline.
// Data flows one way: Recipe -> FetchRequest -> RawPayload -> LedgerEntry.
// Entities carry identifiers, not references back to their constructors.
package domain

import (
	"path"
	"strings"
)

// UnitIdentity identifies one logical stream of data across all pipeline
// stages. Key is a ticker-like partition value, empty for global datasets.
// Discriminator separates run-scoped variants of the same dataset (for
// example a snapshot date). Missing parts are empty strings, never nil.
type UnitIdentity struct {
	Domain        string
	Source        string
	Dataset       string
	Discriminator string
	Key           string
}

// String renders the identity for logs and error messages.
func (u UnitIdentity) String() string {
	parts := []string{u.Domain, u.Source, u.Dataset}
	if u.Discriminator != "" {
		parts = append(parts, u.Discriminator)
	}
	if u.Key != "" {
		parts = append(parts, u.Key)
	}
	return strings.Join(parts, "/")
}

// PathStem returns the directory fragment raw payload files for this
// identity are stored under. Keys are sanitized so exchange-suffixed tickers
// ("BRK.B", "7203.T") stay filesystem-safe.
func (u UnitIdentity) PathStem() string {
	parts := []string{u.Domain, u.Source, u.Dataset}
	if u.Key != "" {
		parts = append(parts, sanitizePathPart(u.Key))
	}
	return path.Join(parts...)
}

func sanitizePathPart(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return replacer.Replace(s)
}
