package silver

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/marketflow/internal/catalog"
	"github.com/aristath/marketflow/internal/domain"
)

// Provenance columns appended to every Silver table.
var provenanceColumns = []catalog.Column{
	{Name: "source_file_id", Type: string(TypeStr)},
	{Name: "run_id", Type: string(TypeStr)},
	{Name: "ingested_at", Type: string(TypeDateTime)},
}

// Schema is the resolved target shape of one promotion: contract columns
// plus provenance, with the business keys that drive dedupe and merging.
type Schema struct {
	Table        string
	Columns      []catalog.Column
	BusinessKeys []string
	Transform    func(domain.Row) domain.Row // optional pre-projection rewrite
}

// AllColumns returns the declared columns followed by the provenance columns.
func (s *Schema) AllColumns() []catalog.Column {
	all := make([]catalog.Column, 0, len(s.Columns)+len(provenanceColumns))
	all = append(all, s.Columns...)
	return append(all, provenanceColumns...)
}

// keyIndexes returns the positions of the business-key columns.
func (s *Schema) keyIndexes() ([]int, error) {
	idx := make([]int, 0, len(s.BusinessKeys))
	for _, key := range s.BusinessKeys {
		found := -1
		for i, col := range s.Columns {
			if col.Name == key {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("business key %q is not a declared column", key)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

// Mapper supplies a dataset's target shape in code for payloads too irregular
// to describe as a plain column list.
type Mapper struct {
	Columns      []catalog.Column
	BusinessKeys []string
	Transform    func(domain.Row) domain.Row
}

var mapperRegistry = map[string]Mapper{}

// RegisterMapper adds a named type-mapper. Registration happens at startup;
// re-registering a name replaces it.
func RegisterMapper(name string, m Mapper) {
	mapperRegistry[name] = m
}

// ResolveSchema turns a schema contract into a runnable schema, consulting
// the mapper registry for contracts that name a mapper instead of columns.
func ResolveSchema(contract *catalog.SchemaContract) (*Schema, error) {
	s := &Schema{Table: contract.TableName()}

	if len(contract.Columns) > 0 {
		s.Columns = contract.Columns
		s.BusinessKeys = contract.BusinessKeys
	} else {
		m, ok := mapperRegistry[contract.Mapper]
		if !ok {
			return nil, fmt.Errorf("contract %s names unregistered mapper %q", contract.Dataset, contract.Mapper)
		}
		s.Columns = m.Columns
		s.BusinessKeys = m.BusinessKeys
		s.Transform = m.Transform
	}

	if len(s.BusinessKeys) == 0 {
		return nil, fmt.Errorf("contract %s declares no business keys", contract.Dataset)
	}
	if _, err := s.keyIndexes(); err != nil {
		return nil, fmt.Errorf("contract %s: %w", contract.Dataset, err)
	}
	return s, nil
}

// ProjectedRow is one typed output row. Values aligns with
// Schema.AllColumns; Key is the joined business-key tuple used for dedupe
// and Date the business date used for chunking.
type ProjectedRow struct {
	Values []any
	Key    string
	Date   string
}

const keySeparator = "\x1f"

// Project coerces raw rows onto the schema. Rows whose business-key columns
// come out empty are counted as failed and dropped; everything else degrades
// per field. The row date falls back from the row's own date field to the
// payload coverage end, then start, then the fetch timestamp.
func Project(schema *Schema, payload *domain.RawPayload, dateField string) (rows []ProjectedRow, failed int) {
	keyIdx, err := schema.keyIndexes()
	if err != nil {
		// ResolveSchema validates this; an error here is unreachable.
		return nil, len(payload.Content)
	}

	fallbackDate := payload.LastDate
	if fallbackDate == "" {
		fallbackDate = payload.FirstDate
	}
	if fallbackDate == "" {
		fallbackDate = payload.FetchedAt.Format(domain.DateLayout)
	}
	ingestedAt := payload.FetchedAt.UTC().Format(time.RFC3339)

	for _, raw := range payload.Content {
		if schema.Transform != nil {
			raw = schema.Transform(raw)
			if raw == nil {
				failed++
				continue
			}
		}

		values := make([]any, 0, len(schema.Columns)+len(provenanceColumns))
		for _, col := range schema.Columns {
			src := col.SourceAlias
			if src == "" {
				src = col.Name
			}
			values = append(values, Coerce(raw[src], FieldType(col.Type)))
		}

		// Per-key payloads often omit the ticker inside each row; the
		// request key fills the leading business key in.
		if payload.Key != "" && len(keyIdx) > 0 {
			if s, ok := values[keyIdx[0]].(string); ok && s == "" {
				values[keyIdx[0]] = payload.Key
			}
		}

		keyParts := make([]string, 0, len(keyIdx))
		missingKey := false
		for _, i := range keyIdx {
			part := keyString(values[i])
			if part == "" {
				missingKey = true
				break
			}
			keyParts = append(keyParts, part)
		}
		if missingKey {
			failed++
			continue
		}

		date := ""
		if dateField != "" {
			if parsed, ok := domain.ParseDate(raw[dateField]); ok {
				date = parsed.Format(domain.DateLayout)
			}
		}
		if date == "" {
			date = fallbackDate
		}

		values = append(values, payload.FileID, payload.RunID, ingestedAt)
		rows = append(rows, ProjectedRow{
			Values: values,
			Key:    strings.Join(keyParts, keySeparator),
			Date:   date,
		})
	}
	return rows, failed
}

func keyString(v any) string {
	if v == nil {
		return ""
	}
	return coerceStr(v)
}
