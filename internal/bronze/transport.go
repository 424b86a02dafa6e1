package bronze

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// transportError is the structured form a transport-level failure is
// recorded with. Kind is one of "timeout", "connection error",
// "too many redirects" or "request error".
type transportError struct {
	Kind string
	Err  error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *transportError) Unwrap() error {
	return e.Err
}

// classifyTransportError maps an http.Client failure to a transportError.
func classifyTransportError(err error) *transportError {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		switch {
		case urlErr.Timeout():
			return &transportError{Kind: "timeout", Err: err}
		case strings.Contains(urlErr.Error(), "stopped after"):
			return &transportError{Kind: "too many redirects", Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &transportError{Kind: "timeout", Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &transportError{Kind: "connection error", Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &transportError{Kind: "connection error", Err: err}
	}
	return &transportError{Kind: "request error", Err: err}
}

// serializeHeaders renders response headers as "key=value; key=value" with
// stable ordering.
func serializeHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.Join(h[k], ","))
	}
	return strings.Join(parts, "; ")
}

// parseBody decodes a response body into row-maps. JSON bodies may be a top
// level array or an object with a single array-valued field (several
// upstream endpoints wrap their rows that way). CSV bodies use the first
// record as the header.
func parseBody(body []byte, format string) ([]map[string]any, error) {
	switch format {
	case "csv":
		return parseCSV(body)
	default:
		return parseJSON(body)
	}
}

func parseJSON(body []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return []map[string]any{}, nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err == nil {
		return rows, nil
	}

	// Envelope object: take the first array-of-objects field.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("body is neither a JSON array nor an object: %w", err)
	}
	for _, raw := range envelope {
		var inner []map[string]any
		if err := json.Unmarshal(raw, &inner); err == nil {
			return inner, nil
		}
	}
	return nil, fmt.Errorf("JSON object contains no array of rows")
}

func parseCSV(body []byte) ([]map[string]any, error) {
	reader := csv.NewReader(strings.NewReader(string(body)))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed CSV body: %w", err)
	}
	if len(records) == 0 {
		return []map[string]any{}, nil
	}

	header := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
