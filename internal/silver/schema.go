// Package silver promotes raw Bronze payloads into typed, deduplicated
// SQLite tables. Promotion is read-only with respect to Bronze: payload
// files are inputs, never touched.
package silver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/marketflow/internal/domain"
)

// FieldType is the declared target type of a Silver column.
type FieldType string

const (
	TypeStr      FieldType = "str"
	TypeInt      FieldType = "int"
	TypeBigInt   FieldType = "bigint"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypeList     FieldType = "list"
	TypeDict     FieldType = "dict"
)

// SQLiteType maps a field type to its storage affinity.
func SQLiteType(t FieldType) string {
	switch t {
	case TypeInt, TypeBigInt, TypeBool:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Coerce converts one raw row value to its declared type. Coercion never
// fails: a missing or unconvertible value degrades to the type's null form
// (nil for numerics and dates, false for bool, empty string for str) so a
// single dirty field never sinks a whole row.
func Coerce(v any, t FieldType) any {
	switch t {
	case TypeStr:
		return coerceStr(v)
	case TypeInt, TypeBigInt:
		return coerceInt(v)
	case TypeFloat:
		return coerceFloat(v)
	case TypeBool:
		return coerceBool(v)
	case TypeDate:
		if parsed, ok := domain.ParseDate(v); ok {
			return parsed.Format(domain.DateLayout)
		}
		return nil
	case TypeDateTime:
		if parsed, ok := domain.ParseDate(v); ok {
			return parsed.UTC().Format(time.RFC3339)
		}
		return nil
	case TypeList, TypeDict:
		if v == nil {
			return nil
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(encoded)
	default:
		return coerceStr(v)
	}
}

func coerceStr(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func coerceInt(v any) any {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int:
		return int64(x)
	case int64:
		return x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		// Numeric APIs emit integers as "123.0" more often than they should.
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
	}
	return nil
}

func coerceFloat(v any) any {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return nil
}

func coerceBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "y":
			return true
		}
	}
	return false
}
