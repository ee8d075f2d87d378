package records

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// FieldID is the mandatory identifier field of every record.
	FieldID = "id"
	// FieldUpdatedAt is the mandatory modification timestamp of every record.
	FieldUpdatedAt = "updatedAt"
	// FieldSiteID scopes a record to one site. Records without it are shared.
	FieldSiteID = "siteId"
)

var (
	// ErrMissingID indicates a record without a usable id field.
	ErrMissingID = errors.New("records: id is required")
	// ErrMissingUpdatedAt indicates a record without a parseable updatedAt field.
	ErrMissingUpdatedAt = errors.New("records: updatedAt is required")
)

// Record is the schemaless unit conflict resolution operates on. Only id and
// updatedAt are guaranteed; everything else is entity specific.
type Record map[string]any

// ID returns the record identifier, or "" when absent.
func (r Record) ID() string {
	return r.String(FieldID)
}

// UpdatedAt returns the parsed updatedAt timestamp, zero when absent.
func (r Record) UpdatedAt() time.Time {
	value, _ := r.Time(FieldUpdatedAt)
	return value
}

// SiteID returns the owning site, or "" for records shared by every site.
func (r Record) SiteID() string {
	return r.String(FieldSiteID)
}

// String returns a string field, formatting numbers without exponent.
func (r Record) String(field string) string {
	raw, ok := r[field]
	if !ok || raw == nil {
		return ""
	}
	switch value := raw.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		if value == math.Trunc(value) {
			return fmt.Sprintf("%.0f", value)
		}
		return fmt.Sprintf("%v", value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// Has reports whether the field is present with a non-empty value.
func (r Record) Has(field string) bool {
	raw, ok := r[field]
	if !ok || raw == nil {
		return false
	}
	if text, isString := raw.(string); isString {
		return strings.TrimSpace(text) != ""
	}
	return true
}

// Time parses a timestamp field. Strings are RFC 3339; numbers are unix milliseconds.
func (r Record) Time(field string) (time.Time, bool) {
	return ParseTime(r[field])
}

// Validate checks the two mandatory fields.
func (r Record) Validate() error {
	if r.ID() == "" {
		return ErrMissingID
	}
	if r.UpdatedAt().IsZero() {
		return fmt.Errorf("%w: record %s", ErrMissingUpdatedAt, r.ID())
	}
	return nil
}

// Clone returns a deep copy; nested maps and slices are copied as well.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(cloneMap(r))
}

// ParseTime accepts time.Time, RFC 3339 strings and unix-millisecond numbers.
func ParseTime(raw any) (time.Time, bool) {
	switch value := raw.(type) {
	case time.Time:
		if value.IsZero() {
			return time.Time{}, false
		}
		return value.UTC(), true
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, trimmed)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	case float64:
		if value <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(value)).UTC(), true
	case int64:
		if value <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(value).UTC(), true
	case int:
		if value <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(value)).UTC(), true
	default:
		return time.Time{}, false
	}
}

// FormatTime renders a timestamp the way records carry them on the wire.
func FormatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func cloneMap(source map[string]any) map[string]any {
	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = cloneValue(value)
	}
	return copied
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case Record:
		return Record(cloneMap(typed))
	case []any:
		copied := make([]any, len(typed))
		for index, item := range typed {
			copied[index] = cloneValue(item)
		}
		return copied
	case []string:
		return append([]string(nil), typed...)
	default:
		return typed
	}
}
