package docstore

import (
	"fmt"
	"strings"
)

// Document is a decoded store record. Fields holds JSON-compatible values,
// so numbers read back as float64 regardless of how they were written.
type Document struct {
	Collection   string
	ID           string
	Fields       map[string]any
	ServerTimeMs int64
}

func (d Document) Path() string {
	return d.Collection + "/" + d.ID
}

func (d Document) StringField(name string) (string, bool) {
	v, ok := d.Fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (d Document) BoolField(name string) (bool, bool) {
	v, ok := d.Fields[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (d Document) Int64Field(name string) (int64, bool) {
	v, ok := d.Fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// SplitPath splits "collection/id" into its two segments.
func SplitPath(path string) (collection, id string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid document path %q (expected collection/id)", path)
	}
	return parts[0], parts[1], nil
}
