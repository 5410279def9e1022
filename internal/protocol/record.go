package protocol

import (
	"fmt"
	"strings"
)

// Record is a document as seen by tasks: identity, version and content.
type Record struct {
	RID     string
	Version int64
	Content map[string]any
}

// Value returns the record as a map carrying the reserved identity keys.
func (r Record) Value() map[string]any {
	m := make(map[string]any, len(r.Content)+2)
	for k, v := range r.Content {
		m[k] = v
	}
	m[FieldRID] = r.RID
	m[FieldVersion] = r.Version
	return m
}

// RecordFromValue reverses Record.Value. Numbers may have become float64 on
// the way.
func RecordFromValue(v any) (Record, bool) {
	m, ok := v.(map[string]any)
	if !ok || !isRecord(m) {
		return Record{}, false
	}
	r := Record{Content: make(map[string]any, len(m))}
	r.RID, _ = m[FieldRID].(string)
	switch ver := m[FieldVersion].(type) {
	case float64:
		r.Version = int64(ver)
	case int64:
		r.Version = ver
	case int:
		r.Version = int64(ver)
	}
	for k, val := range m {
		if !strings.HasPrefix(k, "@") {
			r.Content[k] = val
		}
	}
	return r, true
}

// ParseRID splits "#<cluster>:<position>" into its parts. Positions are
// opaque strings.
func ParseRID(rid string) (cluster, position string, err error) {
	if !strings.HasPrefix(rid, "#") {
		return "", "", fmt.Errorf("invalid rid %q", rid)
	}
	cluster, position, ok := strings.Cut(rid[1:], ":")
	if !ok || cluster == "" || position == "" {
		return "", "", fmt.Errorf("invalid rid %q", rid)
	}
	return cluster, position, nil
}

// FormatRID builds a record id.
func FormatRID(cluster, position string) string {
	return "#" + cluster + ":" + position
}

// ClusterOf returns the cluster name of a record id, or "" when malformed.
func ClusterOf(rid string) string {
	c, _, err := ParseRID(rid)
	if err != nil {
		return ""
	}
	return c
}
