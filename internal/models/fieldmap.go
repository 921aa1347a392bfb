package models

// FieldMap is the mapper's sole output contract: target column id to a typed
// scalar (string, number, bool, or a comma-joined list serialized as string)
type FieldMap map[string]any

// Filter returns a copy limited to the given keys. A nil key set means no
// filtering. Filtering is idempotent: applying the same key set twice yields
// the same map.
func (m FieldMap) Filter(allowed []string) FieldMap {
	if allowed == nil {
		return m
	}
	out := make(FieldMap, len(m))
	for _, k := range allowed {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Merge copies every entry of other into the map, overwriting existing keys
func (m FieldMap) Merge(other FieldMap) {
	for k, v := range other {
		m[k] = v
	}
}
