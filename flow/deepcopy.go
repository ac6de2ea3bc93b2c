package flow

// Deep copy for context subtrees. Snapshots must be value-identical to the
// live state while sharing no substructure with it, so the walker rebuilds
// every map and slice it encounters. Values outside those shapes (strings,
// numbers, bools, time.Time) are immutable by copy and pass through.

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopySlice(s []interface{}) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		return deepCopySlice(t)
	default:
		return v
	}
}
