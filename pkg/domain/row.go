package domain

// Row is one record flowing through a pipeline.
type Row map[string]any

// Clone returns a shallow copy of the row. A nil row clones to an empty row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DeepClone copies nested maps and slices as well, so the copy can be
// merged into without touching the original.
func (r Row) DeepClone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case Row:
		return map[string]any(t.DeepClone())
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = deepCopy(e)
		}
		return s
	default:
		return v
	}
}

// Rows extracts the payloads of a token slice in order.
func Rows(tokens []Token) []Row {
	out := make([]Row, len(tokens))
	for i, t := range tokens {
		out[i] = t.Data
	}
	return out
}
