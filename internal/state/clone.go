package state

// #region clone
// Clone deep-copies maps and slices of the JSON value shapes. Other values
// are copied by assignment and must be treated as immutable by callers.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case State:
		return t.Clone()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// Merge returns a copy of s with every key of partial overwritten.
func (s State) Merge(partial State) State {
	out := s.Clone()
	if out == nil {
		out = State{}
	}
	for k, v := range partial {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any(State(m).Clone())
}

// #endregion clone
