package state

import "encoding/json"

// Value is a free-form nested mapping, the decoded form of a JSON object.
// Thermostat firmware sends arbitrary nested structures; the server never
// interprets fields it does not know about.
type Value = map[string]any

// DeepMerge overlays incoming onto existing recursively.
//
// Both operands being mappings merges per key; in every other case the
// incoming side wins. A key present on only one side keeps that side's
// value. Lists are replaced atomically, never merged element-wise.
//
// Devices send partial updates and expect fields they did not mention to
// survive, so this must overlay rather than replace.
//
// Neither operand is mutated; the result shares no mutable structure with
// the inputs.
func DeepMerge(existing, incoming Value) Value {
	if existing == nil {
		return CloneValue(incoming)
	}
	if incoming == nil {
		return CloneValue(existing)
	}

	merged := make(Value, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = cloneAny(v)
	}
	for k, iv := range incoming {
		ev, ok := merged[k]
		if !ok {
			merged[k] = cloneAny(iv)
			continue
		}
		em, eok := ev.(map[string]any)
		im, iok := iv.(map[string]any)
		if eok && iok {
			merged[k] = DeepMerge(em, im)
			continue
		}
		merged[k] = cloneAny(iv)
	}
	return merged
}

// ValuesEqual reports whether two values are structurally equal.
//
// Equality is decided on a canonical JSON serialisation: encoding/json
// sorts map keys, so two structurally equal values compare equal
// regardless of map iteration order, and numerically equal values
// compare equal regardless of their Go representation.
func ValuesEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// CloneValue returns a deep copy of v.
func CloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, e := range v {
		out[k] = cloneAny(e)
	}
	return out
}

// cloneAny deep-copies the mutable JSON container types; scalars are
// returned as-is.
func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneValue(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}
