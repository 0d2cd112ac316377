package state

import "testing"

func TestDeepMergeOverlay(t *testing.T) {
	tests := []struct {
		name     string
		existing Value
		incoming Value
		want     Value
	}{
		{
			name:     "nil existing yields incoming",
			existing: nil,
			incoming: Value{"a": float64(1)},
			want:     Value{"a": float64(1)},
		},
		{
			name:     "nil incoming yields existing",
			existing: Value{"a": float64(1)},
			incoming: nil,
			want:     Value{"a": float64(1)},
		},
		{
			name:     "scalar replaced",
			existing: Value{"away": false, "postal_code": "94107"},
			incoming: Value{"away": true},
			want:     Value{"away": true, "postal_code": "94107"},
		},
		{
			name: "nested maps merge per key",
			existing: Value{
				"touched_by": map[string]any{"touched_id": "a", "touched_at": float64(1)},
			},
			incoming: Value{
				"touched_by": map[string]any{"touched_id": "b"},
			},
			want: Value{
				"touched_by": map[string]any{"touched_id": "b", "touched_at": float64(1)},
			},
		},
		{
			name:     "arrays replaced atomically",
			existing: Value{"days": []any{float64(1), float64(2)}},
			incoming: Value{"days": []any{float64(3)}},
			want:     Value{"days": []any{float64(3)}},
		},
		{
			name:     "map replaced by scalar",
			existing: Value{"x": map[string]any{"a": float64(1)}},
			incoming: Value{"x": "gone"},
			want:     Value{"x": "gone"},
		},
		{
			name:     "explicit null wins",
			existing: Value{"x": float64(1)},
			incoming: Value{"x": nil},
			want:     Value{"x": nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeepMerge(tt.existing, tt.incoming)
			if !ValuesEqual(got, tt.want) {
				t.Errorf("DeepMerge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeepMergeDoesNotMutateOperands(t *testing.T) {
	existing := Value{"nested": map[string]any{"keep": "old", "replace": "old"}}
	incoming := Value{"nested": map[string]any{"replace": "new"}}

	merged := DeepMerge(existing, incoming)
	merged["nested"].(map[string]any)["keep"] = "mutated"

	if existing["nested"].(map[string]any)["keep"] != "old" {
		t.Error("DeepMerge result shares structure with existing operand")
	}
	if got := incoming["nested"].(map[string]any)["replace"]; got != "new" {
		t.Errorf("incoming operand mutated: %v", got)
	}
}

func TestValuesEqualIgnoresMapOrder(t *testing.T) {
	a := Value{"x": float64(1), "y": Value{"p": "q", "r": "s"}}
	b := Value{"y": Value{"r": "s", "p": "q"}, "x": float64(1)}
	if !ValuesEqual(a, b) {
		t.Error("structurally equal values compared unequal")
	}
}

func TestValuesEqualNumericRepresentation(t *testing.T) {
	// Values arrive as float64 from JSON but may be written as int from
	// Go code; numerically equal values must compare equal.
	if !ValuesEqual(Value{"n": int64(5)}, Value{"n": float64(5)}) {
		t.Error("int64(5) and float64(5) compared unequal")
	}
	if ValuesEqual(Value{"n": float64(5)}, Value{"n": float64(6)}) {
		t.Error("distinct numbers compared equal")
	}
}

func TestIsServerNewer(t *testing.T) {
	obj := &Object{Revision: 5, Timestamp: 1000}

	tests := []struct {
		name      string
		clientRev int64
		clientTS  int64
		want      bool
	}{
		{"server revision ahead", 4, 5000, true},
		{"client revision ahead", 6, 0, false},
		{"equal revision server timestamp ahead", 5, 999, true},
		{"equal revision equal timestamp", 5, 1000, false},
		{"equal revision client timestamp ahead", 5, 1001, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServerNewer(obj, tt.clientRev, tt.clientTS); got != tt.want {
				t.Errorf("IsServerNewer(rev=%d ts=%d) = %v, want %v", tt.clientRev, tt.clientTS, got, tt.want)
			}
		})
	}

	if IsServerNewer(nil, 0, 0) {
		t.Error("nil server object reported newer")
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := KeyType("device.02AA01AC"); got != "device" {
		t.Errorf("KeyType = %q, want device", got)
	}
	if got := KeySuffix("structure.xyz"); got != "xyz" {
		t.Errorf("KeySuffix = %q, want xyz", got)
	}
	if got := KeyType("bare"); got != "bare" {
		t.Errorf("KeyType(bare) = %q", got)
	}
}
