package aggregate

import "testing"

func TestGetNestedValueWalksNestedMaps(t *testing.T) {
	obj := map[string]interface{}{
		"status": map[string]interface{}{
			"phase": "Running",
		},
	}

	got, ok := GetNestedValue(obj, []string{"status", "phase"})
	if !ok {
		t.Fatal("expected the path to resolve")
	}
	if got != "Running" {
		t.Fatalf("expected %q, got %v", "Running", got)
	}
}

func TestGetNestedValueMissingSegmentIsNotFound(t *testing.T) {
	obj := map[string]interface{}{
		"status": map[string]interface{}{"phase": "Running"},
	}

	if _, ok := GetNestedValue(obj, []string{"status", "conditions"}); ok {
		t.Fatal("expected a missing segment to report not found")
	}
	if _, ok := GetNestedValue(obj, []string{"spec", "replicas"}); ok {
		t.Fatal("expected a missing top-level segment to report not found")
	}
}

func TestGetNestedValueStopsAtNonMapSegment(t *testing.T) {
	obj := map[string]interface{}{
		"spec": map[string]interface{}{"replicas": int64(3)},
	}

	if _, ok := GetNestedValue(obj, []string{"spec", "replicas", "extra"}); ok {
		t.Fatal("expected walking past a scalar to report not found")
	}
}

func TestGetNestedValueEmptyPathReturnsWholeObject(t *testing.T) {
	obj := map[string]interface{}{"a": 1}

	got, ok := GetNestedValue(obj, nil)
	if !ok {
		t.Fatal("expected an empty path to resolve to the object itself")
	}
	if m, ok := got.(map[string]interface{}); !ok || m["a"] != 1 {
		t.Fatalf("expected the original object back, got %v", got)
	}
}

func TestDiffFieldsFindsChangedLeafPath(t *testing.T) {
	prev := map[string]interface{}{"status": map[string]interface{}{"phase": "Pending"}}
	next := map[string]interface{}{"status": map[string]interface{}{"phase": "Running"}}

	got := diffFields(prev, next)
	if len(got) != 1 || !pathsEqual(got[0], []string{"status", "phase"}) {
		t.Fatalf("expected one change at status.phase, got %v", got)
	}

	// GetNestedValue resolves the same path diffFields reported, the
	// way a consumer would render the changed cell's new value.
	val, ok := GetNestedValue(next, got[0])
	if !ok || val != "Running" {
		t.Fatalf("expected GetNestedValue to resolve the changed path to %q, got %v, ok=%v", "Running", val, ok)
	}
}
