package semantic

import "testing"

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("doc-123_0")
	b := PointID("doc-123_0")
	if a != b {
		t.Errorf("same record ID produced different point IDs: %s vs %s", a, b)
	}
	if a == PointID("doc-123_1") {
		t.Error("different record IDs produced the same point ID")
	}
	if len(a) != 36 {
		t.Errorf("point ID %q is not a canonical UUID", a)
	}
}

func TestToValueStringList(t *testing.T) {
	v := toValue([]string{"EC85", "ES21"})
	lv := v.GetListValue()
	if lv == nil || len(lv.GetValues()) != 2 {
		t.Fatalf("expected 2-element list value, got %v", v)
	}
	if got := lv.GetValues()[0].GetStringValue(); got != "EC85" {
		t.Errorf("first element = %q, want EC85", got)
	}
}
