package membership

import "testing"

func TestHash(t *testing.T) {
	testCase := struct{ Key, Value string }{"test", "case"}

	hashed, err := hash(testCase)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashed) != 64 {
		t.Fatalf("expected a 64-char hex sha256 digest, got %d chars", len(hashed))
	}
}

func TestHashStableAcrossEqualValues(t *testing.T) {
	a := map[string]int{"x": 1, "y": 2}
	b := map[string]int{"x": 1, "y": 2}

	ha, err := hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("equal values should hash identically: %s vs %s", ha, hb)
	}
}

func TestHashDiffersOnChange(t *testing.T) {
	ha, err := hash(map[string]int{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	hb, err := hash(map[string]int{"x": 2})
	if err != nil {
		t.Fatal(err)
	}
	if ha == hb {
		t.Fatal("differing values should not hash identically")
	}
}
