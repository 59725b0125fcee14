package uuid

import (
	"sort"
	"testing"
)

// TestGeneratorNewID ensures generated IDs are unique, valid, and time ordered.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 50)
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		if !Valid(id) {
			t.Fatalf("id %q is not a valid UUID", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("expected lexically increasing ids, got %v", ids)
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	t.Parallel()

	if Valid("0x1") {
		t.Fatal("expected dgraph-style uid to be rejected")
	}
}
