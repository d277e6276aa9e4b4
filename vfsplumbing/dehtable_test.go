package vfsplumbing

import (
	"strings"
	"testing"

	"zeke/defs"
)

func TestLinkLookupRoundtrip(t *testing.T) {
	d := NewDehtable()
	if err := d.Link("foo", 42); err != 0 {
		t.Fatalf("link: %v", err)
	}
	v, err := d.Lookup("foo")
	if err != 0 || v != 42 {
		t.Fatalf("lookup = %d, %v", v, err)
	}
}

func TestLinkDuplicateReturnsEEXIST(t *testing.T) {
	d := NewDehtable()
	d.Link("foo", 1)
	if err := d.Link("foo", 2); err != -defs.EEXIST {
		t.Fatalf("link duplicate = %v, want -EEXIST", err)
	}
}

func TestLookupAbsentReturnsENOENT(t *testing.T) {
	d := NewDehtable()
	if _, err := d.Lookup("nope"); err != -defs.ENOENT {
		t.Fatalf("lookup = %v, want -ENOENT", err)
	}
}

func TestLinkNameTooLong(t *testing.T) {
	d := NewDehtable()
	name := strings.Repeat("a", NameMax+1)
	if err := d.Link(name, 1); err != -defs.ENAMETOOLONG {
		t.Fatalf("link long name = %v, want -ENAMETOOLONG", err)
	}
}

func TestUnlinkRemovesEntryAndCompactsBucket(t *testing.T) {
	d := NewDehtable()
	d.Link("a", 1)
	d.Link("b", 2)
	d.Link("c", 3)

	if err := d.Unlink("b"); err != 0 {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := d.Lookup("b"); err != -defs.ENOENT {
		t.Fatal("expected b to be gone after unlink")
	}
	if v, err := d.Lookup("a"); err != 0 || v != 1 {
		t.Fatal("expected a to survive unlinking b")
	}
	if v, err := d.Lookup("c"); err != 0 || v != 3 {
		t.Fatal("expected c to survive unlinking b")
	}
}

func TestUnlinkAbsentReturnsENOENT(t *testing.T) {
	d := NewDehtable()
	if err := d.Unlink("nope"); err != -defs.ENOENT {
		t.Fatalf("unlink absent = %v, want -ENOENT", err)
	}
}

func TestElemsEnumeratesAllBuckets(t *testing.T) {
	d := NewDehtable()
	names := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}
	for i, n := range names {
		if err := d.Link(n, uint64(i)); err != 0 {
			t.Fatalf("link %s: %v", n, err)
		}
	}
	elems := d.Elems()
	if len(elems) != len(names) {
		t.Fatalf("elems returned %d entries, want %d", len(elems), len(names))
	}
	for i, n := range names {
		if elems[n] != uint64(i) {
			t.Fatalf("elems[%s] = %d, want %d", n, elems[n], i)
		}
	}
}
