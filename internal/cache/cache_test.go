package cache

import (
	"errors"
	"testing"
)

func TestMemoryBasics(t *testing.T) {
	c := NewMemory()

	if _, err := c.Get("ns", "a"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get on empty cache: err=%v, want ErrMiss", err)
	}
	if err := c.Add("ns", "a", 3); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("ns", "a", 9); !errors.Is(err, ErrExists) {
		t.Fatalf("second Add: err=%v, want ErrExists", err)
	}
	v, err := c.Get("ns", "a")
	if err != nil || v != 3 {
		t.Fatalf("Get: v=%d err=%v, want 3", v, err)
	}

	v, err = c.Incr("ns", "a", 2)
	if err != nil || v != 5 {
		t.Fatalf("Incr: v=%d err=%v, want 5", v, err)
	}
	if _, err := c.Incr("ns", "missing", 1); !errors.Is(err, ErrMiss) {
		t.Fatalf("Incr missing: err=%v, want ErrMiss", err)
	}

	c.Set("ns", "a", 100)
	if v, _ := c.Get("ns", "a"); v != 100 {
		t.Fatalf("after Set: v=%d, want 100", v)
	}
}

func TestMemoryNamespaceIsolation(t *testing.T) {
	c := NewMemory()
	c.Set("one", "k", 1)
	c.Set("two", "k", 2)

	c.Flush("one")
	if _, err := c.Get("one", "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("flushed namespace still has key: %v", err)
	}
	if v, err := c.Get("two", "k"); err != nil || v != 2 {
		t.Fatalf("sibling namespace affected: v=%d err=%v", v, err)
	}

	c.Delete("two", "k")
	if _, err := c.Get("two", "k"); !errors.Is(err, ErrMiss) {
		t.Fatal("Delete did not remove key")
	}
}
