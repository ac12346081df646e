package repl

import (
	"reflect"
	"testing"
)

func same(a, b Value) bool { return a == b }

func TestNamespaceOrder(t *testing.T) {
	ns := NewNamespace()
	ns.Set("b", 1)
	ns.Set("a", 2)
	ns.Set("b", 3)

	if got, want := ns.Names(), []string{"b", "a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if v, ok := ns.Get("b"); !ok || v != 3 {
		t.Errorf("Get(b) = %v, %v, want 3, true", v, ok)
	}

	ns.Delete("b")
	if ns.Has("b") {
		t.Error("b still bound after Delete")
	}
	if ns.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ns.Len())
	}
}

func TestNamespaceDiff(t *testing.T) {
	ns := NewNamespace()
	ns.Set("keep", 1)
	ns.Set("change", 2)
	ns.Set("drop", 3)

	after := []Binding{
		{Name: "keep", Value: 1},
		{Name: "change", Value: 20},
		{Name: "fresh", Value: 4},
	}
	c := ns.Diff(after, same)

	if !reflect.DeepEqual(c.Added, []string{"fresh"}) {
		t.Errorf("Added = %v", c.Added)
	}
	if !reflect.DeepEqual(c.Updated, []string{"change"}) {
		t.Errorf("Updated = %v", c.Updated)
	}
	if !reflect.DeepEqual(c.Removed, []string{"drop"}) {
		t.Errorf("Removed = %v", c.Removed)
	}
	if c.Empty() {
		t.Error("Empty() = true for a non-empty diff")
	}
}

func TestNamespaceCommit(t *testing.T) {
	ns := NewNamespace()
	ns.Set("a", 1)
	ns.Set("b", 2)

	ns.Commit([]Binding{
		{Name: "b", Value: 20},
		{Name: "c", Value: 3},
	})

	if got, want := ns.Names(), []string{"b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if v, _ := ns.Get("b"); v != 20 {
		t.Errorf("b = %v, want 20", v)
	}
}

func TestNamespaceClone(t *testing.T) {
	ns := NewNamespace()
	ns.Set("x", 1)

	clone := ns.Clone()
	clone.Set("x", 2)
	clone.Set("y", 3)

	if v, _ := ns.Get("x"); v != 1 {
		t.Errorf("original x = %v after clone mutation, want 1", v)
	}
	if ns.Has("y") {
		t.Error("clone mutation leaked into original")
	}

	ns.Clear()
	if ns.Len() != 0 {
		t.Errorf("Len() after Clear = %d", ns.Len())
	}
}
