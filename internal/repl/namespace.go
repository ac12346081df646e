package repl

import "sync"

// Value is an interpreter-native value. Only the Engine that produced it
// knows its concrete type.
type Value = any

// Binding is one top-level name and the value bound to it.
type Binding struct {
	Name  string
	Value Value
}

// Changes lists the names a call added, rebound, or removed.
type Changes struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Names returns updated names followed by added names.
func (c Changes) Names() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated))
	out = append(out, c.Updated...)
	out = append(out, c.Added...)
	return out
}

// Namespace is the ordered set of top-level bindings that persists across
// Execute calls. Insertion order is kept for display.
type Namespace struct {
	mu    sync.RWMutex
	names []string
	store map[string]Value
}

// NewNamespace creates a new empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{
		store: make(map[string]Value),
	}
}

// Get retrieves a value by name.
func (n *Namespace) Get(name string) (Value, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.store[name]
	return v, ok
}

// Set binds name to v, appending name if it is new.
func (n *Namespace) Set(name string, v Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.set(name, v)
}

func (n *Namespace) set(name string, v Value) {
	if _, ok := n.store[name]; !ok {
		n.names = append(n.names, name)
	}
	n.store[name] = v
}

// Has returns true if the name is bound.
func (n *Namespace) Has(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.store[name]
	return ok
}

// Delete unbinds name.
func (n *Namespace) Delete(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delete(name)
}

func (n *Namespace) delete(name string) {
	if _, ok := n.store[name]; !ok {
		return
	}
	delete(n.store, name)
	for i, k := range n.names {
		if k == name {
			n.names = append(n.names[:i:i], n.names[i+1:]...)
			break
		}
	}
}

// Len returns the number of bindings.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.names)
}

// Names returns bound names in insertion order.
func (n *Namespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]string(nil), n.names...)
}

// Bindings returns a copy of every binding in insertion order.
func (n *Namespace) Bindings() []Binding {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Binding, len(n.names))
	for i, k := range n.names {
		out[i] = Binding{Name: k, Value: n.store[k]}
	}
	return out
}

// Clone creates a shallow copy of the namespace.
func (n *Namespace) Clone() *Namespace {
	n.mu.RLock()
	defer n.mu.RUnlock()
	clone := NewNamespace()
	clone.names = append(clone.names, n.names...)
	for k, v := range n.store {
		clone.store[k] = v
	}
	return clone
}

// Clear removes every binding.
func (n *Namespace) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = nil
	n.store = make(map[string]Value)
}

// Diff compares the namespace against the bindings observed after a run.
// same reports whether two values are the identical binding.
func (n *Namespace) Diff(after []Binding, same func(a, b Value) bool) Changes {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var c Changes
	seen := make(map[string]bool, len(after))
	for _, b := range after {
		seen[b.Name] = true
		old, ok := n.store[b.Name]
		switch {
		case !ok:
			c.Added = append(c.Added, b.Name)
		case !same(old, b.Value):
			c.Updated = append(c.Updated, b.Name)
		}
	}
	for _, k := range n.names {
		if !seen[k] {
			c.Removed = append(c.Removed, k)
		}
	}
	return c
}

// Commit makes the namespace equal to after. New names keep the order in
// which they appear in after.
func (n *Namespace) Commit(after []Binding) {
	n.mu.Lock()
	defer n.mu.Unlock()

	keep := make(map[string]bool, len(after))
	for _, b := range after {
		keep[b.Name] = true
	}
	for _, k := range append([]string(nil), n.names...) {
		if !keep[k] {
			n.delete(k)
		}
	}
	for _, b := range after {
		n.set(b.Name, b.Value)
	}
}
