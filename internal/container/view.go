package container

import "github.com/roach88/tandem/internal/ir"

// View is the read side shared by collections and sequences.
type View interface {
	Ordered() bool
	Items() []ir.Item
}

// Each calls fn for every item in view order until fn returns false.
func Each(v View, fn func(i int, item ir.Item) bool) {
	for i, item := range v.Items() {
		if !fn(i, item) {
			return
		}
	}
}

// Filter returns the items for which keep is true.
func Filter(v View, keep func(ir.Item) bool) []ir.Item {
	var out []ir.Item
	for _, item := range v.Items() {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// IDs returns the item ids in view order.
func IDs(v View) []string {
	items := v.Items()
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

// Find returns the first item with id.
func Find(v View, id string) (ir.Item, bool) {
	for _, item := range v.Items() {
		if item.ID == id {
			return item, true
		}
	}
	return ir.Item{}, false
}
