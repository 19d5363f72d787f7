package container

import "github.com/roach88/tandem/internal/ir"

// SequenceItem is one position of a Sequence. ID is the list node id;
// InSync is false while the insert that created the node is still queued.
type SequenceItem struct {
	ID     string
	Item   ir.Item
	InSync bool
}

// Op is a merge command kind.
type Op string

const (
	OpRemoveItem   Op = "removeItem"
	OpInsertBefore Op = "insertBefore"
)

// Command is one local edit produced by Merge. RefID "" appends.
type Command struct {
	Op    Op
	ID    string
	RefID string
	Item  SequenceItem
}

// Merge returns the edits that turn target into source while leaving
// entries that are not yet in sync where they are. source is the server's
// list; every source entry is taken to be in sync.
func Merge(source, target []SequenceItem) []Command {
	inSource := make(map[string]struct{}, len(source))
	for _, s := range source {
		inSource[s.ID] = struct{}{}
	}

	var cmds []Command
	removed := make(map[string]struct{})
	for _, t := range target {
		if !t.InSync {
			continue
		}
		if _, ok := inSource[t.ID]; !ok {
			cmds = append(cmds, Command{Op: OpRemoveItem, ID: t.ID})
			removed[t.ID] = struct{}{}
		}
	}

	remaining := make([]SequenceItem, 0, len(target))
	for _, t := range target {
		if _, gone := removed[t.ID]; t.InSync && !gone {
			remaining = append(remaining, t)
		}
	}

	i, j := 0, 0
	for i < len(remaining) && j < len(source) {
		if remaining[i].ID == source[j].ID {
			i++
			j++
			continue
		}
		cmds = append(cmds, insertCommand(remaining[i].ID, source[j]))
		j++
	}
	for ; j < len(source); j++ {
		cmds = append(cmds, insertCommand("", source[j]))
	}

	// Unmatched entries were re-inserted from source; drop the stale copy.
	for ; i < len(remaining); i++ {
		cmds = append(cmds, Command{Op: OpRemoveItem, ID: remaining[i].ID})
		removed[remaining[i].ID] = struct{}{}
	}

	for k := range cmds {
		if cmds[k].Op != OpInsertBefore {
			continue
		}
		if _, ok := removed[cmds[k].RefID]; ok {
			cmds[k].RefID = ""
		}
	}
	return cmds
}

func insertCommand(refID string, s SequenceItem) Command {
	s.InSync = true
	return Command{Op: OpInsertBefore, ID: s.ID, RefID: refID, Item: s}
}

// Apply returns target with cmds applied: removals first, then each insert
// before its anchor, in command order. Inserts whose anchor is missing are
// appended.
func Apply(target []SequenceItem, cmds []Command) []SequenceItem {
	drop := make(map[string]struct{})
	before := make(map[string][]SequenceItem)
	var tail []SequenceItem
	for _, c := range cmds {
		if c.Op == OpRemoveItem {
			drop[c.ID] = struct{}{}
		}
	}

	kept := make(map[string]struct{}, len(target))
	for _, t := range target {
		if _, ok := drop[t.ID]; !ok {
			kept[t.ID] = struct{}{}
		}
	}
	for _, c := range cmds {
		if c.Op != OpInsertBefore {
			continue
		}
		if _, ok := kept[c.RefID]; c.RefID != "" && ok {
			before[c.RefID] = append(before[c.RefID], c.Item)
			continue
		}
		tail = append(tail, c.Item)
	}

	out := make([]SequenceItem, 0, len(target)+len(cmds))
	for _, t := range target {
		if _, ok := drop[t.ID]; ok {
			continue
		}
		out = append(out, before[t.ID]...)
		out = append(out, t)
	}
	return append(out, tail...)
}
