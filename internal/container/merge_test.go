package container

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/ir"
)

func synced(ids ...string) []SequenceItem {
	out := make([]SequenceItem, len(ids))
	for i, id := range ids {
		out[i] = SequenceItem{ID: id, Item: ir.Item{ID: "item-" + id}, InSync: true}
	}
	return out
}

func nodeIDs(items []SequenceItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestMerge_Cases(t *testing.T) {
	tests := []struct {
		name   string
		source []SequenceItem
		target []SequenceItem
		want   []Command
		result []string
	}{
		{
			name:   "identical",
			source: synced("a", "b", "c"),
			target: synced("a", "b", "c"),
			result: []string{"a", "b", "c"},
		},
		{
			name:   "removed on server",
			source: synced("a", "c"),
			target: synced("a", "b", "c"),
			want:   []Command{{Op: OpRemoveItem, ID: "b"}},
			result: []string{"a", "c"},
		},
		{
			name:   "inserted in the middle",
			source: synced("a", "x", "b"),
			target: synced("a", "b"),
			want: []Command{
				{Op: OpInsertBefore, ID: "x", RefID: "b", Item: synced("x")[0]},
			},
			result: []string{"a", "x", "b"},
		},
		{
			name:   "appended",
			source: synced("a", "b"),
			target: synced("a"),
			want: []Command{
				{Op: OpInsertBefore, ID: "b", Item: synced("b")[0]},
			},
			result: []string{"a", "b"},
		},
		{
			name:   "reordered",
			source: synced("b", "a"),
			target: synced("a", "b"),
			want: []Command{
				{Op: OpInsertBefore, ID: "b", RefID: "a", Item: synced("b")[0]},
				{Op: OpRemoveItem, ID: "b"},
			},
			result: []string{"b", "a"},
		},
		{
			name:   "into empty",
			source: synced("a", "b"),
			want: []Command{
				{Op: OpInsertBefore, ID: "a", Item: synced("a")[0]},
				{Op: OpInsertBefore, ID: "b", Item: synced("b")[0]},
			},
			result: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.source, tt.target)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.result, nodeIDs(Apply(tt.target, got)))
		})
	}
}

func TestMerge_StaleAnchorBecomesAppend(t *testing.T) {
	// y is anchored on the stale copy of a, which is removed after the walk.
	source := synced("a", "b", "y")
	target := synced("b", "a")

	got := Merge(source, target)
	want := []Command{
		{Op: OpInsertBefore, ID: "a", RefID: "b", Item: synced("a")[0]},
		{Op: OpInsertBefore, ID: "y", Item: synced("y")[0]},
		{Op: OpRemoveItem, ID: "a"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"a", "b", "y"}, nodeIDs(Apply(target, got)))
}

func TestMerge_PendingEntriesKeepTheirPlace(t *testing.T) {
	pending := SequenceItem{ID: "tmp1", Item: ir.Item{ID: "item-tmp1"}}
	target := []SequenceItem{synced("a")[0], pending, synced("b")[0]}
	source := synced("a", "b", "c")

	got := Apply(target, Merge(source, target))
	assert.Equal(t, []string{"a", "tmp1", "b", "c"}, nodeIDs(got))
	assert.False(t, got[1].InSync)
}

// randomCase builds a server list and a local list that shares some of its
// nodes in a shuffled order, plus local nodes the server dropped and
// pending local inserts.
func randomCase(r *rand.Rand) (source, target []SequenceItem) {
	n := r.Intn(12)
	for i := 0; i < n; i++ {
		source = append(source, synced(fmt.Sprintf("s%d", i))...)
	}
	for _, s := range source {
		if r.Intn(3) > 0 {
			target = append(target, s)
		}
	}
	gone := r.Intn(4)
	for i := 0; i < gone; i++ {
		target = append(target, synced(fmt.Sprintf("gone%d", i))...)
	}
	r.Shuffle(len(target), func(i, j int) { target[i], target[j] = target[j], target[i] })
	pending := r.Intn(3)
	for i := 0; i < pending; i++ {
		at := r.Intn(len(target) + 1)
		node := SequenceItem{ID: fmt.Sprintf("tmp%d", i), Item: ir.Item{ID: fmt.Sprintf("new%d", i)}}
		target = slices.Insert(target, at, node)
	}
	return source, target
}

func inSync(items []SequenceItem) []string {
	var out []string
	for _, it := range items {
		if it.InSync {
			out = append(out, it.ID)
		}
	}
	return out
}

func pendingIDs(items []SequenceItem) []string {
	var out []string
	for _, it := range items {
		if !it.InSync {
			out = append(out, it.ID)
		}
	}
	return out
}

func TestMerge_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		source, target := randomCase(r)
		result := Apply(target, Merge(source, target))

		require.Equal(t, nodeIDs(source), inSync(result), "case %d: in-sync nodes must equal the server list", i)
		require.Equal(t, pendingIDs(target), pendingIDs(result), "case %d: pending nodes must survive in order", i)
		require.Empty(t, Merge(source, result), "case %d: merge must be idempotent", i)
	}
}
