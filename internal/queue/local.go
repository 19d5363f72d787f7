package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/tandem/internal/ir"
)

// Cache is the persisted key/value store the queue writes through to.
// Implemented by *localstore.Store.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
	Rename(from, to string) bool
	Keys() []string
	PutMeta(ctx context.Context, key string, value []byte) error
	Meta(ctx context.Context, key string) ([]byte, bool, error)
}

const (
	docPrefix   = "doc/"
	groupPrefix = "group/"
)

// groupRecord is the cached shape of a collection or sequence.
type groupRecord struct {
	Sequence bool       `json:"sequence,omitempty"`
	IDs      []string   `json:"ids,omitempty"`
	Entries  []entryRef `json:"entries,omitempty"`
}

// entryRef is one cached sequence position: list node id and item id.
type entryRef struct {
	ID     string `json:"id"`
	ItemID string `json:"itemId"`
}

// local is the queue's view of the cache: documents keyed by bucket and id,
// groups keyed by their key path. Items of a group live in the bucket named
// by the group's model.
type local struct {
	cache  Cache
	logger *slog.Logger
}

func docKey(bucket, id string) string {
	return docPrefix + ir.NewKeyPath(bucket, id).String()
}

func groupKey(kp ir.KeyPath) string {
	return groupPrefix + kp.String()
}

func (l *local) getJSON(key string, v any) bool {
	data, ok := l.cache.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		l.logger.Warn("local cache entry unreadable", "key", key, "error", err)
		return false
	}
	return true
}

func (l *local) setJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		l.logger.Warn("local cache encode failed", "key", key, "error", err)
		return
	}
	l.cache.Set(key, data)
}

func (l *local) doc(bucket, id string) (ir.Item, bool) {
	var item ir.Item
	ok := l.getJSON(docKey(bucket, id), &item)
	return item, ok
}

func (l *local) setDoc(bucket string, item ir.Item) {
	l.setJSON(docKey(bucket, item.ID), item)
}

func (l *local) group(kp ir.KeyPath) (groupRecord, bool) {
	var g groupRecord
	ok := l.getJSON(groupKey(kp), &g)
	return g, ok
}

func (l *local) setGroup(kp ir.KeyPath, g groupRecord) {
	l.setJSON(groupKey(kp), g)
}

// apply writes a mutating request through to the cache optimistically.
func (l *local) apply(req ir.Request) {
	kp := req.KeyPath
	switch req.Cmd {
	case ir.CmdCreate:
		l.setDoc(kp.Model(), ir.Item{ID: req.TempID, Doc: req.Doc.Clone()})

	case ir.CmdPut:
		item, _ := l.doc(kp.Model(), kp.Last())
		item.ID = kp.Last()
		item.Doc = req.Doc.Clone()
		l.setDoc(kp.Model(), item)

	case ir.CmdDel:
		l.cache.Delete(docKey(kp.Model(), kp.Last()))

	case ir.CmdAdd:
		g, _ := l.group(kp)
		for _, id := range req.IDs {
			if !slices.Contains(g.IDs, id) {
				g.IDs = append(g.IDs, id)
			}
		}
		l.setGroup(kp, g)

	case ir.CmdRemove:
		g, ok := l.group(kp)
		if !ok {
			return
		}
		g.IDs = slices.DeleteFunc(g.IDs, func(id string) bool { return slices.Contains(req.IDs, id) })
		l.setGroup(kp, g)

	case ir.CmdInsertBefore:
		g, _ := l.group(kp)
		g.Sequence = true
		ref := entryRef{ID: req.TempID, ItemID: req.ItemID}
		at := g.indexOf(req.RefID)
		if req.RefID == "" || at < 0 {
			g.Entries = append(g.Entries, ref)
		} else {
			g.Entries = slices.Insert(g.Entries, at, ref)
		}
		l.setGroup(kp, g)

	case ir.CmdDeleteItem:
		g, ok := l.group(kp)
		if !ok {
			return
		}
		if at := g.indexOf(req.ID); at >= 0 {
			g.Entries = slices.Delete(g.Entries, at, at+1)
			l.setGroup(kp, g)
		}
	}
}

// record writes a confirmed response through to the cache.
func (l *local) record(req ir.Request, resp *ir.Response) {
	if resp == nil {
		return
	}
	kp := req.KeyPath
	bucket := kp.Model()

	if resp.Item != nil {
		l.setDoc(bucket, *resp.Item)
	}
	for _, item := range resp.Items {
		l.setDoc(bucket, item)
	}
	if resp.Entry != nil {
		l.setDoc(bucket, resp.Entry.Item)
	}
	for _, e := range resp.Entries {
		l.setDoc(bucket, e.Item)
	}

	if req.Cmd != ir.CmdAll {
		return
	}
	if resp.Sequence {
		g := groupRecord{Sequence: true, Entries: make([]entryRef, len(resp.Entries))}
		for i, e := range resp.Entries {
			g.Entries[i] = entryRef{ID: e.ID, ItemID: e.Item.ID}
		}
		l.setGroup(kp, g)
		return
	}
	g := groupRecord{IDs: make([]string, len(resp.Items))}
	for i, item := range resp.Items {
		g.IDs[i] = item.ID
	}
	l.setGroup(kp, g)
}

// read answers a read request from the cache alone.
func (l *local) read(req ir.Request) (*ir.Response, error) {
	kp := req.KeyPath
	bucket := kp.Model()

	if req.Cmd == ir.CmdFetch {
		item, ok := l.doc(bucket, kp.Last())
		if !ok {
			return nil, ir.NewNotFoundError(kp, kp.Last())
		}
		return &ir.Response{Item: &item}, nil
	}

	g, ok := l.group(kp)
	if !ok {
		return nil, ir.NewNotFoundError(kp, "")
	}

	switch req.Cmd {
	case ir.CmdAll:
		if g.Sequence {
			return &ir.Response{Sequence: true, Entries: l.entries(bucket, g.Entries)}, nil
		}
		return &ir.Response{Items: l.items(bucket, g.IDs)}, nil

	case ir.CmdFind:
		var matched []ir.Item
		for _, item := range l.items(bucket, g.IDs) {
			if matches(item.Doc, req.Query) {
				matched = append(matched, item)
			}
		}
		return &ir.Response{Items: matched}, nil

	case ir.CmdFirst, ir.CmdLast:
		resp := &ir.Response{Sequence: true}
		if len(g.Entries) == 0 {
			return resp, nil
		}
		e := g.Entries[0]
		if req.Cmd == ir.CmdLast {
			e = g.Entries[len(g.Entries)-1]
		}
		resp.Entry = &l.entries(bucket, []entryRef{e})[0]
		return resp, nil

	case ir.CmdNext, ir.CmdPrev:
		at := g.indexOf(req.ID)
		if at < 0 {
			return nil, ir.NewNotFoundError(kp, req.ID)
		}
		if req.Cmd == ir.CmdNext {
			at++
		} else {
			at--
		}
		resp := &ir.Response{Sequence: true}
		if at >= 0 && at < len(g.Entries) {
			resp.Entry = &l.entries(bucket, g.Entries[at:at+1])[0]
		}
		return resp, nil
	}
	return nil, ir.NewValidationError("not a read command: "+string(req.Cmd), kp)
}

func (l *local) items(bucket string, ids []string) []ir.Item {
	out := make([]ir.Item, 0, len(ids))
	for _, id := range ids {
		item, ok := l.doc(bucket, id)
		if !ok {
			item = ir.Item{ID: id}
		}
		out = append(out, item)
	}
	return out
}

func (l *local) entries(bucket string, refs []entryRef) []ir.SeqEntry {
	out := make([]ir.SeqEntry, 0, len(refs))
	for _, r := range refs {
		item, ok := l.doc(bucket, r.ItemID)
		if !ok {
			item = ir.Item{ID: r.ItemID}
		}
		out = append(out, ir.SeqEntry{ID: r.ID, Item: item})
	}
	return out
}

// rename replaces a temporary id with its permanent id in every cached
// document key, group key and group record.
func (l *local) rename(from, to string) {
	for _, key := range l.cache.Keys() {
		switch {
		case strings.HasPrefix(key, docPrefix):
			kp, err := ir.ParseKeyPath(strings.TrimPrefix(key, docPrefix))
			if err != nil || kp.Last() != from {
				continue
			}
			item, ok := l.doc(kp.Model(), from)
			if !ok {
				continue
			}
			l.cache.Delete(key)
			item.ID = to
			item.Persisted = true
			l.setDoc(kp.Model(), item)

		case strings.HasPrefix(key, groupPrefix):
			kp, err := ir.ParseKeyPath(strings.TrimPrefix(key, groupPrefix))
			if err != nil {
				continue
			}
			g, ok := l.group(kp)
			if !ok {
				continue
			}
			changed := g.rewrite(from, to)
			if renamed, ok := kp.Rewrite(from, to); ok {
				l.cache.Delete(key)
				kp = renamed
				changed = true
			}
			if changed {
				l.setGroup(kp, g)
			}
		}
	}
}

// indexOf finds a sequence position by node id, else by item id.
func (g groupRecord) indexOf(id string) int {
	if id == "" {
		return -1
	}
	if i := slices.IndexFunc(g.Entries, func(e entryRef) bool { return e.ID == id }); i >= 0 {
		return i
	}
	return slices.IndexFunc(g.Entries, func(e entryRef) bool { return e.ItemID == id })
}

func (g *groupRecord) rewrite(from, to string) bool {
	changed := false
	for i, id := range g.IDs {
		if id == from {
			g.IDs[i] = to
			changed = true
		}
	}
	for i := range g.Entries {
		if g.Entries[i].ID == from {
			g.Entries[i].ID = to
			changed = true
		}
		if g.Entries[i].ItemID == from {
			g.Entries[i].ItemID = to
			changed = true
		}
	}
	return changed
}

// matches reports whether every field of query equals the field of doc.
func matches(doc, query ir.Doc) bool {
	for k, want := range query {
		have, ok := doc[k]
		if !ok && want != nil {
			return false
		}
		if !equalScalar(have, want) {
			return false
		}
	}
	return true
}

func equalScalar(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
