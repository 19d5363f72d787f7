package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/ir"
)

// NodeKind classifies a ListContainer node.
type NodeKind string

const (
	KindNormal    NodeKind = "normal"
	KindBegin     NodeKind = "begin"
	KindEnd       NodeKind = "end"
	KindTombstone NodeKind = "tombstone"
)

// Node is one persistent list node of a sequence.
type Node struct {
	ID      string
	SeqKey  string
	Prev    string
	Next    string
	Kind    NodeKind
	ItemKey string
}

// Live reports whether the node is a normal, non-deleted node.
func (n Node) Live() bool { return n.Kind == KindNormal }

// InsertBefore places itemID in the sequence at kp immediately before the
// node identified by refID, creating the sentinels on first use.
//
// refID is resolved as a node id of this sequence first, then as an item id
// via FindContainerOfModel. An empty refID appends at the end. An unknown
// reference is a ConsistencyError.
func (s *Store) InsertBefore(ctx context.Context, kp ir.KeyPath, refID, itemID string) (Node, error) {
	seqKey := kp.String()
	var node Node

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, end, err := s.ensureSentinels(ctx, tx, seqKey)
		if err != nil {
			return err
		}

		ref := end
		if refID != "" {
			found, err := resolveNode(ctx, tx, seqKey, refID)
			if err != nil {
				return err
			}
			if found == nil {
				return ir.NewConsistencyError("insertBefore reference not found", kp, refID)
			}
			if found.Kind == KindBegin {
				return ir.NewConsistencyError("cannot insert before the begin sentinel", kp, refID)
			}
			ref = *found
		}

		node = Node{
			ID:      s.newID(),
			SeqKey:  seqKey,
			Prev:    ref.Prev,
			Next:    ref.ID,
			Kind:    KindNormal,
			ItemKey: itemID,
		}
		if err := insertNode(ctx, tx, node); err != nil {
			return err
		}
		if err := setNext(ctx, tx, ref.Prev, node.ID); err != nil {
			return err
		}
		if err := setPrev(ctx, tx, ref.ID, node.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Node{}, fmt.Errorf("insert before: %w", err)
	}

	s.logger.Debug("sequence insert", "seq", seqKey, "node", node.ID, "item", itemID, "before", node.Next)
	return node, nil
}

// DeleteItem tombstones the node identified by id (node id, else item id).
// Links are left intact. A missing node or one already tombstoned is a
// ConsistencyError.
func (s *Store) DeleteItem(ctx context.Context, kp ir.KeyPath, id string) (Node, error) {
	seqKey := kp.String()
	var node Node

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		found, err := resolveNode(ctx, tx, seqKey, id)
		if err != nil {
			return err
		}
		if found == nil {
			dead, err := hasTombstoneFor(ctx, tx, seqKey, id)
			if err != nil {
				return err
			}
			if dead {
				return ir.NewConsistencyError("item already deleted", kp, id)
			}
			return ir.NewNotFoundError(kp, id)
		}
		switch found.Kind {
		case KindTombstone:
			return ir.NewConsistencyError("item already deleted", kp, id)
		case KindBegin, KindEnd:
			return ir.NewConsistencyError("cannot delete a sentinel", kp, id)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE list_containers SET kind = ? WHERE id = ?`, KindTombstone, found.ID); err != nil {
			return fmt.Errorf("tombstone node: %w", err)
		}
		node = *found
		node.Kind = KindTombstone
		return nil
	})
	if err != nil {
		return Node{}, fmt.Errorf("delete item: %w", err)
	}
	return node, nil
}

// First returns the first live node, or nil for an empty sequence.
func (s *Store) First(ctx context.Context, kp ir.KeyPath) (*Node, error) {
	begin, err := sentinel(ctx, s.db, kp.String(), KindBegin)
	if err != nil || begin == nil {
		return nil, err
	}
	return walk(ctx, s.db, *begin, forward)
}

// Last returns the last live node, or nil for an empty sequence.
func (s *Store) Last(ctx context.Context, kp ir.KeyPath) (*Node, error) {
	end, err := sentinel(ctx, s.db, kp.String(), KindEnd)
	if err != nil || end == nil {
		return nil, err
	}
	return walk(ctx, s.db, *end, backward)
}

// Next returns the live node after id, hopping tombstones, or nil at the end.
// id may itself name a tombstone.
func (s *Store) Next(ctx context.Context, kp ir.KeyPath, id string) (*Node, error) {
	return s.step(ctx, kp, id, forward)
}

// Prev returns the live node before id, hopping tombstones, or nil at the
// beginning.
func (s *Store) Prev(ctx context.Context, kp ir.KeyPath, id string) (*Node, error) {
	return s.step(ctx, kp, id, backward)
}

func (s *Store) step(ctx context.Context, kp ir.KeyPath, id string, dir direction) (*Node, error) {
	from, err := resolveAny(ctx, s.db, kp.String(), id)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, ir.NewNotFoundError(kp, id)
	}
	return walk(ctx, s.db, *from, dir)
}

// All returns the live nodes of the sequence from begin to end.
//
// Returns an empty slice (not nil) for an empty or missing sequence.
func (s *Store) All(ctx context.Context, kp ir.KeyPath) ([]Node, error) {
	return allNodes(ctx, s.db, kp.String())
}

// Entries returns the live nodes of the sequence joined with their documents
// from the sequence's model bucket. Nodes whose document is missing yield an
// item carrying only its id.
func (s *Store) Entries(ctx context.Context, kp ir.KeyPath) ([]ir.SeqEntry, error) {
	nodes, err := s.All(ctx, kp)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ItemKey
	}
	docs, err := s.FetchDocs(ctx, kp.Model(), ids)
	if err != nil {
		return nil, err
	}

	entries := make([]ir.SeqEntry, len(nodes))
	for i, n := range nodes {
		entries[i] = s.Entry(n, docs)
	}
	return entries, nil
}

// Entry pairs a node with its document from docs.
func (s *Store) Entry(n Node, docs map[string]ir.Item) ir.SeqEntry {
	item, ok := docs[n.ItemKey]
	if !ok {
		item = ir.Item{ID: n.ItemKey, Persisted: true}
	}
	return ir.SeqEntry{ID: n.ID, Item: item}
}

// FindContainerOfModel returns the first live node of the sequence that
// references itemID, scanning the sequence's node-id array in allocation
// order. Returns nil when no live node references it.
func (s *Store) FindContainerOfModel(ctx context.Context, kp ir.KeyPath, itemID string) (*Node, error) {
	return findContainerOfModel(ctx, s.db, kp.String(), itemID)
}

// Compact unlinks and removes every tombstone of the sequence at kp and
// returns how many were reaped. Clients holding a reaped node id get
// NOT_FOUND on traversal from it and resync.
func (s *Store) Compact(ctx context.Context, kp ir.KeyPath) (int, error) {
	seqKey := kp.String()
	reaped := 0

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		begin, err := sentinel(ctx, tx, seqKey, KindBegin)
		if err != nil || begin == nil {
			return err
		}

		last := *begin
		cur := begin.Next
		for cur != "" {
			n, err := getNode(ctx, tx, cur)
			if err != nil {
				return err
			}
			if n == nil {
				return fmt.Errorf("broken link %s -> %s", last.ID, cur)
			}
			if n.Kind == KindTombstone {
				// the node-id array is pruned explicitly; the cascade only
				// fires on connections with foreign_keys enabled
				if _, err := tx.ExecContext(ctx, `DELETE FROM sequence_nodes WHERE node_id = ?`, n.ID); err != nil {
					return fmt.Errorf("prune node id: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM list_containers WHERE id = ?`, n.ID); err != nil {
					return fmt.Errorf("delete tombstone: %w", err)
				}
				reaped++
				cur = n.Next
				continue
			}
			if n.Prev != last.ID {
				if err := setPrev(ctx, tx, n.ID, last.ID); err != nil {
					return err
				}
				if err := setNext(ctx, tx, last.ID, n.ID); err != nil {
					return err
				}
			}
			if n.Kind == KindEnd {
				break
			}
			last = *n
			cur = n.Next
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}

	s.logger.Info("sequence compacted", "seq", seqKey, "reaped", reaped)
	return reaped, nil
}

// HasSequence reports whether a sequence exists at kp, i.e. something was
// ever inserted into it.
func (s *Store) HasSequence(ctx context.Context, kp ir.KeyPath) (bool, error) {
	begin, err := sentinel(ctx, s.db, kp.String(), KindBegin)
	if err != nil {
		return false, err
	}
	return begin != nil, nil
}

// SequenceKeys lists the key paths of every sequence that has sentinels.
func (s *Store) SequenceKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq_key FROM list_containers
		WHERE kind = ?
		ORDER BY seq_key COLLATE BINARY ASC
	`, KindBegin)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan sequence key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sequences: %w", err)
	}
	return keys, nil
}

// Chain returns every node of the sequence, sentinels and tombstones
// included, in link order. Used for inspection.
func (s *Store) Chain(ctx context.Context, kp ir.KeyPath) ([]Node, error) {
	begin, err := sentinel(ctx, s.db, kp.String(), KindBegin)
	if err != nil {
		return nil, err
	}
	nodes := []Node{}
	if begin == nil {
		return nodes, nil
	}
	nodes = append(nodes, *begin)
	cur := begin.Next
	for cur != "" {
		n, err := getNode(ctx, s.db, cur)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, fmt.Errorf("chain: broken link to %s", cur)
		}
		nodes = append(nodes, *n)
		cur = n.Next
	}
	return nodes, nil
}

type direction bool

const (
	forward  direction = true
	backward direction = false
)

// walk moves one live hop from n in dir, skipping tombstones. It returns nil
// on reaching a sentinel.
func walk(ctx context.Context, q querier, n Node, dir direction) (*Node, error) {
	cur := n
	for {
		link := cur.Next
		if dir == backward {
			link = cur.Prev
		}
		if link == "" {
			return nil, nil
		}
		next, err := getNode(ctx, q, link)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("broken link %s -> %s", cur.ID, link)
		}
		switch next.Kind {
		case KindBegin, KindEnd:
			return nil, nil
		case KindTombstone:
			cur = *next
			continue
		}
		return next, nil
	}
}

func allNodes(ctx context.Context, q querier, seqKey string) ([]Node, error) {
	nodes := []Node{}
	begin, err := sentinel(ctx, q, seqKey, KindBegin)
	if err != nil || begin == nil {
		return nodes, err
	}
	cur := *begin
	for {
		n, err := walk(ctx, q, cur, forward)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nodes, nil
		}
		nodes = append(nodes, *n)
		cur = *n
	}
}

// ensureSentinels returns the begin and end nodes, creating both if absent.
func (s *Store) ensureSentinels(ctx context.Context, tx *sql.Tx, seqKey string) (Node, Node, error) {
	begin, err := sentinel(ctx, tx, seqKey, KindBegin)
	if err != nil {
		return Node{}, Node{}, err
	}
	if begin != nil {
		end, err := sentinel(ctx, tx, seqKey, KindEnd)
		if err != nil {
			return Node{}, Node{}, err
		}
		if end == nil {
			return Node{}, Node{}, fmt.Errorf("sequence %s has begin but no end", seqKey)
		}
		return *begin, *end, nil
	}

	b := Node{ID: s.newID(), SeqKey: seqKey, Kind: KindBegin}
	e := Node{ID: s.newID(), SeqKey: seqKey, Kind: KindEnd}
	b.Next = e.ID
	e.Prev = b.ID
	if err := insertNode(ctx, tx, b); err != nil {
		return Node{}, Node{}, err
	}
	if err := insertNode(ctx, tx, e); err != nil {
		return Node{}, Node{}, err
	}
	return b, e, nil
}

// resolveNode finds the node addressed by ref: a node id of this sequence,
// else the first live node referencing ref as an item id.
func resolveNode(ctx context.Context, q querier, seqKey, ref string) (*Node, error) {
	n, err := getNode(ctx, q, ref)
	if err != nil {
		return nil, err
	}
	if n != nil && n.SeqKey == seqKey {
		return n, nil
	}
	return findContainerOfModel(ctx, q, seqKey, ref)
}

// resolveAny is resolveNode that also accepts tombstoned item references,
// so traversal can start from an item deleted after the caller saw it.
func resolveAny(ctx context.Context, q querier, seqKey, ref string) (*Node, error) {
	n, err := resolveNode(ctx, q, seqKey, ref)
	if err != nil || n != nil {
		return n, err
	}
	return scanNodeRow(q.QueryRowContext(ctx, `
		SELECT lc.id, lc.seq_key, lc.prev, lc.next, lc.kind, lc.item_key
		FROM sequence_nodes sn
		JOIN list_containers lc ON lc.id = sn.node_id
		WHERE sn.seq_key = ? AND lc.item_key = ?
		ORDER BY sn.ord DESC
		LIMIT 1
	`, seqKey, ref))
}

func findContainerOfModel(ctx context.Context, q querier, seqKey, itemID string) (*Node, error) {
	return scanNodeRow(q.QueryRowContext(ctx, `
		SELECT lc.id, lc.seq_key, lc.prev, lc.next, lc.kind, lc.item_key
		FROM sequence_nodes sn
		JOIN list_containers lc ON lc.id = sn.node_id
		WHERE sn.seq_key = ? AND lc.item_key = ? AND lc.kind = ?
		ORDER BY sn.ord ASC
		LIMIT 1
	`, seqKey, itemID, KindNormal))
}

func hasTombstoneFor(ctx context.Context, q querier, seqKey, itemID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM list_containers
		WHERE seq_key = ? AND item_key = ? AND kind = ?
	`, seqKey, itemID, KindTombstone).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count tombstones: %w", err)
	}
	return n > 0, nil
}

func sentinel(ctx context.Context, q querier, seqKey string, kind NodeKind) (*Node, error) {
	return scanNodeRow(q.QueryRowContext(ctx, `
		SELECT id, seq_key, prev, next, kind, item_key
		FROM list_containers
		WHERE seq_key = ? AND kind = ?
	`, seqKey, kind))
}

func getNode(ctx context.Context, q querier, id string) (*Node, error) {
	return scanNodeRow(q.QueryRowContext(ctx, `
		SELECT id, seq_key, prev, next, kind, item_key
		FROM list_containers
		WHERE id = ?
	`, id))
}

// scanNodeRow scans one node row; sql.ErrNoRows yields (nil, nil).
func scanNodeRow(row *sql.Row) (*Node, error) {
	var n Node
	err := row.Scan(&n.ID, &n.SeqKey, &n.Prev, &n.Next, &n.Kind, &n.ItemKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	return &n, nil
}

// insertNode writes the node row and, for item nodes, appends its id to the
// sequence's node-id array.
func insertNode(ctx context.Context, tx *sql.Tx, n Node) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO list_containers (id, seq_key, prev, next, kind, item_key)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.SeqKey, n.Prev, n.Next, n.Kind, n.ItemKey)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	if n.Kind != KindNormal {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sequence_nodes (seq_key, ord, node_id)
		VALUES (?, (SELECT COALESCE(MAX(ord), 0) + 1 FROM sequence_nodes WHERE seq_key = ?), ?)
	`, n.SeqKey, n.SeqKey, n.ID)
	if err != nil {
		return fmt.Errorf("append node id: %w", err)
	}
	return nil
}

func setNext(ctx context.Context, tx *sql.Tx, id, next string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE list_containers SET next = ? WHERE id = ?`, next, id); err != nil {
		return fmt.Errorf("set next: %w", err)
	}
	return nil
}

func setPrev(ctx context.Context, tx *sql.Tx, id, prev string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE list_containers SET prev = ? WHERE id = ?`, prev, id); err != nil {
		return fmt.Errorf("set prev: %w", err)
	}
	return nil
}
