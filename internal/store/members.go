package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/tandem/internal/ir"
	"github.com/roach88/tandem/internal/query"
)

// AddMembers adds ids to the collection at kp. Ids already present keep their
// original position.
func (s *Store) AddMembers(ctx context.Context, kp ir.KeyPath, ids []string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO members (key_path, item_id, seq)
				VALUES (?, ?, ?)
				ON CONFLICT(key_path, item_id) DO NOTHING
			`, kp.String(), id, s.clock.Next())
			if err != nil {
				return fmt.Errorf("insert member %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add members: %w", err)
	}
	return nil
}

// RemoveMembers removes ids from the collection at kp. Absent ids are ignored.
func (s *Store) RemoveMembers(ctx context.Context, kp ir.KeyPath, ids []string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM members WHERE key_path = ? AND item_id = ?`, kp.String(), id)
			if err != nil {
				return fmt.Errorf("delete member %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove members: %w", err)
	}
	return nil
}

// Members returns the documents of the collection at kp in membership order.
// Members whose document has been deleted are skipped.
//
// Returns an empty slice (not nil) for an empty collection.
func (s *Store) Members(ctx context.Context, kp ir.KeyPath) ([]ir.Item, error) {
	return s.FindMembers(ctx, kp, nil)
}

// FindMembers returns member documents whose top-level fields equal filter.
func (s *Store) FindMembers(ctx context.Context, kp ir.KeyPath, filter ir.Doc) ([]ir.Item, error) {
	sqlText, params, err := query.NewCompiler().CompileFind(kp, filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	items := []ir.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}
