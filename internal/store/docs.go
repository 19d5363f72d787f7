package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tandem/internal/ir"
)

// CreateDoc stores doc under a freshly allocated id in bucket.
// The returned item carries the permanent id, rev 1 and Persisted=true.
func (s *Store) CreateDoc(ctx context.Context, bucket string, doc ir.Doc) (ir.Item, error) {
	body, err := ir.MarshalCanonical(docOrEmpty(doc))
	if err != nil {
		return ir.Item{}, fmt.Errorf("create doc: %w", err)
	}

	id := s.newID()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO docs (bucket, id, rev, doc, seq)
		VALUES (?, ?, 1, ?, ?)
	`, bucket, id, string(body), s.clock.Next())
	if err != nil {
		return ir.Item{}, fmt.Errorf("create doc: %w", err)
	}

	return ir.Item{ID: id, Rev: 1, Persisted: true, Doc: docOrEmpty(doc).Clone()}, nil
}

// PutDoc upserts the document and increments its revision.
//
// When expectRev is non-zero the write only succeeds if the stored revision
// equals it (0 for a document that does not exist yet); otherwise a
// ConflictError is returned and nothing is written.
func (s *Store) PutDoc(ctx context.Context, bucket, id string, doc ir.Doc, expectRev int64) (ir.Item, error) {
	body, err := ir.MarshalCanonical(docOrEmpty(doc))
	if err != nil {
		return ir.Item{}, fmt.Errorf("put doc: %w", err)
	}

	var item ir.Item
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var have int64
		err := tx.QueryRowContext(ctx,
			`SELECT rev FROM docs WHERE bucket = ? AND id = ?`, bucket, id).Scan(&have)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read rev: %w", err)
		}
		if expectRev != 0 && expectRev != have {
			return ir.NewConflictError(ir.NewKeyPath(bucket, id), id, expectRev, have)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO docs (bucket, id, rev, doc, seq)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(bucket, id) DO UPDATE SET
				rev = docs.rev + 1,
				doc = excluded.doc,
				seq = excluded.seq
		`, bucket, id, string(body), s.clock.Next())
		if err != nil {
			return fmt.Errorf("upsert doc: %w", err)
		}

		item = ir.Item{ID: id, Rev: have + 1, Persisted: true, Doc: docOrEmpty(doc).Clone()}
		return nil
	})
	if err != nil {
		return ir.Item{}, fmt.Errorf("put doc: %w", err)
	}
	return item, nil
}

// FetchDoc reads one document. A missing document is a NOT_FOUND
// ConsistencyError.
func (s *Store) FetchDoc(ctx context.Context, bucket, id string) (ir.Item, error) {
	return fetchDoc(ctx, s.db, bucket, id)
}

func fetchDoc(ctx context.Context, q querier, bucket, id string) (ir.Item, error) {
	var (
		rev  int64
		body string
	)
	err := q.QueryRowContext(ctx,
		`SELECT rev, doc FROM docs WHERE bucket = ? AND id = ?`, bucket, id).Scan(&rev, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Item{}, ir.NewNotFoundError(ir.NewKeyPath(bucket, id), id)
	}
	if err != nil {
		return ir.Item{}, fmt.Errorf("fetch doc: %w", err)
	}

	doc, err := ir.UnmarshalDoc([]byte(body))
	if err != nil {
		return ir.Item{}, fmt.Errorf("fetch doc %s/%s: %w", bucket, id, err)
	}
	return ir.Item{ID: id, Rev: rev, Persisted: true, Doc: doc}, nil
}

// FetchDocs reads several documents of one bucket. Missing ids are absent
// from the result map.
func (s *Store) FetchDocs(ctx context.Context, bucket string, ids []string) (map[string]ir.Item, error) {
	return fetchDocs(ctx, s.db, bucket, ids)
}

func fetchDocs(ctx context.Context, q querier, bucket string, ids []string) (map[string]ir.Item, error) {
	out := make(map[string]ir.Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, bucket)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := q.QueryContext(ctx, `
		SELECT id, rev, doc FROM docs
		WHERE bucket = ? AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch docs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate docs: %w", err)
	}
	return out, nil
}

// DeleteDoc removes a document. Deleting a missing document is not an error.
func (s *Store) DeleteDoc(ctx context.Context, bucket, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM docs WHERE bucket = ? AND id = ?`, bucket, id)
	if err != nil {
		return fmt.Errorf("delete doc: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanItem reads (id, rev, doc) columns.
func scanItem(row rowScanner) (ir.Item, error) {
	var (
		item ir.Item
		body string
	)
	if err := row.Scan(&item.ID, &item.Rev, &body); err != nil {
		return ir.Item{}, fmt.Errorf("scan doc: %w", err)
	}
	doc, err := ir.UnmarshalDoc([]byte(body))
	if err != nil {
		return ir.Item{}, fmt.Errorf("scan doc %s: %w", item.ID, err)
	}
	item.Doc = doc
	item.Persisted = true
	return item, nil
}

func docOrEmpty(d ir.Doc) ir.Doc {
	if d == nil {
		return ir.Doc{}
	}
	return d
}
