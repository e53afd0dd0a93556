package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"chatgram/internal/metrics"
)

func (s *Store) Get(ctx context.Context, path string) (Document, error) {
	if s == nil || s.db == nil {
		return Document{}, fmt.Errorf("db not initialized")
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return Document{}, err
	}

	q := `SELECT fields_json, server_time_ms FROM documents WHERE collection = ? AND id = ?;`

	var fieldsJSON string
	var serverTimeMs int64
	if err := s.db.QueryRowContext(ctx, s.rebind(q), collection, id).Scan(&fieldsJSON, &serverTimeMs); err != nil {
		if err == sql.ErrNoRows {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Document{}, err
	}

	return decodeDocument(collection, id, fieldsJSON, serverTimeMs)
}

// Set creates or overwrites the document at path. With merge, given fields
// are merged into the existing ones instead of replacing them wholesale.
func (s *Store) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, _, found, err := s.readForUpdate(ctx, tx, collection, id)
		if err != nil {
			return err
		}

		next := fields
		if merge && found {
			next = make(map[string]any, len(existing)+len(fields))
			for k, v := range existing {
				next[k] = v
			}
			for k, v := range fields {
				next[k] = v
			}
		}

		blob, err := json.Marshal(next)
		if err != nil {
			return err
		}

		if found {
			q := `UPDATE documents SET fields_json = ? WHERE collection = ? AND id = ?;`
			_, err = tx.ExecContext(ctx, s.rebind(q), string(blob), collection, id)
			return err
		}
		q := `INSERT INTO documents (collection, id, fields_json, server_time_ms) VALUES (?, ?, ?, ?);`
		_, err = tx.ExecContext(ctx, s.rebind(q), collection, id, string(blob), s.nextServerTime())
		return err
	})
	if err != nil {
		return err
	}

	metrics.DocumentWrites.WithLabelValues("set").Inc()
	s.notify(collection)
	return nil
}

// Add inserts a new document with a generated id and a store-assigned
// server time, and returns the id.
func (s *Store) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("db not initialized")
	}
	if collection == "" {
		return "", fmt.Errorf("collection must not be empty")
	}

	blob, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	q := `INSERT INTO documents (collection, id, fields_json, server_time_ms) VALUES (?, ?, ?, ?);`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), collection, id, string(blob), s.nextServerTime()); err != nil {
		return "", err
	}

	metrics.DocumentWrites.WithLabelValues("add").Inc()
	s.notify(collection)
	return id, nil
}

// Update merges fields into an existing document; ErrNotFound when absent.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, _, found, err := s.readForUpdate(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		for k, v := range fields {
			existing[k] = v
		}
		blob, err := json.Marshal(existing)
		if err != nil {
			return err
		}

		q := `UPDATE documents SET fields_json = ? WHERE collection = ? AND id = ?;`
		_, err = tx.ExecContext(ctx, s.rebind(q), string(blob), collection, id)
		return err
	})
	if err != nil {
		return err
	}

	metrics.DocumentWrites.WithLabelValues("update").Inc()
	s.notify(collection)
	return nil
}

// Delete removes the document at path. Deleting an absent document is a
// no-op, so cleanup paths stay idempotent.
func (s *Store) Delete(ctx context.Context, path string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	q := `DELETE FROM documents WHERE collection = ? AND id = ?;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), collection, id)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n > 0 {
		metrics.DocumentWrites.WithLabelValues("delete").Inc()
		s.notify(collection)
	}
	return nil
}

// Documents runs a one-shot query without establishing a subscription.
func (s *Store) Documents(ctx context.Context, q Query) ([]Document, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return s.eval(ctx, q)
}

func (s *Store) eval(ctx context.Context, q Query) ([]Document, error) {
	sqlQ := `SELECT id, fields_json, server_time_ms FROM documents WHERE collection = ? ORDER BY id;`

	rows, err := s.db.QueryContext(ctx, s.rebind(sqlQ), q.Collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, fieldsJSON string
		var serverTimeMs int64
		if err := rows.Scan(&id, &fieldsJSON, &serverTimeMs); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(q.Collection, id, fieldsJSON, serverTimeMs)
		if err != nil {
			return nil, err
		}
		if q.matches(doc) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	q.sortDocs(docs)
	return docs, nil
}

func (s *Store) readForUpdate(ctx context.Context, tx *sql.Tx, collection, id string) (fields map[string]any, serverTimeMs int64, found bool, err error) {
	q := `SELECT fields_json, server_time_ms FROM documents WHERE collection = ? AND id = ?;`

	var fieldsJSON string
	err = tx.QueryRowContext(ctx, s.rebind(q), collection, id).Scan(&fieldsJSON, &serverTimeMs)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, 0, false, err
	}
	return fields, serverTimeMs, true, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func decodeDocument(collection, id, fieldsJSON string, serverTimeMs int64) (Document, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return Document{}, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return Document{
		Collection:   collection,
		ID:           id,
		Fields:       fields,
		ServerTimeMs: serverTimeMs,
	}, nil
}
