package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// GraphWriter inserts schedule rows inside a static replacement transaction.
type GraphWriter struct {
	ctx    context.Context
	tx     *sqlx.Tx
	mode   string
	stmts  map[Entity]*sqlx.NamedStmt
	counts map[Entity]int
}

// Insert adds one row of entity e. row must be the matching record struct.
func (w *GraphWriter) Insert(e Entity, row any) error {
	stmt, ok := w.stmts[e]
	if !ok {
		p := ModePolicy(w.mode, e)
		var err error
		stmt, err = w.tx.PrepareNamedContext(w.ctx, p.InsertSQL())
		if err != nil {
			return fmt.Errorf("prepare %s: %w", p.Table, err)
		}
		w.stmts[e] = stmt
	}
	if _, err := stmt.ExecContext(w.ctx, row); err != nil {
		return fmt.Errorf("insert %s: %w", Table(w.mode, e), err)
	}
	w.counts[e]++
	return nil
}

// Count returns how many rows of e were inserted so far.
func (w *GraphWriter) Count(e Entity) int { return w.counts[e] }

// Exec runs an arbitrary statement inside the replacement transaction.
// {m} in query is replaced by the mode name.
func (w *GraphWriter) Exec(query string, args ...any) error {
	_, err := w.tx.ExecContext(w.ctx, modeSQL(query, w.mode), args...)
	return err
}

// Select runs a query inside the replacement transaction.
func (w *GraphWriter) Select(dest any, query string, args ...any) error {
	return w.tx.SelectContext(w.ctx, dest, modeSQL(query, w.mode), args...)
}

func (w *GraphWriter) close() {
	for _, s := range w.stmts {
		s.Close()
	}
}

// ReplaceStaticGraph atomically replaces the schedule graph of mode.
//
// Under the mode's exclusive guard it deletes every schedule table in reverse
// dependency order, lets fill insert the new graph, prunes live rows whose
// trip disappeared, records the import time and bumps the graph version. Any error from fill or the
// database rolls everything back, leaving the previous graph in place.
func (db *DB) ReplaceStaticGraph(ctx context.Context, mode string, fill func(w *GraphWriter) error) (map[Entity]int, error) {
	g, err := db.guard(mode)
	if err != nil {
		return nil, err
	}
	db.reload.Lock()
	defer db.reload.Unlock()
	g.Lock()
	defer g.Unlock()

	w := &GraphWriter{
		ctx:    ctx,
		mode:   mode,
		stmts:  make(map[Entity]*sqlx.NamedStmt),
		counts: make(map[Entity]int),
	}

	err = db.inTx(ctx, func(tx *sqlx.Tx) error {
		w.tx = tx
		defer w.close()

		for i := len(StaticGraph) - 1; i >= 0; i-- {
			t := Table(mode, StaticGraph[i])
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("clear %s: %w", t, err)
			}
		}

		if err := fill(w); err != nil {
			return err
		}

		// Live rows are checked against trips at commit (deferred keys).
		for _, e := range []Entity{LiveTripUpdates, LiveVehicles} {
			t := Table(mode, e)
			res, err := tx.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE trip_id NOT IN (SELECT trip_id FROM %s)`, t, Table(mode, Trips)))
			if err != nil {
				return fmt.Errorf("prune %s: %w", t, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				db.logger.Warn("pruned live rows for removed trips", "mode", mode, "table", t, "rows", n)
			}
		}

		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES (?, ?)`,
			MetadataKey(mode, "imported_at"), now); err != nil {
			return fmt.Errorf("set imported_at: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feed_metadata (key, value) VALUES (?, '1')
			 ON CONFLICT (key) DO UPDATE SET value = CAST(value AS INTEGER) + 1`,
			MetadataKey(mode, "graph_version")); err != nil {
			return fmt.Errorf("bump graph_version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.counts, nil
}
