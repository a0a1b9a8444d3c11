package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mickamy/pgaudit"
)

const demoTable = `
CREATE TABLE IF NOT EXISTS pgaudit_demo_orders (
    id          UUID PRIMARY KEY,
    customer_id UUID NOT NULL,
    amount      NUMERIC(10,2) NOT NULL,
    status      TEXT NOT NULL
)`

// demo writes an insert, an update and a delete in one transaction and prints the resulting activity.
func demo(ctx context.Context, db *sql.DB, m *pgaudit.Manager, log *zap.Logger, w io.Writer) error {
	if _, err := db.ExecContext(ctx, demoTable); err != nil {
		return fmt.Errorf("creating demo table: %w", err)
	}
	if err := m.Install(ctx, db, "pgaudit_demo_orders"); err != nil {
		return err
	}

	// A configured actor table makes actor_id a foreign key, which a free-form name cannot satisfy.
	if !m.HasActorTable() {
		ctx = pgaudit.WithActor(ctx, "demo-user")
	} else {
		log.Info("actor table configured, demo runs without an actor", zap.String("actor_type", m.ActorColumnType()))
	}
	ctx = pgaudit.WithClientAddr(ctx, "127.0.0.1")

	tx, err := m.WrapDB(db).BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	id := uuid.NewString()
	steps := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO pgaudit_demo_orders (id, customer_id, amount, status) VALUES ($1, $2, $3, $4)`,
			[]any{id, uuid.NewString(), 1200.00, "new"}},
		{`UPDATE pgaudit_demo_orders SET status = $1, amount = $2 WHERE id = $3`,
			[]any{"paid", 1500.00, id}},
		{`DELETE FROM pgaudit_demo_orders WHERE id = $1`, []any{id}},
	}
	for _, s := range steps {
		if _, err := tx.ExecContext(ctx, s.sql, s.args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("demo statement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	acts, err := m.FindActivities(ctx, db, pgaudit.Filter{Table: "pgaudit_demo_orders", DataEquals: map[string]any{"id": id}})
	if err != nil {
		return err
	}
	log.Info("demo complete", zap.String("order_id", id), zap.Int("activities", len(acts)))
	for i := len(acts) - 1; i >= 0; i-- {
		a := acts[i]
		fmt.Fprintf(w, "%s verb=%s actor=%s changes=%v\n", a, a.Verb, deref(a.ActorID), a.Changes())
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
