package pgaudit

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mickamy/pgaudit/internal/buffer"
	"github.com/mickamy/pgaudit/internal/ident"
	"github.com/mickamy/pgaudit/internal/pgtext"
	"github.com/mickamy/pgaudit/internal/query"
)

const (
	activityTableName  = "activity"
	defaultSkipSetting = "pgaudit.skip"
)

// Conn is satisfied by *sql.DB, *sql.Tx, *sql.Conn and gorm.ConnPool.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config defines the main configuration options for pgaudit.
type Config struct {
	SchemaName   string            // schema for the activity table and helper functions; empty uses search_path
	Actor        any               // actor table as name, TableNamer or struct; nil keeps actor_id as TEXT
	Values       map[string]any    // default activity values; constants, func() any or func(context.Context) any
	ExtraColumns map[string]string // additional activity columns and their SQL types
	SkipSetting  string            // setting that disables capture when 'on' (default: pgaudit.skip)
	Logger       *zap.Logger
}

// Manager installs activity capture and stamps captured rows with transaction metadata.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu        sync.RWMutex
	values    map[string]any
	columns   map[string]string // activity column -> SQL type, loaded lazily
	actorType string
}

// New creates a new Manager instance with sensible defaults.
func New(cfg Config) *Manager {
	if cfg.SkipSetting == "" {
		cfg.SkipSetting = defaultSkipSetting
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger.Named("pgaudit"),
		values:    maps.Clone(cfg.Values),
		actorType: "text",
	}
}

// SchemaName returns the schema holding the activity table.
func (m *Manager) SchemaName() string {
	return m.cfg.SchemaName
}

// ActivityTable returns the quoted, qualified activity table identifier.
func (m *Manager) ActivityTable() string {
	return ident.QuoteQualified(m.activityParts())
}

// ActivityTableName returns the unquoted, dot-separated activity table name.
func (m *Manager) ActivityTableName() string {
	return strings.Join(m.activityParts(), ".")
}

// DataExpression renders the SQL expression for a row's merged old and changed data.
// Both jsonb_merge and the activity columns are qualified with the configured schema,
// e.g. audit.jsonb_merge(audit.activity.old_data, audit.activity.changed_data), so the
// expression works when that schema is not on search_path.
func (m *Manager) DataExpression() string {
	table := ident.JoinIfNeeded(m.activityParts())
	return fmt.Sprintf("%s(%s.old_data, %s.changed_data)",
		ident.JoinIfNeeded(m.qualify("jsonb_merge")), table, table)
}

// HasActorTable reports whether actor_id references a configured actor table.
func (m *Manager) HasActorTable() bool {
	return m.cfg.Actor != nil
}

// ActorColumnType returns the SQL type of actor_id as resolved by Install.
func (m *Manager) ActorColumnType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actorType
}

// Values returns a copy of the manager's default activity values.
func (m *Manager) Values() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}

// SetValues replaces the manager's default activity values.
func (m *Manager) SetValues(v map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = maps.Clone(v)
}

func (m *Manager) activityParts() []string {
	return m.qualify(activityTableName)
}

func (m *Manager) qualify(name string) []string {
	return ident.Qualify(m.cfg.SchemaName, name)
}

// SetActivityValues writes the resolved activity values onto every activity row of the
// current transaction. Context values take precedence over the manager's defaults.
// It must run on the connection that owns the transaction.
func (m *Manager) SetActivityValues(ctx context.Context, conn Conn) error {
	vals := m.resolveValues(ctx)
	if len(vals) == 0 {
		return nil
	}
	types, err := m.columnTypes(ctx, conn)
	if err != nil {
		return err
	}

	cols := slices.Sorted(maps.Keys(vals))
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		typ, ok := types[c]
		if !ok || protectedColumns[c] {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, c)
		}
		v, err := pgtext.Encode(vals[c])
		if err != nil {
			return fmt.Errorf("pgaudit: failed to encode %s: %w", c, err)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d::text::%s", ident.Quote(c), len(args), typ))
	}

	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE native_transaction_id = txid_current()`,
		m.ActivityTable(), strings.Join(sets, ", "))
	res, err := conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("pgaudit: failed to set activity values: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		m.log.Debug("activity values applied", zap.Strings("columns", cols), zap.Int64("rows", n))
	}
	return nil
}

// DisableCapture turns off activity capture for the rest of conn's current transaction.
func (m *Manager) DisableCapture(ctx context.Context, conn Conn) error {
	if _, err := conn.ExecContext(ctx, `SELECT set_config($1, 'on', true)`, m.cfg.SkipSetting); err != nil {
		return fmt.Errorf("pgaudit: failed to disable capture: %w", err)
	}
	return nil
}

func (m *Manager) resolveValues(ctx context.Context) map[string]any {
	m.mu.RLock()
	defaults := m.values
	m.mu.RUnlock()

	out := make(map[string]any, len(defaults))
	for k, v := range defaults {
		out[k] = evaluate(ctx, v)
	}
	for k, v := range extractMeta(ctx) {
		out[k] = evaluate(ctx, v)
	}
	return out
}

func evaluate(ctx context.Context, v any) any {
	switch fn := v.(type) {
	case func() any:
		return fn()
	case func(context.Context) any:
		return fn(ctx)
	}
	return v
}

// DB wraps a *sql.DB instance so that transactions stamp their activity on commit.
type DB struct {
	*sql.DB
	m *Manager
}

// WrapDB attaches pgaudit to a *sql.DB connection.
func (m *Manager) WrapDB(db *sql.DB) *DB {
	return &DB{DB: db, m: m}
}

// Tx wraps a *sql.Tx and remembers which tables it changed.
type Tx struct {
	*sql.Tx
	m   *Manager
	buf *buffer.Buffer[query.DML]
	ctx context.Context

	// untracked is set once a statement of unknown text runs, e.g. via StmtContext.
	untracked atomic.Bool
}

// BeginTx starts a wrapped transaction. Activity values are resolved from ctx at commit.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	t, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	if Skipped(ctx) {
		if err := db.m.DisableCapture(ctx, t); err != nil {
			_ = t.Rollback()
			return nil, err
		}
	}
	return &Tx{Tx: t, m: db.m, buf: buffer.NewBuffer[query.DML](), ctx: ctx}, nil
}

// ExecContext executes q and records any data-changing statements it contains.
func (t *Tx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	res, err := t.Tx.ExecContext(ctx, q, args...)
	if err == nil {
		t.track(q)
	}
	return res, err
}

// Exec is ExecContext with a background context.
func (t *Tx) Exec(q string, args ...any) (sql.Result, error) {
	return t.ExecContext(context.Background(), q, args...)
}

// QueryContext executes q and records any data-changing statements it contains, e.g. INSERT ... RETURNING.
func (t *Tx) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	rows, err := t.Tx.QueryContext(ctx, q, args...)
	if err == nil {
		t.track(q)
	}
	return rows, err
}

// QueryRowContext behaves like QueryContext for a single row.
func (t *Tx) QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row {
	row := t.Tx.QueryRowContext(ctx, q, args...)
	if row.Err() == nil {
		t.track(q)
	}
	return row
}

// Query is QueryContext with a background context.
func (t *Tx) Query(q string, args ...any) (*sql.Rows, error) {
	return t.QueryContext(context.Background(), q, args...)
}

// QueryRow is QueryRowContext with a background context.
func (t *Tx) QueryRow(q string, args ...any) *sql.Row {
	return t.QueryRowContext(context.Background(), q, args...)
}

// PrepareContext prepares q on the transaction. Data-changing statements are recorded
// when prepared, whether or not they are executed.
func (t *Tx) PrepareContext(ctx context.Context, q string) (*sql.Stmt, error) {
	stmt, err := t.Tx.PrepareContext(ctx, q)
	if err == nil {
		t.track(q)
	}
	return stmt, err
}

// Prepare is PrepareContext with a background context.
func (t *Tx) Prepare(q string) (*sql.Stmt, error) {
	return t.PrepareContext(context.Background(), q)
}

// StmtContext returns a transaction-specific copy of stmt. Its text is unknown here,
// so Commit stamps activity whenever the transaction wrote anything.
func (t *Tx) StmtContext(ctx context.Context, stmt *sql.Stmt) *sql.Stmt {
	t.untracked.Store(true)
	return t.Tx.StmtContext(ctx, stmt)
}

// Stmt is StmtContext with a background context.
func (t *Tx) Stmt(stmt *sql.Stmt) *sql.Stmt {
	return t.StmtContext(context.Background(), stmt)
}

func (t *Tx) track(q string) {
	for _, dml := range query.ParseAll(q) {
		t.buf.Add(dml)
	}
}

// Commit stamps this transaction's activity rows and commits.
func (t *Tx) Commit() error {
	if err := t.flush(); err != nil {
		_ = t.Tx.Rollback()
		return err
	}
	return t.Tx.Commit()
}

func (t *Tx) flush() error {
	changed := t.buf.Drain()
	if len(changed) == 0 {
		if !t.untracked.Load() {
			return nil
		}
		wrote, err := t.m.wroteInTransaction(t.ctx, t.Tx)
		if err != nil || !wrote {
			return err
		}
	}
	if ce := t.m.log.Check(zap.DebugLevel, "flushing transaction activity"); ce != nil {
		tables := make([]string, len(changed))
		for i, d := range changed {
			tables[i] = strings.ToLower(d.Op) + " " + d.Table
		}
		ce.Write(zap.Strings("statements", tables))
	}
	return t.m.SetActivityValues(t.ctx, t.Tx)
}

// wroteInTransaction reports whether conn's current transaction has written anything.
// Read-only transactions never get a transaction id.
func (m *Manager) wroteInTransaction(ctx context.Context, conn Conn) (bool, error) {
	var wrote bool
	if err := conn.QueryRowContext(ctx, `SELECT txid_current_if_assigned() IS NOT NULL`).Scan(&wrote); err != nil {
		return false, fmt.Errorf("pgaudit: failed to inspect transaction: %w", err)
	}
	return wrote, nil
}

// Rollback clears buffered statements and rolls back the transaction.
func (t *Tx) Rollback() error {
	t.buf.Reset()
	return t.Tx.Rollback()
}
