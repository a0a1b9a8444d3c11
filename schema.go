package pgaudit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/mickamy/pgaudit/internal/ident"
)

// TableNamer provides a custom table name for a model.
type TableNamer interface {
	TableName() string
}

// AuditOptions controls how a single table is audited.
type AuditOptions struct {
	Exclude []string // columns left out of old_data and changed_data
}

// Install creates the activity table, its helper functions and the capture trigger
// function, then audits every target. It is safe to run repeatedly.
func (m *Manager) Install(ctx context.Context, db Conn, targets ...any) error {
	actorRef := ""
	actorType := "text"
	if m.cfg.Actor != nil {
		name, err := resolveTableName(m.cfg.Actor)
		if err != nil {
			return err
		}
		actor, err := selectBaseTable(ctx, db, name)
		if err != nil {
			return err
		}
		if actor.idType == "" {
			return fmt.Errorf("pgaudit: actor table %s has no id column", actor.ident)
		}
		actorType = actor.idType
		actorRef = fmt.Sprintf(" REFERENCES %s (id) ON DELETE SET NULL", actor.ident)
	}

	schema, err := m.activitySchema(ctx, db)
	if err != nil {
		return err
	}

	var stmts []string
	if m.cfg.SchemaName != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", ident.Quote(m.cfg.SchemaName)))
	}
	stmts = append(stmts,
		fmt.Sprintf(subtractFunctionDDL, ident.QuoteQualified(m.qualify("jsonb_subtract"))),
		fmt.Sprintf(mergeFunctionDDL, ident.QuoteQualified(m.qualify("jsonb_merge"))),
		m.activityTableDDL(actorType, actorRef),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (native_transaction_id);`,
			ident.Quote("activity_native_transaction_id_idx"), m.ActivityTable()),
		m.triggerFunctionDDL(schema),
	)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgaudit: failed to install activity schema: %w", err)
		}
	}
	m.forgetColumns()
	if _, err := m.columnTypes(ctx, db); err != nil {
		return err
	}
	m.log.Info("activity schema installed",
		zap.String("table", m.ActivityTable()),
		zap.String("actor_type", m.ActorColumnType()),
	)

	for _, t := range targets {
		if err := m.AuditTable(ctx, db, t, AuditOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) activityTableDDL(actorType, actorRef string) string {
	columns := []string{
		"id BIGSERIAL PRIMARY KEY",
		"schema_name TEXT",
		"table_name TEXT",
		"relid OID",
		"issued_at TIMESTAMP",
		"native_transaction_id BIGINT",
		"transaction_id BIGINT",
		"verb TEXT",
		"old_data JSONB",
		"changed_data JSONB",
		fmt.Sprintf("actor_id %s%s", actorType, actorRef),
		"client_addr INET",
	}
	for _, name := range sortedKeys(m.cfg.ExtraColumns) {
		columns = append(columns, fmt.Sprintf("%s %s", ident.Quote(name), m.cfg.ExtraColumns[name]))
	}
	return fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        %s
    );
    `, m.ActivityTable(), strings.Join(columns, ",\n\t"))
}

// AuditTable installs the capture trigger on target, replacing any previous one.
func (m *Manager) AuditTable(ctx context.Context, db Conn, target any, opts AuditOptions) error {
	base, err := m.auditTarget(ctx, db, target)
	if err != nil {
		return err
	}
	args := ""
	if len(opts.Exclude) > 0 {
		args = ident.ArrayLiteral(opts.Exclude)
	}
	stmts := []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s;`, ident.Quote(auditTriggerName), base.ident),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s(%s);`,
			ident.Quote(auditTriggerName), base.ident, ident.QuoteQualified(m.qualify("create_activity")), args),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgaudit: failed to audit %s: %w", base.ident, err)
		}
	}
	m.log.Info("table audited", zap.String("table", base.ident), zap.Strings("excluded", opts.Exclude))
	return nil
}

// RemoveAudit drops the capture trigger from target. Existing activity is kept.
func (m *Manager) RemoveAudit(ctx context.Context, db Conn, target any) error {
	base, err := m.auditTarget(ctx, db, target)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s;`, ident.Quote(auditTriggerName), base.ident)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("pgaudit: failed to remove audit from %s: %w", base.ident, err)
	}
	m.log.Info("table audit removed", zap.String("table", base.ident))
	return nil
}

// Uninstall drops the activity table and helper functions, and with them every capture trigger.
func (m *Manager) Uninstall(ctx context.Context, db Conn) error {
	stmts := []string{
		fmt.Sprintf(`DROP FUNCTION IF EXISTS %s() CASCADE;`, ident.QuoteQualified(m.qualify("create_activity"))),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, m.ActivityTable()),
		fmt.Sprintf(`DROP FUNCTION IF EXISTS %s(jsonb, jsonb);`, ident.QuoteQualified(m.qualify("jsonb_merge"))),
		fmt.Sprintf(`DROP FUNCTION IF EXISTS %s(jsonb, jsonb);`, ident.QuoteQualified(m.qualify("jsonb_subtract"))),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgaudit: failed to uninstall: %w", err)
		}
	}
	m.forgetColumns()
	m.log.Info("activity schema removed", zap.String("table", m.ActivityTable()))
	return nil
}

func (m *Manager) auditTarget(ctx context.Context, db Conn, target any) (tableInfo, error) {
	name, err := resolveTableName(target)
	if err != nil {
		return tableInfo{}, err
	}
	base, err := selectBaseTable(ctx, db, name)
	if err != nil {
		return tableInfo{}, err
	}
	schema, err := m.activitySchema(ctx, db)
	if err != nil {
		return tableInfo{}, err
	}
	if base.schema == schema && base.table == ident.BaseTableName(m.ActivityTable()) {
		return tableInfo{}, fmt.Errorf("pgaudit: refusing to audit the activity table %s", base.ident)
	}
	return base, nil
}

type tableInfo struct {
	schema string
	table  string
	ident  string
	idType string
}

func selectBaseTable(ctx context.Context, db Conn, name string) (tableInfo, error) {
	parts := ident.SplitQualified(name)
	var schemaName, tableName string
	switch len(parts) {
	case 1:
		schemaName = "public"
		tableName = parts[0]
	case 2:
		schemaName = parts[0]
		tableName = parts[1]
	default:
		return tableInfo{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	if schemaName == "" || tableName == "" {
		return tableInfo{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	row := db.QueryRowContext(ctx, `
        SELECT
            n.nspname,
            r.relname,
            pg_catalog.format_type(a.atttypid, a.atttypmod) AS id_type
        FROM pg_class r
        JOIN pg_namespace n ON n.oid = r.relnamespace
        LEFT JOIN (
            SELECT attrelid, atttypid, atttypmod
            FROM pg_attribute
            WHERE attname = 'id'
              AND attnum > 0
              AND NOT attisdropped
        ) AS a ON a.attrelid = r.oid
        WHERE n.nspname = $1 AND r.relname = $2 AND r.relkind IN ('r', 'p')
    `, schemaName, tableName)

	var info tableInfo
	var idType sql.NullString
	if err := row.Scan(&info.schema, &info.table, &idType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tableInfo{}, fmt.Errorf("%w: %s.%s", ErrTableNotFound, schemaName, tableName)
		}
		return tableInfo{}, err
	}
	info.ident = ident.QuoteQualified([]string{info.schema, info.table})
	if idType.Valid {
		info.idType = idType.String
	}
	return info, nil
}

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

func resolveTableName(target any) (string, error) {
	switch v := target.(type) {
	case nil:
		return "", errors.New("pgaudit: nil table target")
	case string:
		parts := ident.FoldQualified(v)
		if len(parts) == 0 {
			return "", errors.New("pgaudit: empty table name")
		}
		return ident.JoinIfNeeded(parts), nil
	}

	val := reflect.ValueOf(target)
	typ := val.Type()

	if typ.Kind() == reflect.Pointer {
		if val.IsNil() {
			return "", fmt.Errorf("pgaudit: nil pointer target %T", target)
		}
		if namer, ok := val.Interface().(TableNamer); ok {
			return namerTableName(namer, target)
		}
		typ = typ.Elem()
		val = val.Elem()
	}

	if namer, ok := val.Interface().(TableNamer); ok {
		return namerTableName(namer, target)
	}

	if typ.Kind() == reflect.Struct {
		if reflect.PointerTo(typ).Implements(tableNamerType) {
			if namer, ok := reflect.New(typ).Interface().(TableNamer); ok {
				return namerTableName(namer, target)
			}
		}
		if typ.Name() == "" {
			return "", fmt.Errorf("pgaudit: cannot derive table name for anonymous struct of type %v", typ)
		}
		return inflection.Plural(toSnakeCase(typ.Name())), nil
	}

	return "", fmt.Errorf("pgaudit: unsupported table target %T", target)
}

func namerTableName(namer TableNamer, target any) (string, error) {
	name := strings.TrimSpace(namer.TableName())
	if name == "" {
		return "", fmt.Errorf("pgaudit: TableName returned empty string. %T", target)
	}
	return name, nil
}

func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
