package pgaudit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mickamy/pgaudit/internal/ident"
)

// protectedColumns are written by the trigger and never by activity values.
var protectedColumns = map[string]bool{
	"id":                    true,
	"schema_name":           true,
	"table_name":            true,
	"relid":                 true,
	"issued_at":             true,
	"native_transaction_id": true,
	"transaction_id":        true,
	"verb":                  true,
	"old_data":              true,
	"changed_data":          true,
}

const subtractFunctionDDL = `
CREATE OR REPLACE FUNCTION %[1]s(arg1 jsonb, arg2 jsonb)
RETURNS jsonb AS $$
    SELECT COALESCE(jsonb_object_agg(key, value), '{}'::jsonb)
    FROM jsonb_each(arg1)
    WHERE (arg1 -> key) <> (arg2 -> key) OR (arg2 -> key) IS NULL
$$ LANGUAGE SQL IMMUTABLE;
`

const mergeFunctionDDL = `
CREATE OR REPLACE FUNCTION %[1]s(data jsonb, merge_data jsonb)
RETURNS jsonb AS $$
    SELECT NULLIF(COALESCE(data, '{}'::jsonb) || COALESCE(merge_data, '{}'::jsonb), '{}'::jsonb)
$$ LANGUAGE SQL IMMUTABLE;
`

// activityTriggerDDL: %[1]s function, %[2]s activity table, %[3]s subtract function, %[4]s skip setting literal,
// %[5]s schema pinned on the function's search_path.
const activityTriggerDDL = `
CREATE OR REPLACE FUNCTION %[1]s() RETURNS TRIGGER AS $$
DECLARE
    excluded_cols text[] = ARRAY[]::text[];
    _old_data jsonb;
    _changed_data jsonb;
BEGIN
    IF current_setting(%[4]s, true) = 'on' THEN
        RETURN NULL;
    END IF;
    IF TG_NARGS > 0 THEN
        excluded_cols = TG_ARGV[0]::text[];
    END IF;

    IF TG_OP = 'INSERT' THEN
        _changed_data = to_jsonb(NEW.*) - excluded_cols;
    ELSIF TG_OP = 'UPDATE' THEN
        _old_data = to_jsonb(OLD.*) - excluded_cols;
        _changed_data = %[3]s(to_jsonb(NEW.*) - excluded_cols, _old_data);
        IF _changed_data = '{}'::jsonb THEN
            RETURN NULL;
        END IF;
    ELSIF TG_OP = 'DELETE' THEN
        _old_data = to_jsonb(OLD.*) - excluded_cols;
    ELSE
        RETURN NULL;
    END IF;

    INSERT INTO %[2]s (
        schema_name, table_name, relid, issued_at,
        native_transaction_id, transaction_id, verb, old_data, changed_data
    ) VALUES (
        TG_TABLE_SCHEMA::text, TG_TABLE_NAME::text, TG_RELID, statement_timestamp() AT TIME ZONE 'UTC',
        txid_current(), txid_current(), LOWER(TG_OP), _old_data, _changed_data
    );
    RETURN NULL;
END;
$$ LANGUAGE plpgsql SECURITY DEFINER
SET search_path = pg_catalog, %[5]s, pg_temp;
`

const auditTriggerName = "audit_trigger"

const columnTypesQuery = `
SELECT a.attname, pg_catalog.format_type(a.atttypid, a.atttypmod)
FROM pg_attribute a
WHERE a.attrelid = to_regclass($1)
  AND a.attnum > 0
  AND NOT a.attisdropped
`

// columnTypes returns the activity table's column types, reading the catalog on first use.
func (m *Manager) columnTypes(ctx context.Context, conn Conn) (map[string]string, error) {
	m.mu.RLock()
	cached := m.columns
	m.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	rows, err := conn.QueryContext(ctx, columnTypesQuery, m.ActivityTable())
	if err != nil {
		return nil, fmt.Errorf("pgaudit: failed to read activity columns: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	types := map[string]string{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		types[name] = typ
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, m.ActivityTable())
	}

	m.mu.Lock()
	m.columns = types
	if typ, ok := types["actor_id"]; ok {
		m.actorType = typ
	}
	m.mu.Unlock()
	return types, nil
}

func (m *Manager) forgetColumns() {
	m.mu.Lock()
	m.columns = nil
	m.mu.Unlock()
}

func (m *Manager) skipSettingLiteral() string {
	return ident.Literal(m.cfg.SkipSetting)
}

// triggerFunctionDDL renders create_activity() with its search_path pinned to schema.
// pg_temp goes last so session temp tables cannot shadow the activity table.
func (m *Manager) triggerFunctionDDL(schema string) string {
	return fmt.Sprintf(activityTriggerDDL,
		ident.QuoteQualified(m.qualify("create_activity")),
		m.ActivityTable(),
		ident.QuoteQualified(m.qualify("jsonb_subtract")),
		m.skipSettingLiteral(),
		ident.Quote(schema),
	)
}

// activitySchema returns the schema holding the activity table, asking the
// database for current_schema() when none is configured.
func (m *Manager) activitySchema(ctx context.Context, db Conn) (string, error) {
	if m.cfg.SchemaName != "" {
		return m.cfg.SchemaName, nil
	}
	var schema sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT current_schema()`).Scan(&schema); err != nil {
		return "", fmt.Errorf("pgaudit: failed to read current schema: %w", err)
	}
	if !schema.Valid {
		return "", errors.New("pgaudit: search_path has no schema to install into")
	}
	return schema.String, nil
}
