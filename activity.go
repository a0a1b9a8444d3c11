package pgaudit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mickamy/pgaudit/internal/jsonb"
	"github.com/mickamy/pgaudit/internal/pgtext"
)

// Verbs recorded in Activity.Verb.
const (
	VerbInsert = "insert"
	VerbUpdate = "update"
	VerbDelete = "delete"
)

// JSONB holds a decoded JSON object column. A SQL NULL scans to a nil map.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, j)
	}
}

// Activity is one captured row change.
type Activity struct {
	ID                  int64     `json:"id" gorm:"primaryKey"`
	SchemaName          string    `json:"schema_name"`
	TableName           string    `json:"table_name"`
	RelID               uint32    `json:"relid" gorm:"column:relid"`
	IssuedAt            time.Time `json:"issued_at"`
	NativeTransactionID int64     `json:"native_transaction_id"`
	TransactionID       int64     `json:"transaction_id"`
	Verb                string    `json:"verb"`
	OldData             JSONB     `json:"old_data"`
	ChangedData         JSONB     `json:"changed_data"`
	ActorID             *string   `json:"actor_id"`
	ClientAddr          *string   `json:"client_addr"`
}

func (a Activity) String() string {
	return fmt.Sprintf("<Activity table_name='%s' id=%d>", a.TableName, a.ID)
}

// Data returns the row as it looked after the change, or before it for deletes.
func (a Activity) Data() map[string]any {
	return jsonb.Merge(a.OldData, a.ChangedData)
}

// Change is a single column's transition.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Changes returns the per-column transitions recorded by this activity.
// Columns whose new value equals the old one are left out.
func (a Activity) Changes() map[string]Change {
	out := map[string]Change{}
	if a.Verb == VerbDelete {
		for k, v := range a.OldData {
			out[k] = Change{Old: v}
		}
		return out
	}
	for k, v := range jsonb.Subtract(a.ChangedData, a.OldData) {
		out[k] = Change{Old: a.OldData[k], New: v}
	}
	return out
}

// ActivityColumns is the select list matching Activity's fields.
const ActivityColumns = `id, schema_name, table_name, relid, issued_at, native_transaction_id, transaction_id, ` +
	`verb, old_data, changed_data, actor_id::text AS actor_id, host(client_addr) AS client_addr`

// Filter narrows activity queries. Zero fields match everything.
type Filter struct {
	Table         string
	Verb          string
	TransactionID int64
	DataEquals    map[string]any // compared as text against the merged row data
	Limit         int
}

func (m *Manager) where(f Filter) (string, []any, error) {
	var conds []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.Table != "" {
		add("table_name = $%d", f.Table)
	}
	if f.Verb != "" {
		add("verb = $%d", strings.ToLower(f.Verb))
	}
	if f.TransactionID != 0 {
		add("transaction_id = $%d", f.TransactionID)
	}
	expr := m.DataExpression()
	for _, k := range slices.Sorted(maps.Keys(f.DataEquals)) {
		v, err := pgtext.Encode(f.DataEquals[k])
		if err != nil {
			return "", nil, err
		}
		args = append(args, k)
		keyPos := len(args)
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("(%s ->> $%d) = $%d", expr, keyPos, len(args)))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// FindActivities returns activities matching f, newest first.
func (m *Manager) FindActivities(ctx context.Context, db Conn, f Filter) ([]Activity, error) {
	where, args, err := m.where(f)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY id DESC`, ActivityColumns, m.ActivityTable(), where)
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgaudit: failed to query activity: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("pgaudit: failed to scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastActivity returns the most recent activity, or sql.ErrNoRows when there is none.
func (m *Manager) LastActivity(ctx context.Context, db Conn) (Activity, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id DESC LIMIT 1`, ActivityColumns, m.ActivityTable())
	a, err := scanActivity(db.QueryRowContext(ctx, q))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Activity{}, err
		}
		return Activity{}, fmt.Errorf("pgaudit: failed to read last activity: %w", err)
	}
	return a, nil
}

// CountActivities counts activities matching f.
func (m *Manager) CountActivities(ctx context.Context, db Conn, f Filter) (int64, error) {
	where, args, err := m.where(f)
	if err != nil {
		return 0, err
	}
	var n int64
	q := fmt.Sprintf(`SELECT count(*) FROM %s%s`, m.ActivityTable(), where)
	if err := db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgaudit: failed to count activity: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(s scanner) (Activity, error) {
	var a Activity
	var schemaName, tableName, verb sql.NullString
	var native, txID sql.NullInt64
	var issued sql.NullTime
	err := s.Scan(
		&a.ID, &schemaName, &tableName, &a.RelID, &issued, &native, &txID,
		&verb, &a.OldData, &a.ChangedData, &a.ActorID, &a.ClientAddr,
	)
	if err != nil {
		return Activity{}, err
	}
	a.SchemaName = schemaName.String
	a.TableName = tableName.String
	a.Verb = verb.String
	a.IssuedAt = issued.Time
	a.NativeTransactionID = native.Int64
	a.TransactionID = txID.Int64
	return a, nil
}
