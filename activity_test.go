package pgaudit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/pgaudit"
)

func TestActivity_String(t *testing.T) {
	t.Parallel()

	a := pgaudit.Activity{ID: 3, TableName: "user"}
	assert.Equal(t, "<Activity table_name='user' id=3>", a.String())
}

func TestManager_DataExpression(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name   string
		schema string
		want   string
	}{
		{name: "custom schema", schema: "audit", want: "audit.jsonb_merge(audit.activity.old_data, audit.activity.changed_data)"},
		{name: "default schema", schema: "", want: "jsonb_merge(activity.old_data, activity.changed_data)"},
		{name: "schema needing quotes", schema: "Audit", want: `"Audit".jsonb_merge("Audit".activity.old_data, "Audit".activity.changed_data)`},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := pgaudit.New(pgaudit.Config{SchemaName: tc.schema})
			assert.Equal(t, tc.want, m.DataExpression())
		})
	}
}

func TestManager_ActivityTable(t *testing.T) {
	t.Parallel()

	m := pgaudit.New(pgaudit.Config{SchemaName: "audit"})
	assert.Equal(t, `"audit"."activity"`, m.ActivityTable())
	assert.Equal(t, "audit.activity", m.ActivityTableName())
	assert.Equal(t, "text", m.ActorColumnType())
}

func TestManager_ValuesAreCopied(t *testing.T) {
	t.Parallel()

	defaults := map[string]any{"actor_id": 1}
	m := pgaudit.New(pgaudit.Config{Values: defaults})
	defaults["actor_id"] = 2

	got := m.Values()
	assert.Equal(t, 1, got["actor_id"])
	got["actor_id"] = 3
	assert.Equal(t, 1, m.Values()["actor_id"])
}

func TestActivity_Data(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name string
		in   pgaudit.Activity
		want map[string]any
	}{
		{
			name: "insert",
			in:   pgaudit.Activity{Verb: pgaudit.VerbInsert, ChangedData: pgaudit.JSONB{"id": 1.0, "name": "John"}},
			want: map[string]any{"id": 1.0, "name": "John"},
		},
		{
			name: "update",
			in: pgaudit.Activity{
				Verb:        pgaudit.VerbUpdate,
				OldData:     pgaudit.JSONB{"id": 1.0, "name": "John", "age": 15.0},
				ChangedData: pgaudit.JSONB{"name": "Luke"},
			},
			want: map[string]any{"id": 1.0, "name": "Luke", "age": 15.0},
		},
		{
			name: "delete",
			in:   pgaudit.Activity{Verb: pgaudit.VerbDelete, OldData: pgaudit.JSONB{"id": 1.0}},
			want: map[string]any{"id": 1.0},
		},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.in.Data())
		})
	}
}

func TestActivity_Changes(t *testing.T) {
	t.Parallel()

	update := pgaudit.Activity{
		Verb:        pgaudit.VerbUpdate,
		OldData:     pgaudit.JSONB{"id": 1.0, "name": "John"},
		ChangedData: pgaudit.JSONB{"name": "Luke"},
	}
	assert.Equal(t, map[string]pgaudit.Change{"name": {Old: "John", New: "Luke"}}, update.Changes())

	insert := pgaudit.Activity{Verb: pgaudit.VerbInsert, ChangedData: pgaudit.JSONB{"name": "John"}}
	assert.Equal(t, map[string]pgaudit.Change{"name": {New: "John"}}, insert.Changes())

	del := pgaudit.Activity{Verb: pgaudit.VerbDelete, OldData: pgaudit.JSONB{"name": "John"}}
	assert.Equal(t, map[string]pgaudit.Change{"name": {Old: "John"}}, del.Changes())

	full := pgaudit.Activity{
		Verb:        pgaudit.VerbUpdate,
		OldData:     pgaudit.JSONB{"id": 1.0, "name": "John", "age": 15.0},
		ChangedData: pgaudit.JSONB{"id": 1, "name": "John", "age": 16.0},
	}
	assert.Equal(t, map[string]pgaudit.Change{"age": {Old: 15.0, New: 16.0}}, full.Changes())
}

func TestJSONB_ScanValue(t *testing.T) {
	t.Parallel()

	var j pgaudit.JSONB
	require.NoError(t, j.Scan([]byte(`{"id": 1, "name": "John"}`)))
	assert.Equal(t, pgaudit.JSONB{"id": 1.0, "name": "John"}, j)

	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)

	v, err := pgaudit.JSONB(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
