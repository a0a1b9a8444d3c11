package jsonb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mickamy/pgaudit/internal/jsonb"
)

func TestMerge(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name  string
		data  map[string]any
		merge map[string]any
		want  map[string]any
	}{
		{
			name:  "insert has no old data",
			data:  nil,
			merge: map[string]any{"id": 1.0, "name": "John"},
			want:  map[string]any{"id": 1.0, "name": "John"},
		},
		{
			name:  "delete has no changed data",
			data:  map[string]any{"id": 1.0, "name": "John"},
			merge: nil,
			want:  map[string]any{"id": 1.0, "name": "John"},
		},
		{
			name:  "update overrides changed keys",
			data:  map[string]any{"id": 1.0, "name": "John", "age": 15.0},
			merge: map[string]any{"name": "Luke"},
			want:  map[string]any{"id": 1.0, "name": "Luke", "age": 15.0},
		},
		{
			name:  "both empty is null",
			data:  map[string]any{},
			merge: nil,
			want:  nil,
		},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, jsonb.Merge(tc.data, tc.merge))
		})
	}
}

func TestSubtract(t *testing.T) {
	t.Parallel()

	old := map[string]any{"id": 1.0, "name": "John", "age": 15.0, "tags": []any{"a"}}
	updated := map[string]any{"id": 1, "name": "Luke", "age": 15.0, "tags": []any{"a", "b"}}

	got := jsonb.Subtract(updated, old)
	assert.Equal(t, map[string]any{"name": "Luke", "tags": []any{"a", "b"}}, got)

	assert.Empty(t, jsonb.Subtract(old, old))
	assert.Equal(t, map[string]any{"extra": true}, jsonb.Subtract(map[string]any{"extra": true}, nil))
}

func TestEqual_NumbersByValue(t *testing.T) {
	t.Parallel()

	assert.True(t, jsonb.Equal(int64(3), 3.0))
	assert.True(t, jsonb.Equal(map[string]any{"a": 1}, map[string]any{"a": 1.0}))
	assert.False(t, jsonb.Equal("3", 3))
}
