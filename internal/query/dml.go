package query

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/mickamy/pgaudit/internal/ident"
)

// DML describes a recognized data-changing statement.
type DML struct {
	Op    string // INSERT, UPDATE, DELETE
	Table string // possibly schema-qualified
}

// ParseAll returns every data-changing statement in q, including ones nested in CTEs.
// Statements the PostgreSQL parser rejects yield nothing.
func ParseAll(q string) []DML {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}
	tree, err := pg_query.Parse(q)
	if err != nil {
		return nil
	}
	var out []DML
	for _, raw := range tree.GetStmts() {
		out = collect(out, raw.GetStmt())
	}
	return out
}

func collect(out []DML, n *pg_query.Node) []DML {
	if n == nil {
		return out
	}
	switch {
	case n.GetInsertStmt() != nil:
		s := n.GetInsertStmt()
		out = collectWith(out, s.GetWithClause())
		return append(out, DML{Op: "INSERT", Table: tableName(s.GetRelation())})
	case n.GetUpdateStmt() != nil:
		s := n.GetUpdateStmt()
		out = collectWith(out, s.GetWithClause())
		return append(out, DML{Op: "UPDATE", Table: tableName(s.GetRelation())})
	case n.GetDeleteStmt() != nil:
		s := n.GetDeleteStmt()
		out = collectWith(out, s.GetWithClause())
		return append(out, DML{Op: "DELETE", Table: tableName(s.GetRelation())})
	case n.GetSelectStmt() != nil:
		return collectWith(out, n.GetSelectStmt().GetWithClause())
	}
	return out
}

func collectWith(out []DML, w *pg_query.WithClause) []DML {
	for _, c := range w.GetCtes() {
		out = collect(out, c.GetCommonTableExpr().GetCtequery())
	}
	return out
}

func tableName(rv *pg_query.RangeVar) string {
	if rv == nil {
		return ""
	}
	var parts []string
	if s := rv.GetSchemaname(); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, rv.GetRelname())
	return ident.JoinIfNeeded(parts)
}
