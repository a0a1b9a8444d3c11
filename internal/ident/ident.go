package ident

import (
	"strings"
	"unicode"
)

// reserved holds keywords that can never appear bare as a column or table name.
var reserved = map[string]struct{}{
	"all": {}, "analyse": {}, "analyze": {}, "and": {}, "any": {}, "array": {}, "as": {}, "asc": {},
	"both": {}, "case": {}, "cast": {}, "check": {}, "collate": {}, "column": {}, "constraint": {},
	"create": {}, "current_date": {}, "current_role": {}, "current_time": {}, "current_user": {},
	"default": {}, "desc": {}, "distinct": {}, "do": {}, "else": {}, "end": {}, "except": {},
	"false": {}, "for": {}, "foreign": {}, "from": {}, "grant": {}, "group": {}, "having": {},
	"in": {}, "into": {}, "is": {}, "join": {}, "limit": {}, "not": {}, "null": {}, "offset": {},
	"on": {}, "only": {}, "or": {}, "order": {}, "primary": {}, "references": {}, "select": {},
	"session_user": {}, "table": {}, "then": {}, "to": {}, "true": {}, "union": {}, "unique": {},
	"user": {}, "using": {}, "when": {}, "where": {}, "with": {},
}

// Qualify returns identifier parts for name inside schema. An empty schema yields an unqualified name.
func Qualify(schema, name string) []string {
	if schema == "" {
		return []string{name}
	}
	return []string{schema, name}
}

// SplitQualified splits a potentially schema-qualified identifier into its parts.
func SplitQualified(ident string) []string {
	return split(ident, false)
}

// FoldQualified is SplitQualified with PostgreSQL case folding: unquoted characters
// are lower-cased and quoted ones are kept as written.
func FoldQualified(ident string) []string {
	return split(ident, true)
}

func split(ident string, fold bool) []string {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil
	}
	var parts []string
	var buf strings.Builder
	inQuotes := false
	runes := []rune(ident)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '"':
			if inQuotes && i+1 < len(runes) && runes[i+1] == '"' {
				buf.WriteRune('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case '.':
			if inQuotes {
				buf.WriteRune(r)
				continue
			}
			part := strings.TrimSpace(buf.String())
			parts = append(parts, part)
			buf.Reset()
		default:
			if fold && !inQuotes {
				r = unicode.ToLower(r)
			}
			buf.WriteRune(r)
		}
	}
	part := strings.TrimSpace(buf.String())
	parts = append(parts, part)
	return parts
}

// QuoteQualified renders qualified identifier parts as a SQL identifier.
func QuoteQualified(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = Quote(p)
	}
	return strings.Join(quoted, ".")
}

// Quote safely quotes a single identifier part.
func Quote(part string) string {
	return `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
}

// QuoteIfNeeded leaves plain lower-case identifiers bare and quotes everything else.
func QuoteIfNeeded(part string) string {
	if part == "" || !isPlain(part) {
		return Quote(part)
	}
	if _, ok := reserved[part]; ok {
		return Quote(part)
	}
	return part
}

// JoinIfNeeded renders qualified parts with QuoteIfNeeded.
func JoinIfNeeded(parts []string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = QuoteIfNeeded(p)
	}
	return strings.Join(out, ".")
}

func isPlain(s string) bool {
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z'):
		case i > 0 && (r >= '0' && r <= '9' || r == '$'):
		default:
			return false
		}
	}
	return true
}

// Literal renders s as a single-quoted SQL string literal.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ArrayLiteral renders values as a quoted text[] literal, e.g. '{"a","b"}'.
func ArrayLiteral(values []string) string {
	elems := make([]string, len(values))
	for i, v := range values {
		v = strings.ReplaceAll(v, `\`, `\\`)
		elems[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return Literal("{" + strings.Join(elems, ",") + "}")
}

// BaseTableName returns the last segment of a qualified identifier.
func BaseTableName(ident string) string {
	parts := SplitQualified(ident)
	if len(parts) == 0 {
		return strings.TrimSpace(ident)
	}
	return parts[len(parts)-1]
}
