// Package search compiles the catalog's free-text search syntax into SQL
// conjuncts. The grammar is `field:value` tokens plus bare substring terms,
// all ANDed together; values may be double-quoted to include spaces.
package search

import "strings"

// Clause is one SQL conjunct with its arguments.
type Clause struct {
	Expr string
	Args []any
}

// fieldColumns maps search fields to catalog columns matched by substring.
var fieldColumns = map[string]string{
	"url":           "url",
	"head":          "head",
	"head_describe": "head_describe",
	"branch":        "branches",
	"tag":           "tags",
	"cache_path":    "cache_path",
}

// bareTermColumns are the columns a bare search term is matched against.
var bareTermColumns = []string{"url", "head_describe", "branches", "tags"}

// Compile turns a search string into conjunctive clauses. Unknown field
// prefixes are treated as part of a bare term rather than rejected, matching
// the forgiving search behavior of the web UI.
func Compile(query string) []Clause {
	var clauses []Clause
	for _, token := range tokenize(query) {
		if field, value, ok := splitField(token); ok {
			if field == "ds_id" {
				clauses = append(clauses, Clause{Expr: "ds_id = ?", Args: []any{value}})
				continue
			}
			if col, known := fieldColumns[field]; known {
				clauses = append(clauses, Clause{
					Expr: col + " LIKE ?",
					Args: []any{"%" + value + "%"},
				})
				continue
			}
		}
		term := "%" + strings.Trim(token, `"`) + "%"
		exprs := make([]string, len(bareTermColumns))
		args := make([]any, len(bareTermColumns))
		for i, col := range bareTermColumns {
			exprs[i] = col + " LIKE ?"
			args[i] = term
		}
		clauses = append(clauses, Clause{
			Expr: "(" + strings.Join(exprs, " OR ") + ")",
			Args: args,
		})
	}
	return clauses
}

// splitField splits a `field:value` token, unquoting the value. The second
// return is the value; ok is false for tokens without a colon or with an
// empty field or value.
func splitField(token string) (field, value string, ok bool) {
	i := strings.Index(token, ":")
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	field = strings.ToLower(token[:i])
	value = strings.Trim(token[i+1:], `"`)
	if value == "" {
		return "", "", false
	}
	return field, value, true
}

// tokenize splits on whitespace outside double quotes.
func tokenize(query string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range query {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n') && !inQuotes:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
