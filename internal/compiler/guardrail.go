package compiler

import (
	"fmt"
	"strings"
)

// DeniedKeywords are rejected anywhere in a compiled query, including inside
// string literals and identifiers.
var DeniedKeywords = []string{"DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "CREATE"}

// CompiledQuery is a query that passed the guardrail.
type CompiledQuery struct {
	Query  string
	Reason string
}

// Validate applies the guardrail to a parsed reply. It is a substring denylist
// over the upper-cased query text, not a SQL parser.
func Validate(p Parsed) (CompiledQuery, error) {
	if p.Malformed() {
		return CompiledQuery{}, fmt.Errorf("%w: model reply could not be parsed", ErrUnsafeOrEmptyQuery)
	}

	query := cleanSQL(p.Query)
	if query == "" {
		return CompiledQuery{}, fmt.Errorf("%w: query is empty", ErrUnsafeOrEmptyQuery)
	}

	upper := strings.ToUpper(query)
	for _, kw := range DeniedKeywords {
		if strings.Contains(upper, kw) {
			return CompiledQuery{}, fmt.Errorf("%w: query contains %s", ErrUnsafeOrEmptyQuery, kw)
		}
	}

	return CompiledQuery{
		Query:  query,
		Reason: strings.TrimSpace(p.Reason),
	}, nil
}

func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}
