// Package guard decides whether a SQL string is safe to run as a read-only query.
//
// The check is a syntactic allow/deny heuristic rather than a parser: once
// comments are removed the text must not contain any write or DDL keyword as a
// whole word anywhere, string literals included, and it must start with SELECT
// or WITH. A keyword inside a literal therefore rejects an otherwise harmless
// query; that bias is accepted.
//
// The denylist is scanned before the prefix check. Both orders accept and
// reject exactly the same queries; checking keywords first means a non-SELECT
// statement that contains a write keyword is rejected by naming the keyword
// (EXPLAIN DELETE ... reports DELETE) instead of with the generic message.
package guard

import (
	"regexp"
	"strings"
)

const (
	ReasonEmpty      = "Empty query"
	ReasonNotSelect  = "Only SELECT queries are allowed"
	reasonForbidPref = "Query contains forbidden keyword: "
)

// Outcome is the result of validating a single query.
type Outcome struct {
	Valid  bool
	Reason string
}

var (
	lineComment  = regexp.MustCompile(`(?m)--.*$`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)

	forbiddenKeywords = []string{
		"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "TRUNCATE",
		"GRANT", "REVOKE", "COPY", "EXECUTE", "CALL",
	}
	forbiddenPatterns = compileKeywords(forbiddenKeywords)
)

func compileKeywords(keywords []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(keywords))
	for _, keyword := range keywords {
		patterns = append(patterns, regexp.MustCompile(`\b`+keyword+`\b`))
	}
	return patterns
}

// ForbiddenKeywords returns the denylist in the order it is checked.
func ForbiddenKeywords() []string {
	return append([]string(nil), forbiddenKeywords...)
}

// Validate reports whether sql is an acceptable read-only statement.
func Validate(sql string) Outcome {
	cleaned := StripComments(sql)
	if cleaned == "" {
		return Outcome{Reason: ReasonEmpty}
	}

	upper := strings.ToUpper(cleaned)
	for i, pattern := range forbiddenPatterns {
		if pattern.MatchString(upper) {
			return Outcome{Reason: reasonForbidPref + forbiddenKeywords[i]}
		}
	}

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return Outcome{Reason: ReasonNotSelect}
	}
	return Outcome{Valid: true}
}

// StripComments removes line comments, then block comments, and trims the rest.
func StripComments(sql string) string {
	cleaned := lineComment.ReplaceAllString(sql, "")
	cleaned = blockComment.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}
