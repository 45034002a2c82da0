// Package sql checks the queries users type for a SQL upload source before
// they reach the remote database.
package sql

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrEmptyQuery indicates nothing but whitespace or a semicolon was given.
	ErrEmptyQuery = errors.New("the query is empty")
	// ErrMultipleStatements indicates a semicolon outside literals and comments.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
	// ErrNotReadOnly indicates the statement could change the source.
	ErrNotReadOnly = errors.New("only SELECT queries are allowed")
	// ErrUnterminated indicates a quote or block comment that never closes.
	ErrUnterminated = errors.New("unterminated literal or comment")
)

var wordPattern = regexp.MustCompile(`[A-Z_][A-Z0-9_]*`)

// writeKeywords may not appear anywhere in a read query, which also rules
// out data-modifying common table expressions.
var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "CREATE": true, "ALTER": true, "TRUNCATE": true, "RENAME": true,
	"GRANT": true, "REVOKE": true, "EXEC": true, "EXECUTE": true, "CALL": true,
	"COPY": true, "ATTACH": true, "DETACH": true, "PRAGMA": true, "VACUUM": true,
	"INTO": true, "LOCK": true, "SET": true,
}

// NormalizeReadQuery trims q and one trailing semicolon, then requires a
// single SELECT statement, optionally introduced by WITH.
func NormalizeReadQuery(q string) (string, error) {
	q = strings.TrimSpace(q)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return "", ErrEmptyQuery
	}

	code, err := stripLiterals(q)
	if err != nil {
		return "", err
	}
	if strings.Contains(code, ";") {
		return "", ErrMultipleStatements
	}

	words := wordPattern.FindAllString(strings.ToUpper(code), -1)
	if len(words) == 0 || (words[0] != "SELECT" && words[0] != "WITH") {
		return "", ErrNotReadOnly
	}
	for _, w := range words {
		if writeKeywords[w] {
			return "", fmt.Errorf("%w: %s is not permitted", ErrNotReadOnly, w)
		}
	}
	return q, nil
}

// stripLiterals blanks out string literals, quoted identifiers and comments
// so only SQL code is left. Quotes escape by doubling or with a backslash.
func stripLiterals(q string) (string, error) {
	const (
		stateCode = iota
		stateQuote
		stateLineComment
		stateBlockComment
	)

	var (
		b     strings.Builder
		state = stateCode
		quote rune
		prev  rune
	)
	runes := []rune(q)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateCode:
			switch {
			case c == '\'' || c == '"' || c == '`':
				state, quote = stateQuote, c
				b.WriteRune(' ')
			case c == '[':
				state, quote = stateQuote, ']'
				b.WriteRune(' ')
			case c == '-' && next == '-':
				state = stateLineComment
				i++
			case c == '/' && next == '*':
				state = stateBlockComment
				i++
			default:
				b.WriteRune(c)
			}
		case stateQuote:
			if c == quote && prev != '\\' {
				state = stateCode
			}
		case stateLineComment:
			if c == '\n' {
				state = stateCode
				b.WriteRune('\n')
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateCode
				b.WriteRune(' ')
				i++
				c = 0
			}
		}
		prev = c
	}

	if state == stateQuote || state == stateBlockComment {
		return "", ErrUnterminated
	}
	return b.String(), nil
}
