package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencePattern    = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")
	lineStatement   = regexp.MustCompile(`(?im)^[ \t]*(SELECT|WITH)\b`)
	inlineSelect    = regexp.MustCompile(`(?i)\bSELECT\b`)
	limitPattern    = regexp.MustCompile(`(?i)\bLIMIT\s+\d+(\s*,\s*\d+|\s+OFFSET\s+\d+)?\s*$`)
	errNoQuery      = errors.New("no query statement in model response")
	errNoJSONObject = errors.New("no JSON object in model response")
)

// ErrNoQuery is returned by CleanQuery when no statement can be recovered.
var ErrNoQuery = errNoQuery

// StripFences returns the body of the first fenced code block, or text unchanged.
func StripFences(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// CleanQuery turns raw model output into a single executable statement: fences
// and narrative prefixes are stripped, a LIMIT row cap is appended when the
// outermost statement has none, and a trailing semicolon is enforced.
func CleanQuery(text string, maxRows int) (string, error) {
	q := StripFences(text)
	loc := lineStatement.FindStringIndex(q)
	if loc == nil {
		loc = inlineSelect.FindStringIndex(q)
	}
	if loc == nil {
		return "", errNoQuery
	}
	q = strings.TrimSpace(q[loc[0]:])

	// Only the first statement is kept, without trailing comments.
	q = q[:statementEnd(q)]
	if q == "" {
		return "", errNoQuery
	}
	if maxRows > 0 && !limitPattern.MatchString(q) {
		q = fmt.Sprintf("%s\nLIMIT %d", q, maxRows)
	}
	return q + ";", nil
}

// statementEnd returns the offset just past the last code character of the first
// statement in q. Semicolons inside quotes or comments do not end the statement,
// and comments after the last code character are excluded.
func statementEnd(q string) int {
	end := 0
	for i := 0; i < len(q); i++ {
		ch := q[i]
		switch {
		case ch == ';':
			return end
		case ch == '-' && i+1 < len(q) && q[i+1] == '-':
			nl := strings.IndexByte(q[i:], '\n')
			if nl < 0 {
				return end
			}
			i += nl
		case ch == '/' && i+1 < len(q) && q[i+1] == '*':
			closing := strings.Index(q[i+2:], "*/")
			if closing < 0 {
				return end
			}
			i += closing + 3
		case ch == '\'' || ch == '"' || ch == '`':
			i = quoteEnd(q, i)
			end = i + 1
		case ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r':
			end = i + 1
		}
	}
	return end
}

// quoteEnd returns the index of the quote closing the literal opened at start,
// treating a doubled quote or a backslash as an escape. An unterminated literal
// runs to the end of q.
func quoteEnd(q string, start int) int {
	quote := q[start]
	for i := start + 1; i < len(q); i++ {
		switch q[i] {
		case '\\':
			i++
		case quote:
			if i+1 < len(q) && q[i+1] == quote {
				i++
				continue
			}
			return i
		}
	}
	return len(q) - 1
}

// ExtractJSONObject returns the first balanced {...} object in text, ignoring
// braces inside string literals.
func ExtractJSONObject(text string) (string, error) {
	text = StripFences(text)
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errNoJSONObject
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errNoJSONObject
}
