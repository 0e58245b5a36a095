// Package sqltext provides small SQL text utilities used across the project:
// comment and string-literal stripping, first-keyword detection, and
// top-level LIMIT handling.
package sqltext

import (
	"strconv"
	"strings"
)

// Strip removes -- line comments and /* */ block comments and blanks the
// contents of string literals ('...'), quoted identifiers ("...") and
// backtick identifiers. The remaining text keeps its token structure, so
// keyword scans cannot be fooled by quoted or commented text.
func Strip(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			i += 2
			for i+1 < len(sql) && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			if i+1 < len(sql) {
				i += 2
			} else {
				i = len(sql)
			}
		case c == '\'' || c == '"' || c == '`':
			quote := c
			b.WriteByte(quote)
			i++
			for i < len(sql) {
				if sql[i] == quote {
					// doubled quote escapes itself
					if i+1 < len(sql) && sql[i+1] == quote {
						i += 2
						continue
					}
					break
				}
				i++
			}
			b.WriteByte(quote)
			if i < len(sql) {
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// FirstKeyword returns the first significant keyword of sql, uppercased.
// Comments, whitespace and opening parentheses are skipped.
func FirstKeyword(sql string) string {
	s := Strip(sql)
	i := 0
	for i < len(s) {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' || c == ';' {
			i++
			continue
		}
		break
	}
	start := i
	for i < len(s) && isWordByte(s[i]) {
		i++
	}
	return strings.ToUpper(s[start:i])
}

// IsReadOnly reports whether the first significant keyword is SELECT or WITH.
func IsReadOnly(sql string) bool {
	switch FirstKeyword(sql) {
	case "SELECT", "WITH":
		return true
	}
	return false
}

// HasTopLevelLimit reports whether a LIMIT keyword exists at parenthesis
// depth zero, ignoring comments and string literals.
func HasTopLevelLimit(sql string) bool {
	s := Strip(sql)
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		default:
			if depth != 0 || !isWordStart(s, i) {
				continue
			}
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			if strings.EqualFold(s[i:j], "limit") {
				return true
			}
			i = j - 1
		}
	}
	return false
}

// EnsureLimit returns sql unchanged when a top-level LIMIT exists; otherwise
// it appends "LIMIT n", dropping any trailing semicolon first.
func EnsureLimit(sql string, n int) string {
	if HasTopLevelLimit(sql) {
		return sql
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sql), ";")
	trimmed = strings.TrimRight(trimmed, " \t\n\r")
	return trimmed + " LIMIT " + strconv.Itoa(n)
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// isWordStart reports whether position i begins a word (previous byte is not
// part of one).
func isWordStart(s string, i int) bool {
	if !isWordByte(s[i]) {
		return false
	}
	return i == 0 || !isWordByte(s[i-1])
}
