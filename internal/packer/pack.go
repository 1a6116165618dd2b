// Package packer bounds every payload that leaves the process for the language
// model. It only truncates; it never summarises or samples.
package packer

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/ashureev/insight-chat/internal/domain"
)

const emptyArray = "[]"

// shrinkFactor is applied to the row count every time a prefix does not fit.
const shrinkFactor = 0.7

// Pack serialises the longest prefix of rows (at most maxRows) whose JSON text has
// no more than maxChars characters. When nothing fits the result is "[]".
func Pack(rows []domain.Row, maxRows, maxChars int) string {
	text, _ := PackCount(rows, maxRows, maxChars)
	return text
}

// PackCount is Pack that also reports how many rows made it into the text.
func PackCount(rows []domain.Row, maxRows, maxChars int) (string, int) {
	n := min(len(rows), maxRows)
	for n > 0 {
		text, err := encodeRows(rows[:n])
		if err == nil && utf8.RuneCountInString(text) <= maxChars {
			return text, n
		}
		next := int(float64(n) * shrinkFactor)
		if next >= n {
			next = n - 1
		}
		n = next
	}
	return emptyArray, 0
}

func encodeRows(rows []domain.Row) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rows); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
