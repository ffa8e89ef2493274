package errors

import (
	"fmt"
	"strings"
)

const frameRange = 2

// CodeFrame renders the lines around line:column (1-based line, 0-based
// column) with a caret under the offending column.
func CodeFrame(source string, line, column int) string {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}

	start := max(line-frameRange, 1)
	end := min(line+frameRange, len(lines))
	width := len(fmt.Sprint(end))

	var b strings.Builder
	for i := start; i <= end; i++ {
		text := strings.TrimRight(lines[i-1], "\r")
		fmt.Fprintf(&b, "%*d | %s\n", width, i, text)
		if i == line {
			col := min(max(column, 0), len(text))
			fmt.Fprintf(&b, "%s | %s^\n", strings.Repeat(" ", width), strings.Repeat(" ", col))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// OffsetToPosition converts a byte offset to a 1-based line and 0-based column.
func OffsetToPosition(source string, offset int) (line, column int) {
	if offset < 0 {
		return 0, 0
	}
	if offset > len(source) {
		offset = len(source)
	}
	line = 1 + strings.Count(source[:offset], "\n")
	column = offset - (strings.LastIndex(source[:offset], "\n") + 1)
	return line, column
}
