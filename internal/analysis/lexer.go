// Package analysis finds the module references in transformed JavaScript:
// static and dynamic imports, re-exports, and import.meta.hot.accept calls.
//
// It is a lexer, not a parser. Comments, string literals and template
// literals are skipped so that import-looking text inside them is ignored.
package analysis

import (
	"fmt"
	"sort"
	"strings"
)

// Import is one module specifier found in code. Start and End delimit the
// specifier text without its quotes.
type Import struct {
	Specifier string
	Start     int
	End       int
	Dynamic   bool
	// ExportFrom marks `export ... from` re-exports.
	ExportFrom bool
}

// Result of analysing one module.
type Result struct {
	Imports []Import

	// HasHot is set when the module references import.meta.hot.
	HasHot bool
	// SelfAccepting is set by accept() with no deps or with only a callback.
	SelfAccepting bool
	// AcceptedDeps are the string deps of accept('dep') / accept(['a','b']).
	AcceptedDeps []Import
}

// Specifiers returns the unique static and dynamic import specifiers in
// source order.
func (r *Result) Specifiers() []string {
	seen := make(map[string]bool, len(r.Imports))
	out := make([]string, 0, len(r.Imports))
	for _, imp := range r.Imports {
		if !seen[imp.Specifier] {
			seen[imp.Specifier] = true
			out = append(out, imp.Specifier)
		}
	}
	return out
}

// Analyze scans code. It only fails on unterminated literals or comments.
func Analyze(code string) (*Result, error) {
	l := &lexer{src: code, res: &Result{}}
	if err := l.run(); err != nil {
		return nil, err
	}
	return l.res, nil
}

type lexer struct {
	src string
	pos int
	res *Result
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func (l *lexer) run() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '/' && l.peek(1) == '/':
			l.skipLineComment()
		case c == '/' && l.peek(1) == '*':
			if err := l.skipBlockComment(); err != nil {
				return err
			}
		case c == '\'' || c == '"':
			if _, _, err := l.readString(); err != nil {
				return err
			}
		case c == '`':
			if err := l.skipTemplate(); err != nil {
				return err
			}
		case isIdentStart(c):
			if err := l.word(); err != nil {
				return err
			}
		default:
			l.pos++
		}
	}
	return nil
}

func (l *lexer) peek(n int) byte {
	if l.pos+n < len(l.src) {
		return l.src[l.pos+n]
	}
	return 0
}

func (l *lexer) skipLineComment() {
	end := strings.IndexByte(l.src[l.pos:], '\n')
	if end < 0 {
		l.pos = len(l.src)
		return
	}
	l.pos += end + 1
}

func (l *lexer) skipBlockComment() error {
	end := strings.Index(l.src[l.pos+2:], "*/")
	if end < 0 {
		return fmt.Errorf("unterminated comment at offset %d", l.pos)
	}
	l.pos += end + 4
	return nil
}

// readString reads a quoted literal at l.pos and returns the bounds of its
// contents.
func (l *lexer) readString() (start, end int, err error) {
	quote := l.src[l.pos]
	open := l.pos
	l.pos++
	start = l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '\\':
			l.pos += 2
			continue
		case quote:
			end = l.pos
			l.pos++
			return start, end, nil
		case '\n':
			return 0, 0, fmt.Errorf("unterminated string at offset %d", open)
		}
		l.pos++
	}
	return 0, 0, fmt.Errorf("unterminated string at offset %d", open)
}

func (l *lexer) skipTemplate() error {
	open := l.pos
	l.pos++
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case '\\':
			l.pos += 2
			continue
		case '`':
			l.pos++
			return nil
		case '$':
			if l.peek(1) == '{' {
				l.pos += 2
				if err := l.skipBraces(); err != nil {
					return err
				}
				continue
			}
		}
		l.pos++
	}
	return fmt.Errorf("unterminated template literal at offset %d", open)
}

// skipBraces skips a template expression up to its closing brace.
func (l *lexer) skipBraces() error {
	depth := 1
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				l.pos++
				return nil
			}
		case c == '\'' || c == '"':
			if _, _, err := l.readString(); err != nil {
				return err
			}
			continue
		case c == '`':
			if err := l.skipTemplate(); err != nil {
				return err
			}
			continue
		}
		l.pos++
	}
	return fmt.Errorf("unterminated template expression")
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		case '/':
			if l.peek(1) == '/' {
				l.skipLineComment()
			} else if l.peek(1) == '*' {
				if l.skipBlockComment() != nil {
					l.pos = len(l.src)
				}
			} else {
				return
			}
		default:
			return
		}
	}
}

func (l *lexer) readWord() string {
	start := l.pos
	for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
		l.pos++
	}
	return l.src[start:l.pos]
}

func (l *lexer) word() error {
	start := l.pos
	prevDot := start > 0 && l.src[start-1] == '.'
	w := l.readWord()
	if prevDot {
		return nil
	}
	switch w {
	case "import":
		return l.importStatement()
	case "export":
		return l.exportStatement()
	}
	return nil
}

func (l *lexer) importStatement() error {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return nil
	}
	switch c := l.src[l.pos]; {
	case c == '(':
		l.pos++
		l.skipSpace()
		if l.pos < len(l.src) && (l.src[l.pos] == '\'' || l.src[l.pos] == '"') {
			s, e, err := l.readString()
			if err != nil {
				return err
			}
			l.res.Imports = append(l.res.Imports, Import{Specifier: l.src[s:e], Start: s, End: e, Dynamic: true})
		}
		return nil
	case c == '.':
		return l.importMeta()
	case c == '\'' || c == '"':
		return l.addStatic(false)
	}
	return l.fromClause(false)
}

func (l *lexer) exportStatement() error {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return nil
	}
	switch l.src[l.pos] {
	case '*':
		l.pos++
		return l.fromClause(true)
	case '{':
		if !l.skipBlock('{', '}') {
			return nil
		}
		l.skipSpace()
		save := l.pos
		if l.readWord() != "from" {
			l.pos = save
			return nil
		}
		l.skipSpace()
		if l.pos < len(l.src) && (l.src[l.pos] == '\'' || l.src[l.pos] == '"') {
			return l.addStatic(true)
		}
	}
	return nil
}

// fromClause scans an import/export clause up to `from '<spec>'`. Anything
// unexpected leaves the position where the clause stopped.
func (l *lexer) fromClause(export bool) error {
	for l.pos < len(l.src) {
		l.skipSpace()
		if l.pos >= len(l.src) {
			return nil
		}
		c := l.src[l.pos]
		switch {
		case c == '{':
			if !l.skipBlock('{', '}') {
				return nil
			}
		case c == ',' || c == '*':
			l.pos++
		case isIdentStart(c):
			if l.readWord() == "from" {
				l.skipSpace()
				if l.pos < len(l.src) && (l.src[l.pos] == '\'' || l.src[l.pos] == '"') {
					return l.addStatic(export)
				}
				return nil
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) skipBlock(open, close byte) bool {
	depth := 0
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				l.pos++
				return true
			}
		case '\'', '"':
			if _, _, err := l.readString(); err != nil {
				return false
			}
			continue
		}
		l.pos++
	}
	return false
}

func (l *lexer) addStatic(export bool) error {
	s, e, err := l.readString()
	if err != nil {
		return err
	}
	l.res.Imports = append(l.res.Imports, Import{Specifier: l.src[s:e], Start: s, End: e, ExportFrom: export})
	return nil
}

// importMeta handles import.meta.hot and import.meta.hot.accept(...).
func (l *lexer) importMeta() error {
	if !l.consume(".meta") {
		return nil
	}
	if !l.consume(".hot") || (l.pos < len(l.src) && isIdentChar(l.src[l.pos])) {
		return nil
	}
	l.res.HasHot = true

	save := l.pos
	if !l.consume(".accept") {
		return nil
	}
	l.skipSpace()
	if l.pos >= len(l.src) || l.src[l.pos] != '(' {
		l.pos = save
		return nil
	}
	l.pos++
	l.skipSpace()
	if l.pos >= len(l.src) {
		return nil
	}

	switch l.src[l.pos] {
	case '\'', '"':
		s, e, err := l.readString()
		if err != nil {
			return err
		}
		l.res.AcceptedDeps = append(l.res.AcceptedDeps, Import{Specifier: l.src[s:e], Start: s, End: e})
	case '[':
		l.pos++
		for l.pos < len(l.src) {
			l.skipSpace()
			if l.pos >= len(l.src) {
				break
			}
			c := l.src[l.pos]
			if c == ']' {
				l.pos++
				break
			}
			if c == '\'' || c == '"' {
				s, e, err := l.readString()
				if err != nil {
					return err
				}
				l.res.AcceptedDeps = append(l.res.AcceptedDeps, Import{Specifier: l.src[s:e], Start: s, End: e})
				continue
			}
			l.pos++
		}
	default:
		// accept(), accept(cb), accept(mod => ...)
		l.res.SelfAccepting = true
	}
	return nil
}

// consume advances past s when it is next in the input, allowing spaces
// around the dot.
func (l *lexer) consume(s string) bool {
	save := l.pos
	l.skipSpace()
	if !strings.HasPrefix(l.src[l.pos:], ".") {
		l.pos = save
		return false
	}
	l.pos++
	l.skipSpace()
	name := strings.TrimPrefix(s, ".")
	if !strings.HasPrefix(l.src[l.pos:], name) {
		l.pos = save
		return false
	}
	end := l.pos + len(name)
	if end < len(l.src) && isIdentChar(l.src[end]) {
		l.pos = save
		return false
	}
	l.pos = end
	return true
}

// Edit replaces src[Start:End] with Text.
type Edit struct {
	Start int
	End   int
	Text  string
}

// Apply applies non-overlapping edits to src.
func Apply(src string, edits []Edit) (string, error) {
	if len(edits) == 0 {
		return src, nil
	}
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var b strings.Builder
	b.Grow(len(src))
	last := 0
	for _, e := range sorted {
		if e.Start < last || e.End < e.Start || e.End > len(src) {
			return "", fmt.Errorf("overlapping or out of range edit [%d,%d)", e.Start, e.End)
		}
		b.WriteString(src[last:e.Start])
		b.WriteString(e.Text)
		last = e.End
	}
	b.WriteString(src[last:])
	return b.String(), nil
}
