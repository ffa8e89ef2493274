package sfc

import (
	"strings"

	"golang.org/x/net/html"
)

// scopeTemplate stamps attr on every element start tag of tmpl.
func scopeTemplate(tmpl, attr string) string {
	z := html.NewTokenizerFragment(strings.NewReader(tmpl), "template")
	var b strings.Builder
	b.Grow(len(tmpl) + 32)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return b.String()
		}
		raw := string(z.Raw())
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "template" || tag == "slot" {
				b.WriteString(raw)
				continue
			}
			cut := len(raw) - 1
			if tt == html.SelfClosingTagToken && strings.HasSuffix(raw, "/>") {
				cut = len(raw) - 2
			}
			head := strings.TrimRight(raw[:cut], " \t\r\n")
			b.WriteString(head)
			b.WriteByte(' ')
			b.WriteString(attr)
			b.WriteString(raw[cut:])
		default:
			b.WriteString(raw)
		}
	}
}

// scopeCSS appends [attr] to the last compound selector of every style rule.
// Keyframe blocks are left alone; grouping at-rules are descended into.
func scopeCSS(css, attr string) string {
	suffix := "[" + attr + "]"
	var b strings.Builder
	b.Grow(len(css) + 64)
	i, start := 0, 0
	for i < len(css) {
		switch c := css[i]; {
		case c == '/' && i+1 < len(css) && css[i+1] == '*':
			leading := strings.TrimSpace(css[start:i]) == ""
			i = skipComment(css, i)
			// A comment ahead of a selector is not part of it.
			if leading {
				b.WriteString(css[start:i])
				start = i
			}
		case c == '"' || c == '\'':
			i = skipString(css, i)
		case c == ';' || c == '}':
			i++
			b.WriteString(css[start:i])
			start = i
		case c == '{':
			prelude := css[start:i]
			trimmed := strings.TrimSpace(prelude)
			switch {
			case strings.HasPrefix(trimmed, "@") && strings.Contains(strings.ToLower(trimmed), "keyframes"):
				end := matchBrace(css, i)
				b.WriteString(css[start:end])
				i, start = end, end
			case strings.HasPrefix(trimmed, "@"):
				i++
				b.WriteString(css[start:i])
				start = i
			default:
				b.WriteString(scopeSelectors(prelude, suffix))
				end := matchBrace(css, i)
				b.WriteString(css[i:end])
				i, start = end, end
			}
		default:
			i++
		}
	}
	b.WriteString(css[start:])
	return b.String()
}

func scopeSelectors(prelude, suffix string) string {
	parts := splitTopLevel(prelude, ',')
	for i, sel := range parts {
		core := strings.TrimSpace(sel)
		if core == "" {
			continue
		}
		lead := sel[:strings.Index(sel, core)]
		trail := sel[len(lead)+len(core):]
		parts[i] = lead + scopeSelector(core, suffix) + trail
	}
	return strings.Join(parts, ",")
}

// scopeSelector inserts suffix at the end of the last compound selector,
// before any pseudo-class or pseudo-element.
func scopeSelector(sel, suffix string) string {
	depth := 0
	last := 0
	for i := 0; i < len(sel); i++ {
		switch sel[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ' ', '>', '+', '~', '\t', '\n':
			if depth == 0 {
				last = i + 1
			}
		}
	}
	insert := len(sel)
	depth = 0
	for i := last; i < len(sel); i++ {
		switch sel[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ':':
			if depth == 0 && insert == len(sel) {
				insert = i
			}
		}
	}
	return sel[:insert] + suffix + sel[insert:]
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func skipComment(s string, i int) int {
	end := strings.Index(s[i+2:], "*/")
	if end < 0 {
		return len(s)
	}
	return i + 2 + end + 2
}

func skipString(s string, i int) int {
	quote := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(s)
}

// matchBrace returns the index just past the brace closing the one at open.
func matchBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); {
		switch c := s[i]; {
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i = skipComment(s, i)
			continue
		case c == '"' || c == '\'':
			i = skipString(s, i)
			continue
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
		i++
	}
	return len(s)
}
