// Package sfc implements single-file components: .vue files whose top-level
// <template>, <script>, <style> and custom blocks are served as independent
// sub-modules addressed by query suffixes.
package sfc

import (
	"strconv"
	"strings"
)

// Block kinds used in sub-module queries.
const (
	KindScript   = "script"
	KindTemplate = "template"
	KindStyle    = "style"
)

// Query is the structured form of a sub-module id such as
// /src/App.vue?vue&type=style&index=0&scoped&lang.css.
type Query struct {
	Base   string
	Kind   string
	Index  int
	Lang   string
	Scoped bool
}

// ParseID splits a sub-module id. ok is false for ids without the vue marker,
// which includes the main module id.
func ParseID(id string) (q Query, ok bool) {
	base, rawQuery, found := strings.Cut(id, "?")
	if !found {
		return Query{Base: id}, false
	}
	q.Base = base
	for _, part := range strings.Split(rawQuery, "&") {
		key, value, _ := strings.Cut(part, "=")
		switch {
		case key == "vue":
			ok = true
		case key == "type":
			q.Kind = value
		case key == "index":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Query{Base: base}, false
			}
			q.Index = n
		case key == "scoped":
			q.Scoped = true
		case strings.HasPrefix(key, "lang."):
			q.Lang = strings.TrimPrefix(key, "lang.")
		}
	}
	if !ok || q.Kind == "" {
		return Query{Base: base}, false
	}
	return q, true
}

// String renders the id. The lang marker goes last so extension based
// filters see it.
func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Base)
	b.WriteString("?vue&type=")
	b.WriteString(q.Kind)
	if q.Kind != KindScript && q.Kind != KindTemplate {
		b.WriteString("&index=")
		b.WriteString(strconv.Itoa(q.Index))
	}
	if q.Scoped {
		b.WriteString("&scoped")
	}
	if q.Lang != "" {
		b.WriteString("&lang.")
		b.WriteString(q.Lang)
	}
	return b.String()
}

// IsSFC reports whether id is a main .vue module.
func IsSFC(id string) bool {
	base, _, _ := strings.Cut(id, "?")
	return strings.HasSuffix(base, ".vue")
}
