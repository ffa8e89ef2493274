package sfc

import (
	"github.com/conneroisu/kiln/internal/modgraph"
)

type moduleSet struct {
	list []*modgraph.ModuleNode
	seen map[*modgraph.ModuleNode]bool
}

func (s *moduleSet) add(m *modgraph.ModuleNode) {
	if m == nil || s.seen[m] {
		return
	}
	s.seen[m] = true
	s.list = append(s.list, m)
}

// Diff compares prev and next for the same file and picks the affected
// modules out of modules, the graph nodes currently tracked for that file.
// The result is empty, never nil, when nothing observable changed.
func Diff(prev, next *Descriptor, modules []*modgraph.ModuleNode) []*modgraph.ModuleNode {
	var (
		mainModule     *modgraph.ModuleNode
		templateModule *modgraph.ModuleNode
	)
	for _, m := range modules {
		q, ok := ParseID(m.ID)
		switch {
		case !ok || q.Kind == KindScript:
			if mainModule == nil {
				mainModule = m
			}
		case q.Kind == KindTemplate:
			templateModule = m
		}
	}
	find := func(kind string, index int) *modgraph.ModuleNode {
		for _, m := range modules {
			if q, ok := ParseID(m.ID); ok && q.Kind == kind && q.Index == index {
				return m
			}
		}
		return nil
	}

	affected := &moduleSet{seen: make(map[*modgraph.ModuleNode]bool)}

	if !EqualBlock(prev.Script, next.Script) || !EqualBlock(prev.ScriptSetup, next.ScriptSetup) {
		affected.add(mainModule)
	}

	if !EqualBlock(prev.Template, next.Template) {
		if templateModule != nil {
			affected.add(templateModule)
		} else {
			// The render function is not yet its own module; replace main.
			affected.add(mainModule)
		}
	}

	// Generated code for main and template both depend on the scope id.
	if prev.HasScoped() != next.HasScoped() {
		affected.add(templateModule)
		affected.add(mainModule)
	}

	if len(prev.Styles) != len(next.Styles) {
		affected.add(mainModule)
	} else {
		for i, style := range next.Styles {
			if EqualBlock(prev.Styles[i], style) {
				continue
			}
			if m := find(KindStyle, i); m != nil {
				affected.add(m)
			} else {
				affected.add(mainModule)
			}
		}
	}

	if len(prev.CustomBlocks) != len(next.CustomBlocks) {
		affected.add(mainModule)
	} else {
		for i, block := range next.CustomBlocks {
			if EqualBlock(prev.CustomBlocks[i], block) {
				continue
			}
			if m := find(block.Type, i); m != nil {
				affected.add(m)
			} else {
				affected.add(mainModule)
			}
		}
	}

	if affected.list == nil {
		return []*modgraph.ModuleNode{}
	}
	return affected.list
}
