// Package sourcemap implements the subset of Source Map v3 that the
// transform chain needs: parsing, base64 VLQ mapping codec, and collapsing
// a chain of maps into one map that points at the original sources.
package sourcemap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Map is a version 3 source map.
type Map struct {
	Version        int      `json:"version"`
	File           string   `json:"file,omitempty"`
	SourceRoot     string   `json:"sourceRoot,omitempty"`
	Sources        []string `json:"sources"`
	SourcesContent []string `json:"sourcesContent,omitempty"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
}

// Segment is one decoded mapping. Columns and lines are 0-based.
type Segment struct {
	GenColumn int
	Source    int
	Line      int
	Column    int
	Name      int

	HasSource bool
	HasName   bool
}

// Parse decodes a JSON source map.
func Parse(data []byte) (*Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse source map: %w", err)
	}
	if m.Version != 0 && m.Version != 3 {
		return nil, fmt.Errorf("unsupported source map version %d", m.Version)
	}
	m.Version = 3
	return &m, nil
}

// JSON encodes the map.
func (m *Map) JSON() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	if m.Sources == nil {
		m.Sources = []string{}
	}
	if m.Names == nil {
		m.Names = []string{}
	}
	return json.Marshal(m)
}

// Lines decodes the mappings field.
func (m *Map) Lines() ([][]Segment, error) {
	return Decode(m.Mappings)
}

// Identity returns a map where every line of code maps to the same line of
// source at column 0.
func Identity(source, code string) *Map {
	return IdentityAt(source, code, code, 0)
}

// IdentityAt maps each line of code to the same line of sourceContent shifted
// down by lineOffset lines. It describes a block cut out of a larger file.
func IdentityAt(source, sourceContent, code string, lineOffset int) *Map {
	n := strings.Count(code, "\n") + 1
	lines := make([][]Segment, n)
	for i := range lines {
		lines[i] = []Segment{{Source: 0, Line: i + lineOffset, HasSource: true}}
	}
	return &Map{
		Version:        3,
		Sources:        []string{source},
		SourcesContent: []string{sourceContent},
		Names:          []string{},
		Mappings:       Encode(lines),
	}
}

// Combine collapses a transform chain. maps[0] maps the first transform's
// output back to the loaded source; each later map maps its output to the
// previous output. Nil entries are transforms that kept positions and are
// skipped. The result maps the final output to maps[0]'s sources.
func Combine(maps []*Map) (*Map, error) {
	chain := make([]*Map, 0, len(maps))
	for _, m := range maps {
		if m != nil {
			chain = append(chain, m)
		}
	}
	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	}

	decoded := make([][][]Segment, len(chain))
	for i, m := range chain {
		lines, err := m.Lines()
		if err != nil {
			return nil, err
		}
		decoded[i] = lines
	}

	last := len(chain) - 1
	root := chain[0]
	out := make([][]Segment, len(decoded[last]))
	for genLine, segs := range decoded[last] {
		for _, seg := range segs {
			if !seg.HasSource {
				continue
			}
			traced, ok := trace(decoded, last-1, seg)
			if !ok {
				continue
			}
			// Names of later maps index their own tables; only root names survive.
			traced.GenColumn = seg.GenColumn
			out[genLine] = append(out[genLine], traced)
		}
	}

	return &Map{
		Version:        3,
		File:           chain[last].File,
		SourceRoot:     root.SourceRoot,
		Sources:        root.Sources,
		SourcesContent: root.SourcesContent,
		Names:          root.Names,
		Mappings:       Encode(out),
	}, nil
}

// trace follows seg's original position through decoded[level] down to
// decoded[0].
func trace(decoded [][][]Segment, level int, seg Segment) (Segment, bool) {
	for ; level >= 0; level-- {
		lines := decoded[level]
		if seg.Line < 0 || seg.Line >= len(lines) {
			return Segment{}, false
		}
		found, ok := lookup(lines[seg.Line], seg.Column)
		if !ok || !found.HasSource {
			return Segment{}, false
		}
		seg = found
	}
	return seg, true
}

// lookup returns the segment with the greatest generated column <= column.
func lookup(segs []Segment, column int) (Segment, bool) {
	i := sort.Search(len(segs), func(i int) bool { return segs[i].GenColumn > column })
	if i == 0 {
		return Segment{}, false
	}
	return segs[i-1], true
}

// OriginalPosition maps a generated line/column (0-based) to its source.
func (m *Map) OriginalPosition(line, column int) (source string, srcLine, srcColumn int, ok bool) {
	lines, err := m.Lines()
	if err != nil || line < 0 || line >= len(lines) {
		return "", 0, 0, false
	}
	seg, found := lookup(lines[line], column)
	if !found || !seg.HasSource || seg.Source >= len(m.Sources) {
		return "", 0, 0, false
	}
	return m.Sources[seg.Source], seg.Line, seg.Column, true
}
