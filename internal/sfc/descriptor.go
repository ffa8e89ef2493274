package sfc

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/html"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// Block is one top-level block of a component file.
type Block struct {
	Type    string
	Content string
	Attrs   map[string]string
	Lang    string
	Src     string
	Scoped  bool
	Setup   bool
	// Line is the 1-based line where Content starts.
	Line int
}

// Descriptor is the parsed structure of a component file.
type Descriptor struct {
	Filename     string
	ID           string
	Source       string
	Template     *Block
	Script       *Block
	ScriptSetup  *Block
	Styles       []*Block
	CustomBlocks []*Block
}

// HasScoped reports whether any style block is scoped.
func (d *Descriptor) HasScoped() bool {
	for _, s := range d.Styles {
		if s.Scoped {
			return true
		}
	}
	return false
}

// ScopeID is the attribute stamped on scoped elements.
func (d *Descriptor) ScopeID() string {
	return "data-v-" + d.ID
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "link": true, "meta": true, "param": true,
	"source": true, "track": true, "wbr": true,
}

// Parse splits src into blocks. root is used to derive a stable component id.
func Parse(filename, root string, src []byte) (*Descriptor, error) {
	d := &Descriptor{Filename: filename, ID: componentID(filename, root), Source: string(src)}

	z := html.NewTokenizer(bytes.NewReader(src))
	offset := 0
	var (
		open      *Block
		openName  string
		contentAt int
		openLine  int
		depth     int
	)

	for {
		tt := z.Next()
		raw := z.Raw()
		start := offset
		offset += len(raw)

		switch tt {
		case html.ErrorToken:
			if open != nil {
				return nil, parseError(filename, src, contentAt, fmt.Sprintf("element <%s> is missing end tag", openName), openLine)
			}
			return d, nil

		case html.StartTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if open != nil {
				if tag == openName && !voidElements[tag] {
					depth++
				}
				continue
			}
			open = &Block{Type: tag, Attrs: readAttrs(z, hasAttr)}
			openName = tag
			contentAt = offset
			openLine = lineAt(src, start)
			depth = 0

		case html.EndTagToken:
			if open == nil {
				continue
			}
			name, _ := z.TagName()
			if string(name) != openName {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			open.Content = string(src[contentAt:start])
			open.Line = lineAt(src, contentAt)
			if err := d.add(open); err != nil {
				return nil, parseError(filename, src, contentAt, err.Error(), openLine)
			}
			open = nil

		case html.SelfClosingTagToken:
			if open != nil {
				continue
			}
			name, hasAttr := z.TagName()
			b := &Block{Type: string(name), Attrs: readAttrs(z, hasAttr), Line: lineAt(src, start)}
			if err := d.add(b); err != nil {
				return nil, parseError(filename, src, start, err.Error(), b.Line)
			}
		}
	}
}

func readAttrs(z *html.Tokenizer, more bool) map[string]string {
	attrs := make(map[string]string)
	for more {
		var k, v []byte
		k, v, more = z.TagAttr()
		attrs[string(k)] = string(v)
	}
	return attrs
}

func (d *Descriptor) add(b *Block) error {
	b.Lang = b.Attrs["lang"]
	b.Src = b.Attrs["src"]
	_, b.Scoped = b.Attrs["scoped"]
	_, b.Setup = b.Attrs["setup"]

	switch b.Type {
	case KindTemplate:
		if d.Template != nil {
			return errors.New("a component can only contain one <template> block")
		}
		d.Template = b
	case KindScript:
		if b.Setup {
			if d.ScriptSetup != nil {
				return errors.New("a component can only contain one <script setup> block")
			}
			d.ScriptSetup = b
			return nil
		}
		if d.Script != nil {
			return errors.New("a component can only contain one <script> block")
		}
		d.Script = b
	case KindStyle:
		d.Styles = append(d.Styles, b)
	default:
		d.CustomBlocks = append(d.CustomBlocks, b)
	}
	return nil
}

func parseError(filename string, src []byte, offset int, msg string, line int) error {
	_, col := kerrors.OffsetToPosition(string(src), offset)
	ke := kerrors.NewTransformError("kiln:sfc", filename, errors.New(msg))
	ke.WithLocation(filename, line, col)
	return ke.WithFrame(string(src))
}

func lineAt(src []byte, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	return bytes.Count(src[:offset], []byte("\n")) + 1
}

// componentID hashes the root-relative path so ids survive restarts.
func componentID(filename, root string) string {
	short := filename
	if root != "" {
		if rel, err := filepath.Rel(root, filename); err == nil {
			short = rel
		}
	}
	short = strings.TrimLeft(filepath.ToSlash(short), "./")
	return fmt.Sprintf("%016x", xxhash.Sum64String(short))[:8]
}

// EqualBlock reports whether two blocks would compile to the same output.
// Blocks pointing at the same external src are equal; the src file triggers
// its own update.
func EqualBlock(a, b *Block) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Src != "" && a.Src == b.Src {
		return true
	}
	if a.Content != b.Content || len(a.Attrs) != len(b.Attrs) {
		return false
	}
	for k, v := range a.Attrs {
		if bv, ok := b.Attrs[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// OnlyTemplateChanged reports whether next differs from prev only in its
// template, in which case a re-render is enough.
func OnlyTemplateChanged(prev, next *Descriptor) bool {
	if !EqualBlock(prev.Script, next.Script) || !EqualBlock(prev.ScriptSetup, next.ScriptSetup) {
		return false
	}
	if len(prev.Styles) != len(next.Styles) || len(prev.CustomBlocks) != len(next.CustomBlocks) {
		return false
	}
	for i := range prev.Styles {
		if !EqualBlock(prev.Styles[i], next.Styles[i]) {
			return false
		}
	}
	for i := range prev.CustomBlocks {
		if !EqualBlock(prev.CustomBlocks[i], next.CustomBlocks[i]) {
			return false
		}
	}
	return true
}
