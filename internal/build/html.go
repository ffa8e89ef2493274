package build

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseHTML parses an HTML document.
func ParseHTML(r io.Reader) (*html.Node, error) {
	return html.Parse(r)
}

// RenderHTML serializes doc.
func RenderHTML(doc *html.Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ModuleScripts returns the src of every <script type="module" src> in doc,
// in document order. Remote sources are skipped.
func ModuleScripts(doc *html.Node) []string {
	var out []string
	walkElements(doc, func(n *html.Node) {
		if n.DataAtom != atom.Script || attr(n, "type") != "module" {
			return
		}
		src := attr(n, "src")
		if src == "" || isRemote(src) {
			return
		}
		out = append(out, src)
	})
	return out
}

// LinkedAssets returns module scripts plus stylesheet hrefs, for warm-up.
func LinkedAssets(doc *html.Node) []string {
	out := ModuleScripts(doc)
	walkElements(doc, func(n *html.Node) {
		if n.DataAtom != atom.Link || attr(n, "rel") != "stylesheet" {
			return
		}
		if href := attr(n, "href"); href != "" && !isRemote(href) {
			out = append(out, href)
		}
	})
	return out
}

// RewriteScripts replaces module script sources found in replace. Scripts
// mapped to the empty string are removed.
func RewriteScripts(doc *html.Node, replace map[string]string) {
	var drop []*html.Node
	walkElements(doc, func(n *html.Node) {
		if n.DataAtom != atom.Script || attr(n, "type") != "module" {
			return
		}
		next, ok := replace[attr(n, "src")]
		if !ok {
			return
		}
		if next == "" {
			drop = append(drop, n)
			return
		}
		setAttr(n, "src", next)
	})
	for _, n := range drop {
		n.Parent.RemoveChild(n)
	}
}

// AppendToHead adds a <script type="module" src> element to the document head.
func AppendToHead(doc *html.Node, src string) {
	var head *html.Node
	walkElements(doc, func(n *html.Node) {
		if head == nil && n.DataAtom == atom.Head {
			head = n
		}
	})
	if head == nil {
		return
	}
	script := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr: []html.Attribute{
			{Key: "type", Val: "module"},
			{Key: "src", Val: src},
		},
	}
	head.InsertBefore(script, head.FirstChild)
}

func walkElements(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func isRemote(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "//") ||
		strings.HasPrefix(s, "data:")
}
