package resolver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type exportsKind int

const (
	exportsNull exportsKind = iota
	exportsString
	exportsArray
	exportsObject
)

// exportsNode is an "exports" value with object key order preserved;
// condition matching depends on it.
type exportsNode struct {
	kind   exportsKind
	target string
	items  []*exportsNode
	keys   []string
	values []*exportsNode
}

func (n *exportsNode) get(key string) (*exportsNode, bool) {
	for i, k := range n.keys {
		if k == key {
			return n.values[i], true
		}
	}
	return nil, false
}

// isSubpathMap reports whether the object keys are subpaths rather than
// conditions.
func (n *exportsNode) isSubpathMap() bool {
	return n.kind == exportsObject && len(n.keys) > 0 && strings.HasPrefix(n.keys[0], ".")
}

func parseExports(raw []byte) (*exportsNode, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	node, err := decodeExports(dec)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func decodeExports(dec *json.Decoder) (*exportsNode, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return &exportsNode{kind: exportsNull}, nil
	case string:
		return &exportsNode{kind: exportsString, target: t}, nil
	case json.Delim:
		switch t {
		case '[':
			n := &exportsNode{kind: exportsArray}
			for dec.More() {
				item, err := decodeExports(dec)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, item)
			}
			_, err := dec.Token()
			return n, err
		case '{':
			n := &exportsNode{kind: exportsObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := decodeExports(dec)
				if err != nil {
					return nil, err
				}
				n.keys = append(n.keys, key)
				n.values = append(n.values, val)
			}
			_, err := dec.Token()
			return n, err
		}
	}
	return nil, fmt.Errorf("unexpected exports value %v", tok)
}

// resolveExports maps a subpath ("." or "./x") to a package-relative target.
func (r *Resolver) resolveExports(root *exportsNode, subpath string) (string, bool) {
	if !root.isSubpathMap() {
		if subpath != "." {
			return "", false
		}
		return r.resolveTarget(root, "")
	}

	if v, ok := root.get(subpath); ok && !strings.Contains(subpath, "*") {
		return r.resolveTarget(v, "")
	}

	// Subpath patterns: the longest matching prefix wins.
	type candidate struct {
		key   string
		value *exportsNode
		match string
	}
	var matches []candidate
	for i, key := range root.keys {
		star := strings.IndexByte(key, '*')
		if star < 0 {
			if strings.HasSuffix(key, "/") && strings.HasPrefix(subpath, key) {
				matches = append(matches, candidate{key, root.values[i], subpath[len(key):]})
			}
			continue
		}
		prefix, suffix := key[:star], key[star+1:]
		if len(subpath) >= len(prefix)+len(suffix) && strings.HasPrefix(subpath, prefix) && strings.HasSuffix(subpath, suffix) {
			matches = append(matches, candidate{key, root.values[i], subpath[len(prefix) : len(subpath)-len(suffix)]})
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].key) > len(matches[j].key)
	})
	best := matches[0]
	target, ok := r.resolveTarget(best.value, best.match)
	if !ok {
		return "", false
	}
	if !strings.Contains(best.key, "*") {
		target += best.match
	}
	return target, true
}

func (r *Resolver) resolveTarget(n *exportsNode, patternMatch string) (string, bool) {
	switch n.kind {
	case exportsString:
		if !strings.HasPrefix(n.target, "./") {
			return "", false
		}
		return strings.ReplaceAll(n.target, "*", patternMatch), true
	case exportsArray:
		for _, item := range n.items {
			if t, ok := r.resolveTarget(item, patternMatch); ok {
				return t, true
			}
		}
	case exportsObject:
		for i, key := range n.keys {
			if !r.conditions[key] {
				continue
			}
			if t, ok := r.resolveTarget(n.values[i], patternMatch); ok {
				return t, true
			}
		}
	}
	return "", false
}
