package modgraph

import (
	"sort"

	"github.com/conneroisu/kiln/internal/sourcemap"
)

// ModuleType distinguishes style modules for hot update classification.
type ModuleType string

const (
	ModuleTypeJS  ModuleType = "js"
	ModuleTypeCSS ModuleType = "css"
)

// TransformResult is the cached output of the transform chain.
type TransformResult struct {
	Code string
	Map  *sourcemap.Map
	ETag string
	// Deps are the served URLs the code imports after rewriting.
	Deps []string
}

type nodeSet map[*ModuleNode]struct{}

// ModuleNode is one module in the graph. All mutable fields are guarded by
// the owning graph's mutex and read through accessors.
type ModuleNode struct {
	// URL is the browser-facing request path.
	URL string
	// ID is the canonical resolved id, possibly with a query.
	ID string
	// File is the file on disk, empty for virtual modules.
	File string
	Type ModuleType

	graph *Graph

	importers       nodeSet
	importedModules nodeSet
	acceptedHmrDeps nodeSet
	isSelfAccepting bool

	transformResult  *TransformResult
	lastInvalidation uint64
	lastHMRTimestamp int64
}

func newNode(g *Graph, url, id string) *ModuleNode {
	t := ModuleTypeJS
	if isCSSRequest(id) {
		t = ModuleTypeCSS
	}
	return &ModuleNode{
		URL:             url,
		ID:              id,
		File:            FileFromID(id),
		Type:            t,
		graph:           g,
		importers:       make(nodeSet),
		importedModules: make(nodeSet),
		acceptedHmrDeps: make(nodeSet),
	}
}

func (s nodeSet) sorted() []*ModuleNode {
	out := make([]*ModuleNode, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Importers returns the modules that import n, sorted by URL.
func (n *ModuleNode) Importers() []*ModuleNode {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.importers.sorted()
}

// ImportedModules returns the modules n imports, sorted by URL.
func (n *ModuleNode) ImportedModules() []*ModuleNode {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.importedModules.sorted()
}

// AcceptedHmrDeps returns the deps n accepts hot updates for.
func (n *ModuleNode) AcceptedHmrDeps() []*ModuleNode {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.acceptedHmrDeps.sorted()
}

// AcceptsDep reports whether n accepts hot updates of dep.
func (n *ModuleNode) AcceptsDep(dep *ModuleNode) bool {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	_, ok := n.acceptedHmrDeps[dep]
	return ok
}

// IsSelfAccepting reports whether n calls import.meta.hot.accept() on itself.
func (n *ModuleNode) IsSelfAccepting() bool {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.isSelfAccepting
}

// TransformResult returns the cached result or nil.
func (n *ModuleNode) TransformResult() *TransformResult {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.transformResult
}

// InvalidationStamp returns the graph clock value of the last invalidation.
func (n *ModuleNode) InvalidationStamp() uint64 {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.lastInvalidation
}

// LastHMRTimestamp returns the wall clock millis of the last hot update.
func (n *ModuleNode) LastHMRTimestamp() int64 {
	n.graph.mu.RLock()
	defer n.graph.mu.RUnlock()
	return n.lastHMRTimestamp
}

// Snapshot is a lock-free copy of a node for dumps.
type Snapshot struct {
	URL             string   `json:"url" yaml:"url"`
	ID              string   `json:"id" yaml:"id"`
	File            string   `json:"file,omitempty" yaml:"file,omitempty"`
	Type            string   `json:"type" yaml:"type"`
	Importers       []string `json:"importers,omitempty" yaml:"importers,omitempty"`
	Imports         []string `json:"imports,omitempty" yaml:"imports,omitempty"`
	AcceptedDeps    []string `json:"acceptedDeps,omitempty" yaml:"acceptedDeps,omitempty"`
	IsSelfAccepting bool     `json:"isSelfAccepting" yaml:"isSelfAccepting"`
	Cached          bool     `json:"cached" yaml:"cached"`
	Invalidations   uint64   `json:"invalidationStamp" yaml:"invalidationStamp"`
}

func urls(s nodeSet) []string {
	nodes := s.sorted()
	if len(nodes) == 0 {
		return nil
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.URL
	}
	return out
}

// snapshot must be called with the graph lock held.
func (n *ModuleNode) snapshot() Snapshot {
	return Snapshot{
		URL:             n.URL,
		ID:              n.ID,
		File:            n.File,
		Type:            string(n.Type),
		Importers:       urls(n.importers),
		Imports:         urls(n.importedModules),
		AcceptedDeps:    urls(n.acceptedHmrDeps),
		IsSelfAccepting: n.isSelfAccepting,
		Cached:          n.transformResult != nil,
		Invalidations:   n.lastInvalidation,
	}
}
