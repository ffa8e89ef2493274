// Package modgraph holds the live dependency graph of every module the
// running application has requested.
//
// Nodes are created lazily and live as long as the graph. Edges are plain
// pointers in both directions; every traversal carries a visited set so
// import cycles are safe. One RWMutex guards all node state, and edge
// reconciliation for a module happens inside a single critical section.
package modgraph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conneroisu/kiln/internal/logging"
)

// ResolveFunc maps a served URL to a canonical id.
type ResolveFunc func(ctx context.Context, url string) (string, error)

// Graph is the module graph.
type Graph struct {
	mu            sync.RWMutex
	urlToModule   map[string]*ModuleNode
	idToModule    map[string]*ModuleNode
	fileToModules map[string]nodeSet
	clock         uint64

	resolve ResolveFunc
	logger  logging.Logger
}

// New creates a graph. resolve is consulted for URLs seen for the first time.
func New(resolve ResolveFunc, logger logging.Logger) *Graph {
	return &Graph{
		urlToModule:   make(map[string]*ModuleNode),
		idToModule:    make(map[string]*ModuleNode),
		fileToModules: make(map[string]nodeSet),
		resolve:       resolve,
		logger:        logging.OrNop(logger).WithComponent("modgraph"),
	}
}

// GetModuleByURL returns the node for url, or nil.
func (g *Graph) GetModuleByURL(url string) *ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.urlToModule[CleanURL(url)]
}

// GetModuleByID returns the node for id, or nil.
func (g *Graph) GetModuleByID(id string) *ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idToModule[id]
}

// GetModulesByFile returns every node backed by file.
func (g *Graph) GetModulesByFile(file string) []*ModuleNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fileToModules[file].sorted()
}

// EnsureEntry returns the node for url, resolving and creating it on first
// sight. Resolution happens outside the lock.
func (g *Graph) EnsureEntry(ctx context.Context, url string) (*ModuleNode, error) {
	url = CleanURL(url)
	if n := g.GetModuleByURL(url); n != nil {
		return n, nil
	}
	if g.resolve == nil {
		return nil, fmt.Errorf("modgraph: no resolver for %s", url)
	}
	id, err := g.resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	return g.EnsureEntryFromResolved(url, id), nil
}

// EnsureEntryFromResolved returns the node for (url, id), creating it when
// neither is known. A known id gains url as an alias.
func (g *Graph) EnsureEntryFromResolved(url, id string) *ModuleNode {
	url = CleanURL(url)

	g.mu.Lock()
	defer g.mu.Unlock()

	if n, ok := g.urlToModule[url]; ok {
		return n
	}
	if n, ok := g.idToModule[id]; ok {
		g.urlToModule[url] = n
		return n
	}

	n := newNode(g, url, id)
	g.urlToModule[url] = n
	g.idToModule[id] = n
	if n.File != "" {
		set, ok := g.fileToModules[n.File]
		if !ok {
			set = make(nodeSet)
			g.fileToModules[n.File] = set
		}
		set[n] = struct{}{}
	}
	return n
}

// UpdateModuleInfo replaces node's outgoing edges. New URLs are resolved
// first; the forward and backward edges are then reconciled under one lock.
// It returns the modules that lost their last importer.
func (g *Graph) UpdateModuleInfo(ctx context.Context, node *ModuleNode, importedURLs, acceptedURLs []string, isSelfAccepting bool) ([]*ModuleNode, error) {
	imported, accepted, err := g.ensureEdges(ctx, importedURLs, acceptedURLs)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reconcileLocked(node, imported, accepted, isSelfAccepting), nil
}

// Commit is the edge reconciliation of UpdateModuleInfo and the result store
// of CommitTransformResult as one step. Nothing changes when node was
// invalidated after stamp was read; committed is false then.
func (g *Graph) Commit(ctx context.Context, node *ModuleNode, result *TransformResult, importedURLs, acceptedURLs []string, isSelfAccepting bool, stamp uint64) (orphaned []*ModuleNode, committed bool, err error) {
	imported, accepted, err := g.ensureEdges(ctx, importedURLs, acceptedURLs)
	if err != nil {
		return nil, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if node.lastInvalidation != stamp {
		return nil, false, nil
	}
	orphaned = g.reconcileLocked(node, imported, accepted, isSelfAccepting)
	node.transformResult = result
	return orphaned, true, nil
}

func (g *Graph) ensureEdges(ctx context.Context, importedURLs, acceptedURLs []string) (imported, accepted []*ModuleNode, err error) {
	if imported, err = g.ensureAll(ctx, importedURLs); err != nil {
		return nil, nil, err
	}
	if accepted, err = g.ensureAll(ctx, acceptedURLs); err != nil {
		return nil, nil, err
	}
	return imported, accepted, nil
}

func (g *Graph) reconcileLocked(node *ModuleNode, imported, accepted []*ModuleNode, isSelfAccepting bool) []*ModuleNode {
	next := make(nodeSet, len(imported))
	for _, dep := range imported {
		next[dep] = struct{}{}
	}

	var orphaned []*ModuleNode
	for dep := range node.importedModules {
		if _, keep := next[dep]; keep {
			continue
		}
		delete(dep.importers, node)
		if len(dep.importers) == 0 {
			orphaned = append(orphaned, dep)
		}
	}
	for dep := range next {
		dep.importers[node] = struct{}{}
	}
	node.importedModules = next

	acc := make(nodeSet, len(accepted))
	for _, dep := range accepted {
		acc[dep] = struct{}{}
	}
	node.acceptedHmrDeps = acc
	node.isSelfAccepting = isSelfAccepting

	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].URL < orphaned[j].URL })
	return orphaned
}

func (g *Graph) ensureAll(ctx context.Context, urls []string) ([]*ModuleNode, error) {
	nodes := make([]*ModuleNode, 0, len(urls))
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := g.EnsureEntry(ctx, u)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// InvalidateModule drops node's cached result and advances its invalidation
// stamp. Importers are invalidated too, except those that accept node as a
// hot dependency; propagation stops at a self-accepting module. seen may be
// nil.
func (g *Graph) InvalidateModule(node *ModuleNode, seen map[*ModuleNode]bool) {
	if seen == nil {
		seen = make(map[*ModuleNode]bool)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidateLocked(node, seen)
}

func (g *Graph) invalidateLocked(node *ModuleNode, seen map[*ModuleNode]bool) {
	if seen[node] {
		return
	}
	seen[node] = true

	g.clock++
	node.lastInvalidation = g.clock
	node.transformResult = nil

	if node.isSelfAccepting {
		return
	}
	for importer := range node.importers {
		if _, accepts := importer.acceptedHmrDeps[node]; accepts {
			continue
		}
		g.invalidateLocked(importer, seen)
	}
}

// InvalidateAll drops every cached result, used on config reloads.
func (g *Graph) InvalidateAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.idToModule {
		g.clock++
		n.lastInvalidation = g.clock
		n.transformResult = nil
	}
}

// OnFileChange invalidates every module backed by file and returns them.
func (g *Graph) OnFileChange(file string) []*ModuleNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	mods := g.fileToModules[file].sorted()
	seen := make(map[*ModuleNode]bool)
	for _, n := range mods {
		g.invalidateLocked(n, seen)
	}
	if len(mods) > 0 {
		g.logger.Debug(context.Background(), "Invalidated modules for file", "file", file, "modules", len(mods), "affected", len(seen))
	}
	return mods
}

// CommitTransformResult stores result on node only if node has not been
// invalidated since stamp was read. It reports whether the result was stored.
func (g *Graph) CommitTransformResult(node *ModuleNode, result *TransformResult, stamp uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.lastInvalidation != stamp {
		return false
	}
	node.transformResult = result
	return true
}

// SetLastHMRTimestamp records the time of a hot update for refetch queries.
func (g *Graph) SetLastHMRTimestamp(node *ModuleNode, ts int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node.lastHMRTimestamp = ts
}

// Clock returns the current invalidation clock.
func (g *Graph) Clock() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clock
}

// Len returns the number of distinct modules.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.idToModule)
}

// Snapshot returns every node, sorted by URL.
func (g *Graph) Snapshot() []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Snapshot, 0, len(g.idToModule))
	for _, n := range g.idToModule {
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
