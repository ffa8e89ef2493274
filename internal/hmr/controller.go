package hmr

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/watcher"
)

// FileReader reads a changed file for handleHotUpdate hooks.
type FileReader func(ctx context.Context, path string) ([]byte, error)

// Options configures a Controller.
type Options struct {
	Root string
	// ConfigFile is the absolute path of the loaded config file, if any.
	ConfigFile  string
	Graph       *modgraph.Graph
	Container   *plugins.Container
	Broadcaster Broadcaster
	Read        FileReader
	Logger      logging.Logger
	// OnConfigChange runs after the config file changed and the graph was
	// dropped.
	OnConfigChange func(ctx context.Context)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller turns file changes into HMR payloads.
type Controller struct {
	opts   Options
	locks  *keyedMutex
	logger logging.Logger
}

// New creates a controller.
func New(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Read == nil {
		opts.Read = func(_ context.Context, path string) ([]byte, error) { return os.ReadFile(path) }
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = BroadcasterFunc(func(context.Context, Payload) {})
	}
	return &Controller{
		opts:   opts,
		locks:  newKeyedMutex(),
		logger: logging.OrNop(opts.Logger).WithComponent("hmr"),
	}
}

// HandleEvents processes a watcher batch. Events for different files run
// concurrently.
func (c *Controller) HandleEvents(ctx context.Context, events []watcher.Event) {
	var g errgroup.Group
	for _, ev := range events {
		g.Go(func() error {
			c.HandleFileChange(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()
}

// HandleFileChange processes one event and broadcasts the resulting payload.
// It returns the payload, or nil when the change affects no served module.
// Changes to the same file are handled one at a time.
func (c *Controller) HandleFileChange(ctx context.Context, ev watcher.Event) *Payload {
	file := filepath.Clean(ev.Path)
	unlock := c.locks.Lock(file)
	defer unlock()

	c.opts.Container.WatchChange(ctx, file, changeEvent(ev.Op))

	p := c.classify(ctx, file, ev.Op)
	if p != nil {
		c.opts.Broadcaster.Broadcast(ctx, *p)
	}
	return p
}

// Prune tells clients that mods are no longer imported by anything.
func (c *Controller) Prune(ctx context.Context, mods []*modgraph.ModuleNode) {
	if len(mods) == 0 {
		return
	}
	ts := c.opts.Now().UnixMilli()
	paths := make([]string, 0, len(mods))
	for _, m := range mods {
		c.opts.Graph.SetLastHMRTimestamp(m, ts)
		paths = append(paths, m.URL)
	}
	c.logger.Debug(ctx, "Pruned modules", "paths", paths)
	c.opts.Broadcaster.Broadcast(ctx, Payload{Type: PayloadPrune, Paths: paths})
}

func (c *Controller) classify(ctx context.Context, file string, op watcher.Op) *Payload {
	short := c.shortName(file)

	if c.opts.ConfigFile != "" && file == filepath.Clean(c.opts.ConfigFile) {
		c.logger.Info(ctx, "Config changed, reloading", "file", short)
		c.opts.Graph.InvalidateAll()
		if c.opts.OnConfigChange != nil {
			c.opts.OnConfigChange(ctx)
		}
		p := FullReload("*")
		return &p
	}

	if op == watcher.OpUnlink {
		return c.unlink(ctx, file, short)
	}

	mods := c.opts.Graph.GetModulesByFile(file)
	ts := c.opts.Now().UnixMilli()
	hc := &plugins.HmrContext{
		File:      file,
		Timestamp: ts,
		Modules:   mods,
		Read:      func(ctx context.Context) ([]byte, error) { return c.opts.Read(ctx, file) },
	}
	mods, err := c.opts.Container.HandleHotUpdate(ctx, hc)
	if err != nil {
		c.logger.Warn(ctx, err, "Hot update hook failed, reloading page", "file", short)
		p := FullReload("*")
		return &p
	}

	if len(mods) == 0 {
		if strings.HasSuffix(file, ".html") {
			c.logger.Info(ctx, "Page reload", "file", short)
			p := FullReload("/" + short)
			return &p
		}
		c.logger.Debug(ctx, "No modules matched", "file", short)
		return nil
	}

	p := c.updateModules(ctx, short, mods, ts)
	return &p
}

func (c *Controller) unlink(ctx context.Context, file, short string) *Payload {
	mods := c.opts.Graph.OnFileChange(file)
	imported := false
	for _, m := range mods {
		if len(m.Importers()) > 0 {
			imported = true
			break
		}
	}
	if !imported {
		return nil
	}
	c.logger.Info(ctx, "Imported file removed, reloading page", "file", short)
	p := FullReload("*")
	return &p
}

// updateModules invalidates mods and finds the boundaries that absorb the
// change. Any dead end turns the whole update into a page reload.
func (c *Controller) updateModules(ctx context.Context, short string, mods []*modgraph.ModuleNode, ts int64) Payload {
	seen := make(map[*modgraph.ModuleNode]bool)
	var updates []Update
	fullReload := false

	for _, mod := range mods {
		c.opts.Graph.InvalidateModule(mod, seen)
		if fullReload {
			continue
		}
		b := &boundaries{seen: make(map[boundary]bool)}
		if propagateUpdate(mod, b, []*modgraph.ModuleNode{mod}) {
			fullReload = true
			continue
		}
		for _, bd := range b.list {
			kind := JSUpdate
			if bd.node.Type == modgraph.ModuleTypeCSS {
				kind = CSSUpdate
			}
			updates = append(updates, Update{
				Type:         kind,
				Path:         bd.node.URL,
				AcceptedPath: bd.via.URL,
				Timestamp:    ts,
			})
		}
	}

	for m := range seen {
		c.opts.Graph.SetLastHMRTimestamp(m, ts)
	}

	if fullReload || len(updates) == 0 {
		c.logger.Info(ctx, "Page reload", "file", short)
		return FullReload("*")
	}
	for _, u := range updates {
		c.logger.Info(ctx, "HMR update", "path", u.Path)
	}
	return Payload{Type: PayloadUpdate, Updates: updates}
}

type boundary struct {
	node *modgraph.ModuleNode
	via  *modgraph.ModuleNode
}

type boundaries struct {
	list []boundary
	seen map[boundary]bool
}

func (b *boundaries) add(node, via *modgraph.ModuleNode) {
	key := boundary{node: node, via: via}
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.list = append(b.list, key)
}

// propagateUpdate walks importers from node until every path reaches a
// module that accepts the change. It reports whether some path dead-ends:
// a module with no importers, or an import cycle with no boundary on it.
func propagateUpdate(node *modgraph.ModuleNode, b *boundaries, chain []*modgraph.ModuleNode) bool {
	importers := node.Importers()

	if node.IsSelfAccepting() {
		b.add(node, node)
		// Style importers still need the update.
		for _, imp := range importers {
			if modgraph.IsCSSRequest(imp.URL) && !inChain(chain, imp) {
				propagateUpdate(imp, b, appendChain(chain, imp))
			}
		}
		return false
	}

	if len(importers) == 0 {
		return true
	}

	if !modgraph.IsCSSRequest(node.URL) {
		allCSS := true
		for _, imp := range importers {
			if !modgraph.IsCSSRequest(imp.URL) {
				allCSS = false
				break
			}
		}
		if allCSS {
			return true
		}
	}

	for _, imp := range importers {
		if imp.AcceptsDep(node) {
			b.add(imp, node)
			continue
		}
		if inChain(chain, imp) {
			return true
		}
		if propagateUpdate(imp, b, appendChain(chain, imp)) {
			return true
		}
	}
	return false
}

func inChain(chain []*modgraph.ModuleNode, n *modgraph.ModuleNode) bool {
	for _, c := range chain {
		if c == n {
			return true
		}
	}
	return false
}

func appendChain(chain []*modgraph.ModuleNode, n *modgraph.ModuleNode) []*modgraph.ModuleNode {
	out := make([]*modgraph.ModuleNode, len(chain), len(chain)+1)
	copy(out, chain)
	return append(out, n)
}

func changeEvent(op watcher.Op) plugins.ChangeEvent {
	switch op {
	case watcher.OpAdd:
		return plugins.ChangeCreate
	case watcher.OpUnlink:
		return plugins.ChangeDelete
	default:
		return plugins.ChangeUpdate
	}
}

func (c *Controller) shortName(file string) string {
	if c.opts.Root == "" {
		return filepath.ToSlash(file)
	}
	rel, err := filepath.Rel(c.opts.Root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}

// keyedMutex serializes work per key without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
