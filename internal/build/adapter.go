package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/conneroisu/kiln/internal/analysis"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/resolver"
	"github.com/conneroisu/kiln/internal/sourcemap"
)

const tracerName = "github.com/conneroisu/kiln/internal/build"

// Module is one transformed module of a build.
type Module struct {
	ID   string
	URL  string
	Code string
	Map  *sourcemap.Map
	// Imports maps each specifier in Code to the id it resolved to. External
	// specifiers map to the empty string.
	Imports map[string]string
	Entry   bool
	// Err is set for modules that failed when errors are tolerated.
	Err error
}

// ModuleSet is the materialized output of the module walk.
type ModuleSet struct {
	mu      sync.RWMutex
	byID    map[string]*Module
	byURL   map[string]*Module
	entries []string
	// specs maps entry specifiers to the ids they resolved to.
	specs map[string]string
}

func newModuleSet() *ModuleSet {
	return &ModuleSet{
		byID:  make(map[string]*Module),
		byURL: make(map[string]*Module),
		specs: make(map[string]string),
	}
}

// claim reserves id for the caller. It reports false when id was already
// claimed. A non-empty spec marks the module as an entry.
func (s *ModuleSet) claim(id, url, spec string) (*Module, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec != "" {
		s.specs[spec] = id
	}
	if m, ok := s.byID[id]; ok {
		if spec != "" && !m.Entry {
			m.Entry = true
			s.entries = append(s.entries, id)
		}
		return m, false
	}
	m := &Module{ID: id, URL: url, Entry: spec != ""}
	s.byID[id] = m
	s.byURL[url] = m
	if spec != "" {
		s.entries = append(s.entries, id)
	}
	return m, true
}

// EntrySpecs returns a copy of the entry specifier to id mapping.
func (s *ModuleSet) EntrySpecs() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.specs))
	for k, v := range s.specs {
		out[k] = v
	}
	return out
}

// Get returns the module for id.
func (s *ModuleSet) Get(id string) (*Module, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return m, ok
}

// ByURL returns the module served at url.
func (s *ModuleSet) ByURL(url string) (*Module, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byURL[url]
	return m, ok
}

// Len returns the number of modules.
func (s *ModuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Modules returns every module sorted by id.
func (s *ModuleSet) Modules() []*Module {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Module, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entries returns the entry modules in discovery order.
func (s *ModuleSet) Entries() []*Module {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Module, 0, len(s.entries))
	for _, id := range s.entries {
		out = append(out, s.byID[id])
	}
	return out
}

// Report is the outcome of a build.
type Report struct {
	Modules  *ModuleSet
	Failures []kerrors.ModuleError
	Manifest *Manifest
	Metrics  MetricsSnapshot
	Duration time.Duration
}

// Failed reports whether any module failed.
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}

// FileReader reads a file for modules no load hook claimed.
type FileReader func(ctx context.Context, path string) ([]byte, error)

// Options configure an Adapter.
type Options struct {
	Root string
	// Entries are specifiers resolved from the project root. When empty,
	// the module scripts of index.html are used.
	Entries []string
	// Workers bounds concurrent hook work. Zero means GOMAXPROCS.
	Workers int
	// TolerateErrors collects per-module failures instead of aborting.
	TolerateErrors bool

	Container *plugins.Container
	Read      FileReader
	Emitter   Emitter
	Emit      EmitOptions
	Logger    logging.Logger
	// OnModule is called after each module finishes, with its error.
	OnModule func(id string, err error)
}

// Adapter runs the plugin container over every module reachable from the
// entry points, then hands the module set to an Emitter.
type Adapter struct {
	opts    Options
	logger  logging.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// NewAdapter creates a build adapter.
func NewAdapter(opts Options) *Adapter {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Read == nil {
		opts.Read = func(_ context.Context, path string) ([]byte, error) { return os.ReadFile(path) }
	}
	return &Adapter{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).WithComponent("build"),
		tracer:  otel.Tracer(tracerName),
		metrics: NewMetrics(),
	}
}

// Metrics returns the adapter's metrics.
func (a *Adapter) Metrics() *Metrics {
	return a.metrics
}

// Run performs a full build: buildStart hooks, the module walk, the emit
// stage and buildEnd hooks. Nothing is written when the walk fails and
// errors are not tolerated.
func (a *Adapter) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "build.run")
	defer span.End()

	if err := a.opts.Container.BuildStart(ctx); err != nil {
		return nil, err
	}

	report, err := a.Collect(ctx)
	if err == nil && a.opts.Emitter != nil {
		emitStart := time.Now()
		var manifest *Manifest
		manifest, err = a.opts.Emitter.Emit(ctx, report.Modules, a.opts.Emit)
		if err == nil {
			report.Manifest = manifest
			a.metrics.RecordEmit(len(manifest.Files), time.Since(emitStart))
		}
	}

	if endErr := a.opts.Container.BuildEnd(ctx, err); endErr != nil && err == nil {
		err = endErr
	}
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	report.Metrics = a.metrics.GetSnapshot()
	report.Duration = time.Since(start)
	a.logger.Info(ctx, "Build finished",
		"modules", report.Modules.Len(),
		"failed", len(report.Failures),
		"duration", report.Duration)
	return report, nil
}

// Collect walks and transforms every reachable module once.
func (a *Adapter) Collect(ctx context.Context) (*Report, error) {
	start := time.Now()
	entries, err := a.DiscoverEntries()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, kerrors.NewBuildError(kerrors.ErrCodeBuildFailed, "no build entries: set build.entries or add a module script to index.html", nil)
	}

	w := &walk{
		adapter:   a,
		set:       newModuleSet(),
		sem:       semaphore.NewWeighted(int64(a.opts.Workers)),
		collector: kerrors.NewErrorCollector(),
	}
	g, gctx := errgroup.WithContext(ctx)
	w.group = g

	importer := filepath.Join(a.opts.Root, "index.html")
	for _, entry := range entries {
		spec := entry
		g.Go(func() error {
			res, err := a.opts.Container.ResolveID(gctx, spec, importer, plugins.ResolveOptions{IsEntry: true})
			if err == nil && (res == nil || res.External) {
				err = kerrors.NewResolveError(spec, "")
			}
			if err != nil {
				return w.fail(spec, err)
			}
			w.visit(gctx, res.ID, spec)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Modules:  w.set,
		Failures: w.collector.GetErrors(),
		Metrics:  a.metrics.GetSnapshot(),
		Duration: time.Since(start),
	}
	for _, f := range report.Failures {
		a.logger.Warn(ctx, f.Err, "Module failed", "id", f.ID)
	}
	return report, nil
}

// DiscoverEntries returns the configured entries, or the module scripts of
// the root index.html.
func (a *Adapter) DiscoverEntries() ([]string, error) {
	if len(a.opts.Entries) > 0 {
		out := make([]string, len(a.opts.Entries))
		for i, e := range a.opts.Entries {
			out[i] = entrySpecifier(e)
		}
		return out, nil
	}

	f, err := os.Open(filepath.Join(a.opts.Root, "index.html"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, kerrors.WrapIO(err, kerrors.ErrCodeFileNotFound, "open index.html")
	}
	defer f.Close()

	doc, err := ParseHTML(f)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeBuild, kerrors.ErrCodeBuildFailed, "parse index.html")
	}
	return ModuleScripts(doc), nil
}

// entrySpecifier makes a configured entry root-relative unless it is
// already a URL or relative path.
func entrySpecifier(e string) string {
	if strings.HasPrefix(e, "/") || strings.HasPrefix(e, "./") || strings.HasPrefix(e, "../") {
		return e
	}
	return "/" + e
}

type walk struct {
	adapter   *Adapter
	set       *ModuleSet
	group     *errgroup.Group
	sem       *semaphore.Weighted
	collector *kerrors.ErrorCollector
}

// fail records err for id when errors are tolerated, else returns it to
// cancel the walk.
func (w *walk) fail(id string, err error) error {
	if !w.adapter.opts.TolerateErrors || errors.Is(err, context.Canceled) {
		return err
	}
	w.collector.Add(id, err)
	return nil
}

func (w *walk) visit(ctx context.Context, id, entrySpec string) {
	m, fresh := w.set.claim(id, resolver.ToURL(w.adapter.opts.Root, id), entrySpec)
	if !fresh {
		return
	}
	w.group.Go(func() error {
		if err := w.process(ctx, m); err != nil {
			m.Err = err
			return w.fail(id, err)
		}
		return nil
	})
}

func (w *walk) process(ctx context.Context, m *Module) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	start := time.Now()
	deps, err := w.transform(ctx, m)
	w.sem.Release(1)
	w.adapter.metrics.RecordModule(time.Since(start), err)
	if w.adapter.opts.OnModule != nil {
		w.adapter.opts.OnModule(m.ID, err)
	}
	if err != nil {
		return err
	}
	for _, id := range deps {
		w.visit(ctx, id, "")
	}
	return nil
}

// transform loads and transforms m, then resolves its imports. It returns
// the ids still to visit.
func (w *walk) transform(ctx context.Context, m *Module) ([]string, error) {
	a := w.adapter
	ctx, span := a.tracer.Start(ctx, "build.module", trace.WithAttributes(attribute.String("kiln.id", m.ID)))
	defer span.End()

	loaded, err := a.opts.Container.Load(ctx, m.ID, plugins.LoadOptions{})
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		file := modgraph.FileFromID(m.ID)
		if file == "" {
			return nil, kerrors.NewLoadError(m.URL, m.ID, errors.New("no plugin loaded a virtual module"))
		}
		data, err := a.opts.Read(ctx, file)
		if err != nil {
			return nil, kerrors.NewLoadError(m.URL, m.ID, err)
		}
		loaded = &plugins.LoadResult{Code: string(data)}
	}

	out, err := a.opts.Container.Transform(ctx, loaded.Code, m.ID, plugins.TransformOptions{InMap: loaded.Map})
	if err != nil {
		return nil, err
	}

	res, err := analysis.Analyze(out.Code)
	if err != nil {
		return nil, kerrors.NewTransformError("", m.ID, fmt.Errorf("analyse imports: %w", err))
	}

	imports := make(map[string]string)
	var deps []string
	for _, spec := range res.Specifiers() {
		r, err := a.opts.Container.ResolveID(ctx, spec, m.ID, plugins.ResolveOptions{})
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, kerrors.NewResolveError(spec, m.ID)
		}
		if r.External {
			imports[spec] = ""
			continue
		}
		imports[spec] = r.ID
		deps = append(deps, r.ID)
	}

	m.Code = out.Code
	m.Map = out.Map
	m.Imports = imports
	return deps, nil
}
