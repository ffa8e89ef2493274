// Package transform turns a served URL into transformed code: resolve the
// URL to a module id, load it, run the plugin transform chain, record its
// imports in the module graph and cache the result on the graph node.
//
// Concurrent requests for the same module share one execution per
// invalidation epoch. A result produced after its module was invalidated is
// returned to the caller but never cached.
package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/kiln/internal/analysis"
	"github.com/conneroisu/kiln/internal/build"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/sourcemap"
)

const tracerName = "github.com/conneroisu/kiln/internal/transform"

// State is a step in the life of one transform request.
type State string

const (
	StatePending      State = "pending"
	StateResolving    State = "resolving"
	StateLoading      State = "loading"
	StateTransforming State = "transforming"
	StateCached       State = "cached"
	StateError        State = "error"
)

// Observer receives request state changes. telemetry.Metrics implements it.
type Observer interface {
	StateChanged(url string, state State)
	RequestDone(url string, state State, d time.Duration)
}

// FileReader reads a file for modules no load hook claimed.
type FileReader func(ctx context.Context, path string) ([]byte, error)

// Options wire a Pipeline to its session.
type Options struct {
	Graph     *modgraph.Graph
	Container *plugins.Container
	Read      FileReader
	SSR       bool

	// Cache and Hasher enable the content-identity cache. Signature must
	// change whenever the plugin chain or its config does.
	Cache     *build.TransformCache
	Hasher    *build.HashProvider
	Signature string
	// Cacheable excludes ids whose plugins keep per-module state. Nil means
	// every id is cacheable.
	Cacheable func(id string) bool

	Logger   logging.Logger
	Observer Observer
	// OnPrune receives modules that lost their last importer.
	OnPrune func(ctx context.Context, mods []*modgraph.ModuleNode)
	// WarmupLimit bounds concurrent warm-up requests. Zero means
	// DefaultWarmupLimit.
	WarmupLimit int
}

// DefaultWarmupLimit is the number of warm-up requests run at once.
const DefaultWarmupLimit = 8

// Result is the outcome of a request.
type Result struct {
	Code   string
	Map    *sourcemap.Map
	ETag   string
	Module *modgraph.ModuleNode
	// Cached is set when no plugin ran for this request.
	Cached bool
}

// Pipeline serves transform requests. It is safe for concurrent use.
type Pipeline struct {
	opts   Options
	logger logging.Logger
	tracer trace.Tracer

	byURL singleflight.Group
	byID  singleflight.Group
	warm  *semaphore.Weighted
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Read == nil {
		opts.Read = func(_ context.Context, path string) ([]byte, error) { return os.ReadFile(path) }
	}
	if opts.Hasher == nil {
		opts.Hasher = build.NewHashProvider()
	}
	if opts.WarmupLimit <= 0 {
		opts.WarmupLimit = DefaultWarmupLimit
	}
	return &Pipeline{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).WithComponent("transform"),
		tracer: otel.Tracer(tracerName),
		warm:   semaphore.NewWeighted(int64(opts.WarmupLimit)),
	}
}

func (p *Pipeline) state(url string, s State) {
	if p.opts.Observer != nil {
		p.opts.Observer.StateChanged(url, s)
	}
}

// Request transforms the module served at url. A cached node result is
// returned before any plugin hook runs. Callers that give up through ctx
// leave the shared execution running for the others.
func (p *Pipeline) Request(ctx context.Context, url string) (*Result, error) {
	start := time.Now()
	url = modgraph.CleanURL(url)
	p.state(url, StatePending)

	var epoch uint64
	if node := p.opts.Graph.GetModuleByURL(url); node != nil {
		if tr := node.TransformResult(); tr != nil {
			p.done(url, StateCached, start)
			return cachedResult(node, tr), nil
		}
		epoch = node.InvalidationStamp()
	}
	key := url + "#" + strconv.FormatUint(epoch, 10)

	detached := context.WithoutCancel(ctx)
	ch := p.byURL.DoChan(key, func() (interface{}, error) {
		return p.requestURL(detached, url)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			p.done(url, StateError, start)
			return nil, res.Err
		}
		r := res.Val.(*Result)
		p.done(url, StateCached, start)
		return r, nil
	}
}

func (p *Pipeline) done(url string, s State, start time.Time) {
	if p.opts.Observer != nil {
		p.opts.Observer.RequestDone(url, s, time.Since(start))
	}
}

func (p *Pipeline) requestURL(ctx context.Context, url string) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "transform.request", trace.WithAttributes(attribute.String("kiln.url", url)))
	defer span.End()

	p.state(url, StateResolving)
	node, err := p.opts.Graph.EnsureEntry(ctx, url)
	if err != nil {
		err = asResolveError(err, url)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("kiln.id", node.ID))

	// Another URL for the same module may have filled the cache.
	if tr := node.TransformResult(); tr != nil {
		return cachedResult(node, tr), nil
	}

	stamp := node.InvalidationStamp()
	key := node.ID + "#" + strconv.FormatUint(stamp, 10)
	v, err, _ := p.byID.Do(key, func() (interface{}, error) {
		return p.transformNode(ctx, url, node, stamp)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return v.(*Result), nil
}

func asResolveError(err error, url string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := kerrors.As(err); ok {
		return err
	}
	return kerrors.Wrap(err, kerrors.ErrorTypeResolve, kerrors.ErrCodeModuleNotFound, "module not found: "+url)
}

func (p *Pipeline) transformNode(ctx context.Context, url string, node *modgraph.ModuleNode, stamp uint64) (*Result, error) {
	id := node.ID

	p.state(url, StateLoading)
	loaded, err := p.load(ctx, url, node)
	if err != nil {
		return nil, err
	}

	var out *plugins.TransformOutput
	cached := false
	cacheKey := ""
	useCache := p.opts.Cache != nil && (p.opts.Cacheable == nil || p.opts.Cacheable(id))
	if useCache {
		cacheKey = p.opts.Hasher.ContentKey(id, loaded.Code, p.opts.Signature)
		if hit, ok := p.opts.Cache.Get(cacheKey); ok {
			out = &plugins.TransformOutput{Code: p.refreshTimestamps(hit.Code), Map: hit.Map}
			cached = true
		}
	}
	if out == nil {
		p.state(url, StateTransforming)
		out, err = p.opts.Container.Transform(ctx, loaded.Code, id, plugins.TransformOptions{SSR: p.opts.SSR, InMap: loaded.Map})
		if err != nil {
			p.logger.Debug(ctx, "Transform failed", "url", url, "id", id, "error", err.Error())
			return nil, err
		}
	}

	edges := p.analyzeEdges(ctx, node, out.Code)
	tr := &modgraph.TransformResult{
		Code: out.Code,
		Map:  out.Map,
		ETag: ETag(out.Code),
		Deps: edges.imported,
	}
	var orphaned []*modgraph.ModuleNode
	committed := false
	if edges.analyzed {
		orphaned, committed, err = p.opts.Graph.Commit(ctx, node, tr, edges.imported, edges.accepted, edges.selfAccepting, stamp)
		if err != nil {
			return nil, fmt.Errorf("update module graph for %s: %w", node.URL, err)
		}
	} else {
		committed = p.opts.Graph.CommitTransformResult(node, tr, stamp)
	}
	if committed {
		if useCache && !cached {
			p.opts.Cache.Set(cacheKey, &build.CachedTransform{Code: out.Code, Map: out.Map})
		}
		if len(orphaned) > 0 && p.opts.OnPrune != nil {
			p.opts.OnPrune(ctx, orphaned)
		}
	} else {
		p.logger.Debug(ctx, "Discarding stale transform result", "url", url, "id", id)
	}

	return &Result{Code: tr.Code, Map: tr.Map, ETag: tr.ETag, Module: node, Cached: cached}, nil
}

// load asks the load hooks, then falls back to reading the module's file.
func (p *Pipeline) load(ctx context.Context, url string, node *modgraph.ModuleNode) (*plugins.LoadResult, error) {
	loaded, err := p.opts.Container.Load(ctx, node.ID, plugins.LoadOptions{SSR: p.opts.SSR})
	if err != nil {
		return nil, err
	}
	if loaded != nil {
		return loaded, nil
	}
	if node.File == "" {
		return nil, kerrors.NewLoadError(url, node.ID, errors.New("no plugin loaded a virtual module"))
	}
	data, err := p.opts.Read(ctx, node.File)
	if err != nil {
		return nil, kerrors.NewLoadError(url, node.ID, err)
	}
	return &plugins.LoadResult{Code: string(data)}, nil
}

type moduleEdges struct {
	imported, accepted []string
	selfAccepting      bool
	// analyzed is false when the code could not be scanned; the node then
	// keeps its previous edges.
	analyzed bool
}

// analyzeEdges finds the served URLs code imports and accepts. Only
// rewritten, root-absolute specifiers are graph edges.
func (p *Pipeline) analyzeEdges(ctx context.Context, node *modgraph.ModuleNode, code string) moduleEdges {
	var edges moduleEdges
	res, err := analysis.Analyze(code)
	if err != nil {
		p.logger.Warn(ctx, err, "Import analysis of transformed code failed", "id", node.ID)
		return edges
	}

	seen := make(map[string]bool)
	for _, imp := range res.Imports {
		if !isGraphURL(imp.Specifier) {
			continue
		}
		u := modgraph.CleanURL(imp.Specifier)
		if !seen[u] {
			seen[u] = true
			edges.imported = append(edges.imported, u)
		}
	}
	for _, dep := range res.AcceptedDeps {
		if isGraphURL(dep.Specifier) {
			edges.accepted = append(edges.accepted, modgraph.CleanURL(dep.Specifier))
		}
	}
	edges.selfAccepting = res.SelfAccepting
	edges.analyzed = true
	return edges
}

func isGraphURL(spec string) bool {
	return strings.HasPrefix(spec, "/") &&
		!strings.HasPrefix(spec, "//") &&
		!strings.HasPrefix(spec, "/@kiln/")
}

// refreshTimestamps rewrites the ?t= query of every imported URL in code to
// the current hot update time of that module.
func (p *Pipeline) refreshTimestamps(code string) string {
	res, err := analysis.Analyze(code)
	if err != nil {
		return code
	}
	var edits []analysis.Edit
	for _, group := range [][]analysis.Import{res.Imports, res.AcceptedDeps} {
		for _, imp := range group {
			if !isGraphURL(imp.Specifier) {
				continue
			}
			var ts int64
			if dep := p.opts.Graph.GetModuleByURL(imp.Specifier); dep != nil {
				ts = dep.LastHMRTimestamp()
			}
			if want := withTimestamp(imp.Specifier, ts); want != imp.Specifier {
				edits = append(edits, analysis.Edit{Start: imp.Start, End: imp.End, Text: want})
			}
		}
	}
	out, err := analysis.Apply(code, edits)
	if err != nil {
		return code
	}
	return out
}

// withTimestamp replaces the t= query part of url with ts, or drops it when
// ts is zero. Other query parts keep their order.
func withTimestamp(url string, ts int64) string {
	base, query, _ := strings.Cut(url, "?")
	parts := make([]string, 0, 4)
	if ts > 0 {
		parts = append(parts, "t="+strconv.FormatInt(ts, 10))
	}
	for _, part := range strings.Split(query, "&") {
		if part != "" && !strings.HasPrefix(part, "t=") {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return base
	}
	return base + "?" + strings.Join(parts, "&")
}

// Warm transforms url once a warm-up slot is free so that the first browser
// request hits the cache. Errors are logged at debug level.
func (p *Pipeline) Warm(ctx context.Context, url string) {
	if err := p.warm.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.warm.Release(1)
	p.warmup(ctx, url)
}

// Warmup transforms url in the background if a warm-up slot is free, and
// skips it otherwise. The browser's own request transforms it either way.
func (p *Pipeline) Warmup(url string) {
	ctx := context.Background()
	if !p.warm.TryAcquire(1) {
		p.logger.Debug(ctx, "Skipping warm-up, all slots busy", "url", url)
		return
	}
	go func() {
		defer p.warm.Release(1)
		p.warmup(ctx, url)
	}()
}

func (p *Pipeline) warmup(ctx context.Context, url string) {
	if _, err := p.Request(ctx, url); err != nil {
		p.logger.Debug(ctx, "Warm-up request failed", "url", url, "error", err.Error())
	}
}

// ETag returns the weak entity tag for code.
func ETag(code string) string {
	return `W/"` + build.SumString(code) + `"`
}

func cachedResult(node *modgraph.ModuleNode, tr *modgraph.TransformResult) *Result {
	return &Result{Code: tr.Code, Map: tr.Map, ETag: tr.ETag, Module: node, Cached: true}
}
