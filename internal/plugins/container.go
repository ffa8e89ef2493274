// Package plugins runs plugin hooks in order: first-result-wins for
// resolveId and load, a sequential rewrite chain for transform and
// handleHotUpdate, and fan-out for the lifecycle hooks.
//
// The same container and hook context serve the dev server and the build.
package plugins

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/sourcemap"
)

const tracerName = "github.com/conneroisu/kiln/internal/plugins"

// HookObserver receives per-hook timings. telemetry.Metrics implements it.
type HookObserver interface {
	ObserveHook(plugin, hook string, d time.Duration, err error)
}

// ContainerConfig holds what hooks can see through their Context.
type ContainerConfig struct {
	Root   string
	Mode   string
	SSR    bool
	Logger logging.Logger
	// Observer is optional.
	Observer HookObserver
	// OnWatchFile is called for files added through Context.AddWatchFile.
	OnWatchFile func(file string)
}

// Container owns the sorted plugin list and dispatches hooks.
type Container struct {
	cfg     ContainerConfig
	logger  logging.Logger
	tracer  trace.Tracer
	plugins []*Plugin

	resolveIDHooks   []hookEntry[ResolveIDFunc]
	loadHooks        []hookEntry[LoadFunc]
	transformHooks   []hookEntry[TransformFunc]
	hotUpdateHooks   []hookEntry[HandleHotUpdateFunc]
	buildStartHooks  []hookEntry[BuildStartFunc]
	buildEndHooks    []hookEntry[BuildEndFunc]
	watchChangeHooks []hookEntry[WatchChangeFunc]
	closeHooks       []hookEntry[CloseFunc]

	watchMu    sync.Mutex
	watchFiles map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewContainer sorts user and core plugins once and indexes their hooks.
func NewContainer(cfg ContainerConfig, userPlugins, corePlugins []*Plugin) *Container {
	logger := logging.OrNop(cfg.Logger).WithComponent("plugins")
	sorted := sortPlugins(userPlugins, corePlugins)

	c := &Container{
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		plugins:    sorted,
		watchFiles: make(map[string]struct{}),
	}

	c.resolveIDHooks = hookHandlers(sorted, func(p *Plugin) *Hook[ResolveIDFunc] { return p.ResolveID })
	c.loadHooks = hookHandlers(sorted, func(p *Plugin) *Hook[LoadFunc] { return p.Load })
	c.transformHooks = hookHandlers(sorted, func(p *Plugin) *Hook[TransformFunc] { return p.Transform })
	c.hotUpdateHooks = hookHandlers(sorted, func(p *Plugin) *Hook[HandleHotUpdateFunc] { return p.HandleHotUpdate })
	c.buildStartHooks = hookHandlers(sorted, func(p *Plugin) *Hook[BuildStartFunc] { return p.BuildStart })
	c.buildEndHooks = hookHandlers(sorted, func(p *Plugin) *Hook[BuildEndFunc] { return p.BuildEnd })
	c.watchChangeHooks = hookHandlers(sorted, func(p *Plugin) *Hook[WatchChangeFunc] { return p.WatchChange })
	c.closeHooks = hookHandlers(sorted, func(p *Plugin) *Hook[CloseFunc] { return p.Close })

	logger.Debug(context.Background(), "Plugin container ready", "plugins", len(sorted))
	return c
}

// Plugins lists plugins in execution order.
func (c *Container) Plugins() []PluginInfo {
	out := make([]PluginInfo, len(c.plugins))
	for i, p := range c.plugins {
		out[i] = p.info()
	}
	return out
}

// WatchFiles returns the files added by plugins through AddWatchFile.
func (c *Container) WatchFiles() []string {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	out := make([]string, 0, len(c.watchFiles))
	for f := range c.watchFiles {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (c *Container) addWatchFile(file string) {
	c.watchMu.Lock()
	_, dup := c.watchFiles[file]
	c.watchFiles[file] = struct{}{}
	c.watchMu.Unlock()
	if !dup && c.cfg.OnWatchFile != nil {
		c.cfg.OnWatchFile(file)
	}
}

func (c *Container) newContext(p *Plugin, id string, ssr bool) *Context {
	return &Context{container: c, plugin: p, id: id, ssr: ssr}
}

func (c *Container) observe(plugin, hook string, start time.Time, err error) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveHook(plugin, hook, time.Since(start), err)
	}
}

func (c *Container) startSpan(ctx context.Context, hook, id string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "plugins."+hook, trace.WithAttributes(attribute.String("kiln.id", id)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ResolveID asks resolveId hooks in order; the first non-nil result wins and
// later plugins are not invoked. A nil result with nil error means no plugin
// could resolve the specifier.
func (c *Container) ResolveID(ctx context.Context, specifier, importer string, opts ResolveOptions) (res *ResolvedID, err error) {
	ctx, span := c.startSpan(ctx, "resolveId", specifier)
	defer func() { endSpan(span, err) }()

	for _, h := range c.resolveIDHooks {
		if opts.skips(h.plugin.Name) || !h.hook.Filter.Match(specifier) {
			continue
		}
		start := time.Now()
		pc := c.newContext(h.plugin, importer, opts.SSR)
		pc.skip = opts.Skip
		r, hookErr := h.hook.Handler(ctx, pc, specifier, importer, opts)
		c.observe(h.plugin.Name, "resolveId", start, hookErr)
		if hookErr != nil {
			return nil, hookError(hookErr, h.plugin.Name, "resolveId", specifier)
		}
		if r != nil && r.ID != "" {
			span.SetAttributes(attribute.String("kiln.plugin", h.plugin.Name), attribute.String("kiln.resolved", r.ID))
			return r, nil
		}
	}
	return nil, nil
}

// Load asks load hooks in order; the first non-nil result wins.
func (c *Container) Load(ctx context.Context, id string, opts LoadOptions) (res *LoadResult, err error) {
	ctx, span := c.startSpan(ctx, "load", id)
	defer func() { endSpan(span, err) }()

	for _, h := range c.loadHooks {
		if !h.hook.Filter.Match(id) {
			continue
		}
		start := time.Now()
		r, hookErr := h.hook.Handler(ctx, c.newContext(h.plugin, id, opts.SSR), id)
		c.observe(h.plugin.Name, "load", start, hookErr)
		if hookErr != nil {
			return nil, hookError(hookErr, h.plugin.Name, "load", id)
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

// Transform runs every transform hook in order, each seeing the previous
// output. Source maps of the chain are combined into one map back to the
// loaded source.
func (c *Container) Transform(ctx context.Context, code, id string, opts TransformOptions) (out *TransformOutput, err error) {
	ctx, span := c.startSpan(ctx, "transform", id)
	defer func() { endSpan(span, err) }()

	chain := []*sourcemap.Map{opts.InMap}
	for _, h := range c.transformHooks {
		if !h.hook.Filter.Match(id) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		r, hookErr := h.hook.Handler(ctx, c.newContext(h.plugin, id, opts.SSR), code, id)
		c.observe(h.plugin.Name, "transform", start, hookErr)
		if hookErr != nil {
			werr := hookError(hookErr, h.plugin.Name, "transform", id)
			if ke, ok := kerrors.As(werr); ok {
				ke.WithFrame(code)
			}
			return nil, werr
		}
		if r == nil {
			continue
		}
		code = r.Code
		chain = append(chain, r.Map)
	}

	combined, err := sourcemap.Combine(chain)
	if err != nil {
		c.logger.Warn(ctx, err, "Dropping unreadable source map chain", "id", id)
		combined = nil
	}
	return &TransformOutput{Code: code, Map: combined}, nil
}

// HandleHotUpdate runs handleHotUpdate hooks in order. A hook that returns a
// non-nil list replaces the module list seen by later hooks.
func (c *Container) HandleHotUpdate(ctx context.Context, hc *HmrContext) (mods []*modgraph.ModuleNode, err error) {
	ctx, span := c.startSpan(ctx, "handleHotUpdate", hc.File)
	defer func() { endSpan(span, err) }()

	for _, h := range c.hotUpdateHooks {
		if !h.hook.Filter.Match(hc.File) {
			continue
		}
		start := time.Now()
		r, hookErr := h.hook.Handler(ctx, c.newContext(h.plugin, hc.File, false), hc)
		c.observe(h.plugin.Name, "handleHotUpdate", start, hookErr)
		if hookErr != nil {
			return nil, hookError(hookErr, h.plugin.Name, "handleHotUpdate", hc.File)
		}
		if r != nil {
			hc.Modules = r
		}
	}
	return hc.Modules, nil
}

// BuildStart runs buildStart hooks in order and stops at the first error.
func (c *Container) BuildStart(ctx context.Context) error {
	for _, h := range c.buildStartHooks {
		start := time.Now()
		err := h.hook.Handler(ctx, c.newContext(h.plugin, "", c.cfg.SSR))
		c.observe(h.plugin.Name, "buildStart", start, err)
		if err != nil {
			return hookError(err, h.plugin.Name, "buildStart", "")
		}
	}
	return nil
}

// BuildEnd runs every buildEnd hook and joins their errors.
func (c *Container) BuildEnd(ctx context.Context, buildErr error) error {
	var errs []error
	for _, h := range c.buildEndHooks {
		start := time.Now()
		err := h.hook.Handler(ctx, c.newContext(h.plugin, "", c.cfg.SSR), buildErr)
		c.observe(h.plugin.Name, "buildEnd", start, err)
		if err != nil {
			errs = append(errs, hookError(err, h.plugin.Name, "buildEnd", ""))
		}
	}
	return errors.Join(errs...)
}

// WatchChange fans a file change out to every watchChange hook. Errors are
// logged and do not stop other plugins.
func (c *Container) WatchChange(ctx context.Context, id string, event ChangeEvent) {
	for _, h := range c.watchChangeHooks {
		if !h.hook.Filter.Match(id) {
			continue
		}
		start := time.Now()
		err := h.hook.Handler(ctx, c.newContext(h.plugin, id, false), id, event)
		c.observe(h.plugin.Name, "watchChange", start, err)
		if err != nil {
			c.logger.Warn(ctx, err, "watchChange hook failed", "plugin", h.plugin.Name, "id", id)
		}
	}
}

// Close runs close hooks once. Later calls return the first result.
func (c *Container) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		for _, h := range c.closeHooks {
			if err := h.hook.Handler(ctx, c.newContext(h.plugin, "", false)); err != nil {
				errs = append(errs, hookError(err, h.plugin.Name, "close", ""))
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// hookError attributes err to plugin and id. An existing KilnError keeps its
// type (an internal error stays internal); anything else is wrapped in the
// error type matching the hook.
func hookError(err error, plugin, hook, id string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ke, ok := kerrors.As(err); ok {
		ke.WithPlugin(plugin, id)
		return err
	}
	switch hook {
	case "resolveId":
		return kerrors.Wrap(err, kerrors.ErrorTypeResolve, kerrors.ErrCodeModuleNotFound, "resolveId hook failed").WithPlugin(plugin, id)
	case "load":
		return kerrors.Wrap(err, kerrors.ErrorTypeLoad, kerrors.ErrCodeLoadURL, "load hook failed").WithPlugin(plugin, id)
	case "transform":
		return kerrors.NewTransformError(plugin, id, err)
	default:
		return kerrors.Wrap(err, kerrors.ErrorTypeBuild, kerrors.ErrCodeBuildFailed, hook+" hook failed").WithPlugin(plugin, id)
	}
}
