// Package session owns the per-project state shared by the dev server and
// the build: config, resolver caches, module graph, plugin container,
// descriptor and transform caches, and the hot update controller. Tests
// create as many independent sessions as they need.
package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kiln/internal/build"
	"github.com/conneroisu/kiln/internal/config"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/hmr"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/plugins/builtin"
	"github.com/conneroisu/kiln/internal/resolver"
	"github.com/conneroisu/kiln/internal/sfc"
	"github.com/conneroisu/kiln/internal/telemetry"
	"github.com/conneroisu/kiln/internal/transform"
)

// Options configures a Session.
type Options struct {
	Config *config.Config
	Logger logging.Logger
	// Plugins are user plugins, ordered before core plugins of the same
	// enforce class.
	Plugins []*plugins.Plugin
	// Read defaults to ReadFile.
	Read FileReader
	// Broadcaster receives HMR payloads. Nil drops them.
	Broadcaster hmr.Broadcaster
	// Metrics, when set, observes hooks, requests and payloads.
	Metrics *telemetry.Metrics
	// OnWatchFile is called for extra files plugins asked to watch.
	OnWatchFile func(file string)
	// OnConfigChange runs after the config file changed.
	OnConfigChange func(ctx context.Context)
}

// Session is one project's live state.
type Session struct {
	Config      *config.Config
	Logger      logging.Logger
	Resolver    *resolver.Resolver
	Graph       *modgraph.Graph
	Container   *plugins.Container
	Descriptors *sfc.DescriptorCache
	Cache       *build.TransformCache
	Hasher      *build.HashProvider
	Pipeline    *transform.Pipeline
	HMR         *hmr.Controller
	Metrics     *telemetry.Metrics

	read        FileReader
	assets      *builtin.EmittedAssets
	broadcaster hmr.Broadcaster
	errors      *kerrors.ErrorHandler
}

// New wires a session for opts.Config.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, kerrors.NewConfigError(kerrors.ErrCodeConfigInvalid, "session requires a config")
	}
	logger := logging.OrNop(opts.Logger)
	read := opts.Read
	if read == nil {
		read = ReadFile
	}

	s := &Session{
		Config:      cfg,
		Logger:      logger,
		Resolver:    resolver.New(resolver.OptionsFromConfig(cfg), logger),
		Descriptors: sfc.NewDescriptorCache(),
		Cache:       build.NewTransformCache(cfg.Cache.TransformEntries, cfg.Cache.TransformBytes, 0),
		Hasher:      build.NewHashProvider(),
		Metrics:     opts.Metrics,
		read:        read,
		errors:      kerrors.NewErrorHandler(logger.WithComponent("errors")),
	}
	s.broadcaster = s.observedBroadcaster(opts.Broadcaster)

	s.Graph = modgraph.New(s.resolveURL, logger)

	var observer plugins.HookObserver
	if opts.Metrics != nil {
		observer = opts.Metrics
	}
	s.Container = plugins.NewContainer(plugins.ContainerConfig{
		Root:        cfg.Root,
		Mode:        cfg.Mode,
		SSR:         cfg.SSR,
		Logger:      logger,
		Observer:    observer,
		OnWatchFile: opts.OnWatchFile,
	}, opts.Plugins, s.corePlugins())

	var reqObserver transform.Observer
	if opts.Metrics != nil {
		reqObserver = opts.Metrics
	}
	s.Pipeline = transform.New(transform.Options{
		Graph:     s.Graph,
		Container: s.Container,
		Read:      transform.FileReader(read),
		SSR:       cfg.SSR,
		Cache:     s.Cache,
		Hasher:    s.Hasher,
		Signature: s.signature(),
		Cacheable: func(id string) bool { return !sfc.IsSFC(id) },
		Logger:    logger,
		Observer:  reqObserver,
		OnPrune:   func(ctx context.Context, mods []*modgraph.ModuleNode) { s.HMR.Prune(ctx, mods) },
	})

	s.HMR = hmr.New(hmr.Options{
		Root:           cfg.Root,
		ConfigFile:     cfg.ConfigFile,
		Graph:          s.Graph,
		Container:      s.Container,
		Broadcaster:    s.broadcaster,
		Read:           hmr.FileReader(read),
		Logger:         logger,
		OnConfigChange: opts.OnConfigChange,
	})

	return s, nil
}

// resolveURL maps a served URL to a module id through the plugin container.
func (s *Session) resolveURL(ctx context.Context, url string) (string, error) {
	r, err := s.Container.ResolveID(ctx, url, "", plugins.ResolveOptions{SSR: s.Config.SSR, IsEntry: true})
	if err != nil {
		return "", err
	}
	if r == nil || r.External {
		return "", kerrors.NewResolveError(url, "")
	}
	return r.ID, nil
}

// corePlugins returns the built-in plugins for the session's mode, minus
// the ones the config disables.
func (s *Session) corePlugins() []*plugins.Plugin {
	cfg := s.Config
	dev := !cfg.IsProduction()

	all := []*plugins.Plugin{
		builtin.Virtual(map[string]string{builtin.EnvModuleName: builtin.EnvModule(cfg)}),
		builtin.Resolve(s.Resolver),
	}
	all = append(all, sfc.NewPlugins(sfc.Options{
		Root:  cfg.Root,
		Dev:   dev,
		Cache: s.Descriptors,
		Read:  s.read,
	})...)
	esbuildOpts := builtin.EsbuildOptions{}
	assetOpts := builtin.AssetOptions{Base: cfg.Base, Read: s.read}
	if dev {
		esbuildOpts.Target = "esnext"
	} else {
		s.assets = builtin.NewEmittedAssets()
		assetOpts.Emitted = s.assets
		assetOpts.InlineLimit = cfg.Build.AssetsInlineLimit
	}
	all = append(all,
		builtin.Asset(assetOpts),
		builtin.Esbuild(esbuildOpts),
		builtin.JSON(),
		builtin.CSS(builtin.CSSOptions{Dev: dev}),
		builtin.Define(builtin.Defines(cfg)),
	)
	// The build walk analyses raw specifiers itself.
	if dev {
		all = append(all, builtin.ImportAnalysis(builtin.ImportAnalysisOptions{Graph: s.Graph}))
	}

	out := all[:0]
	for _, p := range all {
		if cfg.PluginEnabled(p.Name) || p.Name == builtin.ResolveName {
			out = append(out, p)
		}
	}
	return out
}

// signature identifies the plugin chain and the config values that change
// transform output, for the content-identity cache.
func (s *Session) signature() string {
	parts := []string{s.Config.Mode, s.Config.Base}
	for _, p := range s.Container.Plugins() {
		parts = append(parts, p.Name+":"+strings.Join(p.Hooks, ","))
	}
	parts = append(parts, build.SortedPairs(builtin.Defines(s.Config))...)
	return build.Signature(parts...)
}

func (s *Session) observedBroadcaster(next hmr.Broadcaster) hmr.Broadcaster {
	return hmr.BroadcasterFunc(func(ctx context.Context, p hmr.Payload) {
		if s.Metrics != nil {
			s.Metrics.HMRPayload(string(p.Type))
		}
		if next != nil {
			next.Broadcast(ctx, p)
		}
	})
}

// Broadcast sends p to HMR clients.
func (s *Session) Broadcast(ctx context.Context, p hmr.Payload) {
	s.broadcaster.Broadcast(ctx, p)
}

// Read reads a file through the session's reader.
func (s *Session) Read(ctx context.Context, path string) ([]byte, error) {
	return s.read(ctx, path)
}

// ReportError logs err by type and forwards it to the overlay of every
// connected client.
func (s *Session) ReportError(ctx context.Context, err error) {
	s.errors.Handle(ctx, err)
	s.Broadcast(ctx, hmr.ErrorPayload(err))
}

// Warmup pre-transforms urls in the background, crawlWorkers at a time.
// Entries with glob characters are matched against files under the root and
// turned into URLs.
func (s *Session) Warmup(ctx context.Context, urls []string) {
	var targets []string
	for _, u := range urls {
		if !strings.ContainsAny(u, "*?[") {
			targets = append(targets, u)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(s.Config.Root, filepath.FromSlash(strings.TrimPrefix(u, "/"))))
		if err != nil {
			s.Logger.Warn(ctx, err, "Invalid warm-up pattern", "pattern", u)
			continue
		}
		for _, m := range matches {
			targets = append(targets, resolver.ToURL(s.Config.Root, m))
		}
	}
	if len(targets) == 0 {
		return
	}

	go func() {
		var g errgroup.Group
		g.SetLimit(crawlWorkers)
		for _, u := range targets {
			g.Go(func() error {
				s.Pipeline.Warm(ctx, u)
				return nil
			})
		}
		_ = g.Wait()
		s.Logger.Debug(ctx, "Warm-up finished", "modules", len(targets))
	}()
}

// Build runs a production build of the project. The session must be in
// production mode.
func (s *Session) Build(ctx context.Context) (*build.Report, error) {
	if !s.Config.IsProduction() {
		return nil, kerrors.NewConfigError(kerrors.ErrCodeConfigInvalid, "build requires mode "+config.ModeProduction)
	}
	cfg := s.Config
	op := logging.StartOperation(s.Logger, "build")

	adapter := build.NewAdapter(build.Options{
		Root:           cfg.Root,
		Entries:        cfg.Build.Entries,
		Workers:        cfg.Build.Workers,
		TolerateErrors: cfg.Build.TolerateErrors,
		Container:      s.Container,
		Read:           build.FileReader(s.read),
		Emitter:        build.NewEsbuildEmitter(s.Logger),
		Emit: build.EmitOptions{
			Root:      cfg.Root,
			OutDir:    cfg.OutDir(),
			Base:      cfg.Base,
			Minify:    cfg.Build.Minify,
			Sourcemap: cfg.Build.Sourcemap,
			Target:    builtin.ParseTarget(cfg.Build.Target),
			Assets:    s.assets,
		},
		Logger: s.Logger,
		OnModule: func(_ string, err error) {
			if s.Metrics != nil {
				s.Metrics.BuildModule(err)
			}
		},
	})

	report, err := adapter.Run(ctx)
	if err != nil {
		op.EndWithError(ctx, err)
		return report, err
	}
	op.End(ctx, "modules", report.Modules.Len(), "failures", len(report.Failures))
	return report, nil
}

// Close runs the plugins' close hooks.
func (s *Session) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.Container.Close(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.Logger.Warn(ctx, err, "Plugin close hooks timed out")
	}
	return err
}
