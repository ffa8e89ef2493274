package build

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
)

// moduleNamespace is the esbuild namespace of modules served from a
// ModuleSet.
const moduleNamespace = "kiln"

// ManifestFile is the name of the manifest written into the output dir.
const ManifestFile = "manifest.json"

// Emitter turns a materialized module set into output files.
type Emitter interface {
	Emit(ctx context.Context, set *ModuleSet, opts EmitOptions) (*Manifest, error)
}

// EmitOptions configure the output stage.
type EmitOptions struct {
	// Root is the project root; index.html is copied from there.
	Root string
	// OutDir is replaced only when the whole emit succeeds.
	OutDir    string
	Base      string
	Minify    bool
	Sourcemap bool
	Target    api.Target
	// Assets supplies the static files modules referenced by URL. They are
	// written as-is under their own paths.
	Assets AssetSource
}

// AssetSource lists emitted asset files keyed by path relative to the out
// dir.
type AssetSource interface {
	Files() map[string][]byte
}

// Manifest maps entry URLs to emitted files.
type Manifest struct {
	Entries map[string]ManifestEntry `json:"entries"`
	// Files lists every emitted file relative to the output dir.
	Files []string `json:"files"`
}

// ManifestEntry is one entry chunk and the chunks it imports.
type ManifestEntry struct {
	File    string   `json:"file"`
	Imports []string `json:"imports,omitempty"`
}

// EsbuildEmitter bundles the module set with esbuild. Modules are served to
// esbuild from memory through an OnResolve/OnLoad plugin, so esbuild never
// reads or resolves source files itself.
type EsbuildEmitter struct {
	logger logging.Logger
}

// NewEsbuildEmitter creates the default emitter.
func NewEsbuildEmitter(logger logging.Logger) *EsbuildEmitter {
	return &EsbuildEmitter{logger: logging.OrNop(logger).WithComponent("emit")}
}

// Emit bundles set into a temporary directory next to opts.OutDir and
// renames it into place on success.
func (e *EsbuildEmitter) Emit(ctx context.Context, set *ModuleSet, opts EmitOptions) (*Manifest, error) {
	entries := set.Entries()
	if len(entries) == 0 {
		return nil, kerrors.NewBuildError(kerrors.ErrCodeBuildFailed, "no entry modules to emit", nil)
	}

	outDir, err := filepath.Abs(opts.OutDir)
	if err != nil {
		return nil, kerrors.WrapIO(err, kerrors.ErrCodeInvalidPath, "resolve out dir")
	}
	if err := os.MkdirAll(filepath.Dir(outDir), 0o755); err != nil {
		return nil, kerrors.WrapIO(err, kerrors.ErrCodeBuildFailed, "create out dir parent")
	}
	tmpDir, err := os.MkdirTemp(filepath.Dir(outDir), ".kiln-build-*")
	if err != nil {
		return nil, kerrors.WrapIO(err, kerrors.ErrCodeBuildFailed, "create temp dir")
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	points := make([]api.EntryPoint, len(entries))
	for i, m := range entries {
		points[i] = api.EntryPoint{InputPath: m.URL}
	}

	sourceMap := api.SourceMapNone
	if opts.Sourcemap {
		sourceMap = api.SourceMapExternal
	}
	target := opts.Target
	if target == api.DefaultTarget {
		target = api.ES2020
	}

	result := api.Build(api.BuildOptions{
		EntryPointsAdvanced: points,
		Bundle:              true,
		Splitting:           true,
		Write:               false,
		Metafile:            true,
		Format:              api.FormatESModule,
		Platform:            api.PlatformBrowser,
		Target:              target,
		Sourcemap:           sourceMap,
		MinifyWhitespace:    opts.Minify,
		MinifyIdentifiers:   opts.Minify,
		MinifySyntax:        opts.Minify,
		Outdir:              tmpDir,
		AbsWorkingDir:       tmpDir,
		EntryNames:          "assets/[name]-[hash]",
		ChunkNames:          "assets/chunk-[hash]",
		LogLevel:            api.LogLevelSilent,
		Plugins:             []api.Plugin{e.modulesPlugin(ctx, set, opts.Sourcemap)},
	})

	for _, w := range result.Warnings {
		e.logger.Debug(ctx, "esbuild warning", "text", w.Text)
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, len(result.Errors))
		for i, m := range result.Errors {
			msgs[i] = m.Text
			if m.Location != nil {
				msgs[i] = fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text)
			}
		}
		return nil, kerrors.NewBuildError(kerrors.ErrCodeBuildFailed, "bundle failed: "+strings.Join(msgs, "; "), nil)
	}

	manifest := &Manifest{Entries: make(map[string]ManifestEntry)}
	for _, f := range result.OutputFiles {
		rel, err := filepath.Rel(tmpDir, f.Path)
		if err != nil {
			return nil, kerrors.WrapInternal(err, kerrors.ErrCodeInternalError, "output outside temp dir")
		}
		if err := writeFile(filepath.Join(tmpDir, rel), f.Contents); err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, filepath.ToSlash(rel))
	}

	if err := fillManifest(manifest, result.Metafile); err != nil {
		return nil, err
	}

	if opts.Assets != nil {
		for name, data := range opts.Assets.Files() {
			if err := writeFile(filepath.Join(tmpDir, filepath.FromSlash(name)), data); err != nil {
				return nil, err
			}
			manifest.Files = append(manifest.Files, name)
		}
	}

	if err := e.writeHTML(tmpDir, set, manifest, opts); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, kerrors.WrapInternal(err, kerrors.ErrCodeInternalError, "encode manifest")
	}
	if err := writeFile(filepath.Join(tmpDir, ManifestFile), data); err != nil {
		return nil, err
	}
	manifest.Files = append(manifest.Files, ManifestFile)
	sort.Strings(manifest.Files)

	if err := os.RemoveAll(outDir); err != nil {
		return nil, kerrors.WrapIO(err, kerrors.ErrCodeBuildFailed, "clear out dir")
	}
	if err := os.Rename(tmpDir, outDir); err != nil {
		return nil, kerrors.WrapIO(err, kerrors.ErrCodeBuildFailed, "move build output into place")
	}
	committed = true

	e.logger.Info(ctx, "Emitted build output", "out_dir", outDir, "files", len(manifest.Files))
	return manifest, nil
}

// modulesPlugin serves set to esbuild. Specifiers are looked up in the
// importing module's resolved import table.
func (e *EsbuildEmitter) modulesPlugin(ctx context.Context, set *ModuleSet, withMaps bool) api.Plugin {
	return api.Plugin{
		Name: "kiln-modules",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.Kind == api.ResolveEntryPoint {
						return api.OnResolveResult{Path: args.Path, Namespace: moduleNamespace}, nil
					}
					importer, ok := set.ByURL(args.Importer)
					if !ok {
						return api.OnResolveResult{}, fmt.Errorf("unknown importer %s", args.Importer)
					}
					id, ok := importer.Imports[args.Path]
					if !ok {
						return api.OnResolveResult{}, fmt.Errorf("unresolved import %q in %s", args.Path, importer.ID)
					}
					if id == "" {
						return api.OnResolveResult{Path: args.Path, External: true}, nil
					}
					dep, ok := set.Get(id)
					if !ok {
						return api.OnResolveResult{}, fmt.Errorf("module %s missing from build", id)
					}
					return api.OnResolveResult{Path: dep.URL, Namespace: moduleNamespace}, nil
				})

			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: moduleNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					if err := ctx.Err(); err != nil {
						return api.OnLoadResult{}, err
					}
					m, ok := set.ByURL(args.Path)
					if !ok {
						return api.OnLoadResult{}, fmt.Errorf("module %s missing from build", args.Path)
					}
					contents := moduleContents(m, withMaps)
					return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
				})
		},
	}
}

// moduleContents returns the code esbuild bundles for m. A failed module
// becomes a module that throws its error when evaluated.
func moduleContents(m *Module, withMaps bool) string {
	if m.Err != nil {
		msg, _ := json.Marshal(m.Err.Error())
		return "throw new Error(" + string(msg) + ");\n"
	}
	if !withMaps || m.Map == nil {
		return m.Code
	}
	data, err := m.Map.JSON()
	if err != nil {
		return m.Code
	}
	return m.Code + "\n//# sourceMappingURL=data:application/json;base64," + base64.StdEncoding.EncodeToString(data) + "\n"
}

// metafile is the part of esbuild's metafile the manifest needs.
type metafile struct {
	Outputs map[string]struct {
		EntryPoint string `json:"entryPoint"`
		Imports    []struct {
			Path string `json:"path"`
			Kind string `json:"kind"`
		} `json:"imports"`
	} `json:"outputs"`
}

func fillManifest(manifest *Manifest, raw string) error {
	var meta metafile
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return kerrors.WrapInternal(err, kerrors.ErrCodeInternalError, "parse esbuild metafile")
	}
	for file, out := range meta.Outputs {
		if out.EntryPoint == "" {
			continue
		}
		url := strings.TrimPrefix(out.EntryPoint, moduleNamespace+":")
		entry := ManifestEntry{File: path.Clean(filepath.ToSlash(file))}
		for _, imp := range out.Imports {
			if imp.Kind == "import-statement" {
				entry.Imports = append(entry.Imports, path.Clean(imp.Path))
			}
		}
		manifest.Entries[url] = entry
	}
	return nil
}

// writeHTML copies the root index.html with its module scripts pointing at
// the emitted entry chunks.
func (e *EsbuildEmitter) writeHTML(dir string, set *ModuleSet, manifest *Manifest, opts EmitOptions) error {
	f, err := os.Open(filepath.Join(opts.Root, "index.html"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kerrors.WrapIO(err, kerrors.ErrCodeFileNotFound, "open index.html")
	}
	defer f.Close()

	doc, err := ParseHTML(f)
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeBuild, kerrors.ErrCodeBuildFailed, "parse index.html")
	}

	base := opts.Base
	if base == "" {
		base = "/"
	}
	replace := make(map[string]string)
	for spec, id := range set.EntrySpecs() {
		m, ok := set.Get(id)
		if !ok {
			continue
		}
		if entry, ok := manifest.Entries[m.URL]; ok {
			replace[spec] = base + entry.File
		}
	}
	RewriteScripts(doc, replace)

	data, err := RenderHTML(doc)
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeBuild, kerrors.ErrCodeBuildFailed, "render index.html")
	}
	if err := writeFile(filepath.Join(dir, "index.html"), data); err != nil {
		return err
	}
	manifest.Files = append(manifest.Files, "index.html")
	return nil
}

func writeFile(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return kerrors.WrapIO(err, kerrors.ErrCodeBuildFailed, "create output dir")
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return kerrors.WrapIO(err, kerrors.ErrCodeBuildFailed, "write "+filepath.Base(p))
	}
	return nil
}
