package sfc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/sourcemap"
)

// PluginName is the name of the component plugin.
const PluginName = "kiln:sfc"

// Options configure the component plugins.
type Options struct {
	Root  string
	Dev   bool
	Cache *DescriptorCache
	// Read loads external block sources (<style src="...">).
	Read func(ctx context.Context, path string) ([]byte, error)
}

var (
	vueFilter     = &plugins.Filter{Include: []*regexp.Regexp{regexp.MustCompile(`\.vue(\?|$)`)}}
	exportDefault = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s+`)
)

type component struct {
	opts Options
}

// NewPlugins returns the core component plugin plus a post plugin that turns
// custom blocks nobody transformed into plain default exports.
func NewPlugins(opts Options) []*plugins.Plugin {
	if opts.Cache == nil {
		opts.Cache = NewDescriptorCache()
	}
	c := &component{opts: opts}
	return []*plugins.Plugin{
		{
			Name:            PluginName,
			ResolveID:       &plugins.Hook[plugins.ResolveIDFunc]{Handler: c.resolveID, Filter: vueFilter, Order: plugins.OrderPre},
			Load:            &plugins.Hook[plugins.LoadFunc]{Handler: c.load, Filter: vueFilter},
			Transform:       &plugins.Hook[plugins.TransformFunc]{Handler: c.transform, Filter: vueFilter},
			HandleHotUpdate: &plugins.Hook[plugins.HandleHotUpdateFunc]{Handler: c.handleHotUpdate, Filter: vueFilter},
			WatchChange:     &plugins.Hook[plugins.WatchChangeFunc]{Handler: c.watchChange, Filter: vueFilter},
		},
		{
			Name:      PluginName + "-blocks",
			Enforce:   plugins.EnforcePost,
			Transform: &plugins.Hook[plugins.TransformFunc]{Handler: c.customBlockFallback, Filter: vueFilter},
		},
	}
}

// resolveID keeps the sub-module query while the base path goes through the
// regular resolvers.
func (c *component) resolveID(ctx context.Context, pc *plugins.Context, specifier, importer string, _ plugins.ResolveOptions) (*plugins.ResolvedID, error) {
	q, ok := ParseID(specifier)
	if !ok {
		return nil, nil
	}
	base, err := pc.Resolve(ctx, q.Base, importer, true)
	if err != nil || base == nil {
		return nil, err
	}
	q.Base = modgraph.StripQuery(base.ID)
	if _, err := c.opts.Cache.Get(modgraph.FileFromID(q.Base)); err != nil {
		return nil, err
	}
	return &plugins.ResolvedID{ID: q.String()}, nil
}

func (c *component) load(ctx context.Context, pc *plugins.Context, id string) (*plugins.LoadResult, error) {
	q, ok := ParseID(id)
	if !ok {
		return nil, nil
	}
	file := modgraph.FileFromID(q.Base)
	d, err := c.opts.Cache.Get(file)
	if err != nil {
		return nil, err
	}
	block := d.block(q)
	if block == nil {
		return nil, kerrors.NewLoadError(id, id, fmt.Errorf("%s has no %s block at index %d", filepath.Base(file), q.Kind, q.Index))
	}
	if block.Src != "" {
		if c.opts.Read == nil {
			return nil, fmt.Errorf("external block source %q cannot be read", block.Src)
		}
		src := filepath.Join(filepath.Dir(file), filepath.FromSlash(block.Src))
		pc.AddWatchFile(src)
		data, err := c.opts.Read(ctx, src)
		if err != nil {
			return nil, err
		}
		return &plugins.LoadResult{Code: string(data)}, nil
	}
	return &plugins.LoadResult{
		Code: block.Content,
		Map:  sourcemap.IdentityAt(file, d.Source, block.Content, block.Line-1),
	}, nil
}

func (d *Descriptor) block(q Query) *Block {
	switch q.Kind {
	case KindScript:
		if d.Script != nil {
			return d.Script
		}
		return d.ScriptSetup
	case KindTemplate:
		return d.Template
	case KindStyle:
		if q.Index < len(d.Styles) {
			return d.Styles[q.Index]
		}
	default:
		if q.Index < len(d.CustomBlocks) && d.CustomBlocks[q.Index].Type == q.Kind {
			return d.CustomBlocks[q.Index]
		}
	}
	return nil
}

func (c *component) transform(_ context.Context, pc *plugins.Context, code, id string) (*plugins.TransformResult, error) {
	q, ok := ParseID(id)
	if !ok {
		if !IsSFC(id) {
			return nil, nil
		}
		return c.transformMain(code, id)
	}

	d, err := c.opts.Cache.Get(modgraph.FileFromID(q.Base))
	if err != nil {
		return nil, err
	}
	switch q.Kind {
	case KindTemplate:
		markup := code
		if d.HasScoped() {
			markup = scopeTemplate(markup, d.ScopeID())
		}
		return &plugins.TransformResult{Code: "export function render() {\n  return " + jsString(markup) + "\n}\n"}, nil
	case KindStyle:
		if q.Lang != "" && q.Lang != "css" {
			return nil, pc.Error(fmt.Sprintf("style lang %q is not supported", q.Lang), 0, 0)
		}
		if q.Scoped {
			code = scopeCSS(code, d.ScopeID())
		}
		return &plugins.TransformResult{Code: code}, nil
	}
	return nil, nil
}

// transformMain parses the component and generates the module stitching its
// blocks together.
func (c *component) transformMain(code, id string) (*plugins.TransformResult, error) {
	file := modgraph.FileFromID(id)
	d, err := Parse(file, c.opts.Root, []byte(code))
	if err != nil {
		return nil, err
	}
	prev := c.opts.Cache.Prev(file)
	c.opts.Cache.Set(file, d)

	var out []string
	scriptLines := 0
	script := d.Script
	if script == nil {
		script = d.ScriptSetup
	}
	switch {
	case script == nil:
		out = append(out, "const _sfc_main = {}")
	case script.Src != "" || (script.Lang != "" && script.Lang != "js"):
		lang := script.Lang
		if lang == "" {
			lang = "js"
		}
		req := jsString(Query{Base: file, Kind: KindScript, Lang: lang}.String())
		out = append(out,
			"import * as _sfc_script from "+req,
			"export * from "+req,
			"const _sfc_main = _sfc_script.default || {}",
		)
	default:
		body := script.Content
		if exportDefault.MatchString(body) {
			loc := exportDefault.FindStringSubmatchIndex(body)
			body = body[:loc[0]] + body[loc[2]:loc[3]] + "const _sfc_main = " + body[loc[1]:]
		} else {
			body += "\nconst _sfc_main = {}"
		}
		out = append(out, body)
		scriptLines = strings.Count(script.Content, "\n") + 1
	}

	if d.Template != nil {
		out = append(out, "import { render as _sfc_render } from "+jsString(Query{Base: file, Kind: KindTemplate}.String()))
	}
	for i, style := range d.Styles {
		lang := style.Lang
		if lang == "" {
			lang = "css"
		}
		q := Query{Base: file, Kind: KindStyle, Index: i, Scoped: style.Scoped, Lang: lang}
		out = append(out, "import "+jsString(q.String()))
	}
	for i, block := range d.CustomBlocks {
		q := Query{Base: file, Kind: block.Type, Index: i, Lang: block.Lang}
		out = append(out,
			fmt.Sprintf("import block%d from %s", i, jsString(q.String())),
			fmt.Sprintf("if (typeof block%d === 'function') block%d(_sfc_main)", i, i),
		)
	}
	if d.Template != nil {
		out = append(out, "_sfc_main.render = _sfc_render")
	}
	if d.HasScoped() {
		out = append(out, "_sfc_main.__scopeId = "+jsString(d.ScopeID()))
	}
	if c.opts.Dev {
		rel, _ := filepath.Rel(c.opts.Root, file)
		out = append(out, "_sfc_main.__file = "+jsString(filepath.ToSlash(rel)))
	}
	out = append(out, "export default _sfc_main")

	if c.opts.Dev {
		if prev != nil && OnlyTemplateChanged(prev, d) {
			out = append(out, "export const _rerender_only = true")
		}
		out = append(out,
			"_sfc_main.__hmrId = "+jsString(d.ID),
			`typeof __KILN_SFC__ !== "undefined" && __KILN_SFC__.createRecord(_sfc_main.__hmrId, _sfc_main)`,
			`import.meta.hot.accept((mod) => {`,
			`  if (!mod) return`,
			`  if (typeof __KILN_SFC__ === "undefined") return import.meta.hot.invalidate()`,
			`  if (mod._rerender_only) __KILN_SFC__.rerender(mod.default.__hmrId, mod.default.render)`,
			`  else __KILN_SFC__.reload(mod.default.__hmrId, mod.default)`,
			`})`,
		)
	}

	generated := strings.Join(out, "\n") + "\n"
	return &plugins.TransformResult{Code: generated, Map: mainMap(file, d, script, generated, scriptLines)}, nil
}

// mainMap maps the inlined script lines back into the component file. Lines
// generated for the other blocks stay unmapped.
func mainMap(file string, d *Descriptor, script *Block, generated string, scriptLines int) *sourcemap.Map {
	total := strings.Count(generated, "\n") + 1
	lines := make([][]sourcemap.Segment, total)
	if script != nil {
		for i := 0; i < scriptLines && i < total; i++ {
			lines[i] = []sourcemap.Segment{{Source: 0, Line: script.Line - 1 + i, HasSource: true}}
		}
	}
	return &sourcemap.Map{
		Version:        3,
		Sources:        []string{file},
		SourcesContent: []string{d.Source},
		Names:          []string{},
		Mappings:       sourcemap.Encode(lines),
	}
}

// customBlockFallback exports custom block content that no user plugin
// turned into JavaScript.
func (c *component) customBlockFallback(_ context.Context, _ *plugins.Context, code, id string) (*plugins.TransformResult, error) {
	q, ok := ParseID(id)
	if !ok || q.Kind == KindScript || q.Kind == KindTemplate || q.Kind == KindStyle {
		return nil, nil
	}
	d, found := c.opts.Cache.Peek(modgraph.FileFromID(q.Base))
	if !found {
		return nil, nil
	}
	if block := d.block(q); block == nil || block.Content != code {
		return nil, nil
	}
	return &plugins.TransformResult{Code: "export default " + jsString(code) + "\n"}, nil
}

// handleHotUpdate swaps in a fresh descriptor and narrows the update to the
// sub-modules whose blocks changed.
func (c *component) handleHotUpdate(ctx context.Context, pc *plugins.Context, hc *plugins.HmrContext) ([]*modgraph.ModuleNode, error) {
	if _, ok := c.opts.Cache.Peek(hc.File); !ok {
		// Never requested; nothing in the browser depends on it yet.
		return nil, nil
	}
	src, err := hc.Read(ctx)
	if err != nil {
		return nil, err
	}
	next, err := Parse(hc.File, c.opts.Root, src)
	if err != nil {
		// Keep the full module list so the main module reloads and reports
		// the parse error through the normal transform path.
		pc.Warn(ctx, "Component failed to parse during hot update", "error", err.Error())
		return nil, nil
	}
	prev := c.opts.Cache.Swap(hc.File, next)
	if prev == nil {
		return nil, nil
	}

	affected := Diff(prev, next, hc.Modules)
	pc.Logger().Debug(ctx, "Component hot update", "file", hc.File, "modules", len(affected))
	return affected, nil
}

func (c *component) watchChange(_ context.Context, _ *plugins.Context, id string, event plugins.ChangeEvent) error {
	if event == plugins.ChangeDelete {
		c.opts.Cache.Delete(id)
	}
	return nil
}

// jsString quotes s as a JavaScript string literal. HTML escaping is off so
// query separators survive for the import scanner.
func jsString(s string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}
