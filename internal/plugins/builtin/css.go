package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/resolver"
)

// CSSOptions configure the style plugin.
type CSSOptions struct {
	// Dev emits code that updates the style tag through the HMR client.
	Dev    bool
	Minify bool
}

// CSS turns stylesheets imported from JavaScript into modules that inject a
// <style> tag. In dev the module accepts its own updates so an edit swaps the
// tag contents without a reload.
func CSS(opts CSSOptions) *plugins.Plugin {
	return &plugins.Plugin{
		Name: CSSName,
		Transform: &plugins.Hook[plugins.TransformFunc]{
			Filter: withoutAssetQueries(plugins.ExtFilter("css")),
			Handler: func(ctx context.Context, pc *plugins.Context, code, id string) (*plugins.TransformResult, error) {
				css := code
				if opts.Minify {
					result := api.Transform(code, api.TransformOptions{
						Loader:           api.LoaderCSS,
						Sourcefile:       modgraph.StripQuery(id),
						MinifyWhitespace: true,
						MinifySyntax:     true,
						LogLevel:         api.LogLevelSilent,
					})
					out, err := esbuildResult(ctx, pc, result)
					if err != nil {
						return nil, err
					}
					css = strings.TrimSpace(out.Code)
				}

				styleID := resolver.ToURL(pc.Root(), id)
				if opts.Dev {
					return &plugins.TransformResult{Code: devStyleModule(styleID, css)}, nil
				}
				return &plugins.TransformResult{Code: buildStyleModule(styleID, css)}, nil
			},
		},
	}
}

func devStyleModule(styleID, css string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "import { updateStyle as __kiln_updateStyle, removeStyle as __kiln_removeStyle } from %s\n", jsString(ClientURL))
	fmt.Fprintf(&b, "const __kiln_id = %s\n", jsString(styleID))
	fmt.Fprintf(&b, "const __kiln_css = %s\n", jsString(css))
	b.WriteString("__kiln_updateStyle(__kiln_id, __kiln_css)\n")
	b.WriteString("import.meta.hot.accept()\n")
	b.WriteString("import.meta.hot.prune(() => __kiln_removeStyle(__kiln_id))\n")
	b.WriteString("export default __kiln_css\n")
	return b.String()
}

func buildStyleModule(styleID, css string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "const __kiln_css = %s\n", jsString(css))
	b.WriteString("if (typeof document !== \"undefined\") {\n")
	b.WriteString("  const el = document.createElement(\"style\")\n")
	fmt.Fprintf(&b, "  el.setAttribute(\"data-kiln-id\", %s)\n", jsString(styleID))
	b.WriteString("  el.textContent = __kiln_css\n")
	b.WriteString("  document.head.appendChild(el)\n")
	b.WriteString("}\n")
	b.WriteString("export default __kiln_css\n")
	return b.String()
}
