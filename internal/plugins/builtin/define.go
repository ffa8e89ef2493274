package builtin

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
)

var jsModuleRe = regexp.MustCompile(`\.(m?[jt]sx?|cjs|cts|vue)(\?.*)?$`)

// Defines returns the replacement table for cfg: the mode constants plus the
// configured define entries, which win on conflict.
func Defines(cfg *config.Config) map[string]string {
	out := map[string]string{
		"process.env.NODE_ENV":     strconv.Quote(cfg.Mode),
		"import.meta.env.MODE":     strconv.Quote(cfg.Mode),
		"import.meta.env.DEV":      strconv.FormatBool(!cfg.IsProduction()),
		"import.meta.env.PROD":     strconv.FormatBool(cfg.IsProduction()),
		"import.meta.env.SSR":      strconv.FormatBool(cfg.SSR),
		"import.meta.env.BASE_URL": strconv.Quote(cfg.Base),
	}
	if cfg.IsProduction() {
		out["import.meta.hot"] = "undefined"
	}
	for k, v := range cfg.Define {
		out[k] = v
	}
	return out
}

// Define replaces global expressions in JavaScript modules. Values are JSON
// or identifiers. Modules that mention none of the keys are skipped without
// reparsing.
func Define(defines map[string]string) *plugins.Plugin {
	keys := make([]string, 0, len(defines))
	for k := range defines {
		keys = append(keys, k)
	}
	return &plugins.Plugin{
		Name: DefineName,
		Transform: &plugins.Hook[plugins.TransformFunc]{
			Filter: withoutAssetQueries(&plugins.Filter{Include: []*regexp.Regexp{jsModuleRe}}),
			Handler: func(ctx context.Context, pc *plugins.Context, code, id string) (*plugins.TransformResult, error) {
				if len(defines) == 0 || modgraph.IsCSSRequest(id) || !mentionsAny(code, keys) {
					return nil, nil
				}
				result := api.Transform(code, api.TransformOptions{
					Loader:     api.LoaderJS,
					Sourcefile: modgraph.StripQuery(id),
					Sourcemap:  api.SourceMapExternal,
					Define:     defines,
					LogLevel:   api.LogLevelSilent,
				})
				return esbuildResult(ctx, pc, result)
			},
		},
	}
}

func mentionsAny(code string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(code, k) {
			return true
		}
	}
	return false
}
