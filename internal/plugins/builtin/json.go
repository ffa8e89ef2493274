package builtin

import (
	"context"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
)

// JSON turns .json files, and lang.json sub-modules, into ES modules with a
// default export and one named export per top-level key that is a valid
// identifier.
func JSON() *plugins.Plugin {
	return &plugins.Plugin{
		Name: JSONName,
		Transform: &plugins.Hook[plugins.TransformFunc]{
			Filter: withoutAssetQueries(plugins.ExtFilter("json")),
			Handler: func(ctx context.Context, pc *plugins.Context, code, id string) (*plugins.TransformResult, error) {
				result := api.Transform(code, api.TransformOptions{
					Loader:     api.LoaderJSON,
					Format:     api.FormatESModule,
					Sourcefile: modgraph.StripQuery(id),
					LogLevel:   api.LogLevelSilent,
				})
				out, err := esbuildResult(ctx, pc, result)
				if err != nil {
					return nil, err
				}
				// Positions in generated bindings do not map back to JSON.
				out.Map = nil
				return out, nil
			},
		},
	}
}
