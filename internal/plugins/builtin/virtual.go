package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
)

// EnvModuleName is the virtual module exposing the mode to application code.
const EnvModuleName = "virtual:kiln/env"

// Virtual serves modules that have no file on disk. A specifier equal to a
// key of modules resolves to the NUL-prefixed id and loads the mapped code.
func Virtual(modules map[string]string) *plugins.Plugin {
	return &plugins.Plugin{
		Name: VirtualName,
		ResolveID: &plugins.Hook[plugins.ResolveIDFunc]{
			Order: plugins.OrderPre,
			Handler: func(_ context.Context, _ *plugins.Context, spec, _ string, _ plugins.ResolveOptions) (*plugins.ResolvedID, error) {
				name := strings.TrimPrefix(spec, modgraph.VirtualPrefix)
				if _, ok := modules[name]; ok {
					return &plugins.ResolvedID{ID: virtualID(name)}, nil
				}
				return nil, nil
			},
		},
		Load: plugins.Fn[plugins.LoadFunc](func(_ context.Context, _ *plugins.Context, id string) (*plugins.LoadResult, error) {
			if !strings.HasPrefix(id, modgraph.VirtualPrefix) {
				return nil, nil
			}
			code, ok := modules[strings.TrimPrefix(id, modgraph.VirtualPrefix)]
			if !ok {
				return nil, nil
			}
			return &plugins.LoadResult{Code: code}, nil
		}),
	}
}

// EnvModule renders the source of EnvModuleName for cfg.
func EnvModule(cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "export const MODE = %s\n", jsString(cfg.Mode))
	fmt.Fprintf(&b, "export const BASE_URL = %s\n", jsString(cfg.Base))
	fmt.Fprintf(&b, "export const DEV = %t\n", !cfg.IsProduction())
	fmt.Fprintf(&b, "export const PROD = %t\n", cfg.IsProduction())
	fmt.Fprintf(&b, "export const SSR = %t\n", cfg.SSR)
	b.WriteString("export default { MODE, BASE_URL, DEV, PROD, SSR }\n")
	return b.String()
}
