// Package builtin holds the core plugins every session installs: resolution,
// virtual modules, static assets, the esbuild-backed language transforms,
// style injection, define replacement and the import analysis pass that runs
// last.
package builtin

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/resolver"
)

// Core plugin names, usable in config plugins.disabled.
const (
	ResolveName        = "kiln:resolve"
	VirtualName        = "kiln:virtual"
	EsbuildName        = "kiln:esbuild"
	JSONName           = "kiln:json"
	CSSName            = "kiln:css"
	DefineName         = "kiln:define"
	AssetName          = "kiln:asset"
	ImportAnalysisName = "kiln:import-analysis"
)

// ClientURL is the served path of the browser HMR runtime.
const ClientURL = "/@kiln/client"

var packageJSONRe = regexp.MustCompile(`(^|[/\\])package\.json$`)

// isRemote reports specifiers that the browser fetches itself.
func isRemote(spec string) bool {
	return strings.HasPrefix(spec, "http://") ||
		strings.HasPrefix(spec, "https://") ||
		strings.HasPrefix(spec, "//") ||
		strings.HasPrefix(spec, "data:")
}

// Resolve maps specifiers through r. A miss declines so that later plugins
// may still resolve the specifier.
func Resolve(r *resolver.Resolver) *plugins.Plugin {
	return &plugins.Plugin{
		Name: ResolveName,
		ResolveID: plugins.Fn[plugins.ResolveIDFunc](func(ctx context.Context, _ *plugins.Context, spec, importer string, _ plugins.ResolveOptions) (*plugins.ResolvedID, error) {
			if isRemote(spec) {
				return &plugins.ResolvedID{ID: spec, External: true}, nil
			}
			if strings.HasPrefix(spec, ClientURL) {
				return &plugins.ResolvedID{ID: spec, External: true}, nil
			}
			id, err := r.Resolve(ctx, spec, importer)
			if errors.Is(err, resolver.ErrUnresolved) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return &plugins.ResolvedID{ID: id}, nil
		}),
		WatchChange: &plugins.Hook[plugins.WatchChangeFunc]{
			Handler: func(ctx context.Context, pc *plugins.Context, id string, _ plugins.ChangeEvent) error {
				r.InvalidatePackage(id)
				pc.Logger().Debug(ctx, "Package manifest changed", "file", id)
				return nil
			},
			Filter: &plugins.Filter{Include: []*regexp.Regexp{packageJSONRe}},
		},
	}
}

// virtualID is the canonical id of a virtual module name.
func virtualID(name string) string {
	return modgraph.VirtualPrefix + name
}
