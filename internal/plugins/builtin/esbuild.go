package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/sourcemap"
)

// EsbuildOptions configure the TypeScript/JSX transform.
type EsbuildOptions struct {
	// Target is an esbuild target such as "es2020"; empty means esnext.
	Target string
	Minify bool
}

// Esbuild strips types and compiles JSX with esbuild's transform API. Files
// are matched by extension or by a lang.<ext> sub-module query.
func Esbuild(opts EsbuildOptions) *plugins.Plugin {
	target := ParseTarget(opts.Target)
	return &plugins.Plugin{
		Name: EsbuildName,
		Transform: &plugins.Hook[plugins.TransformFunc]{
			Filter: withoutAssetQueries(plugins.ExtFilter("ts", "tsx", "jsx", "mts", "cts")),
			Handler: func(ctx context.Context, pc *plugins.Context, code, id string) (*plugins.TransformResult, error) {
				result := api.Transform(code, api.TransformOptions{
					Loader:            loaderFor(id),
					Sourcefile:        modgraph.StripQuery(id),
					Sourcemap:         api.SourceMapExternal,
					Target:            target,
					MinifyWhitespace:  opts.Minify,
					MinifySyntax:      opts.Minify,
					MinifyIdentifiers: opts.Minify,
					LogLevel:          api.LogLevelSilent,
				})
				return esbuildResult(ctx, pc, result)
			},
		},
	}
}

// esbuildResult turns an esbuild transform result into a hook result. The
// first error becomes a located transform error; warnings are logged.
func esbuildResult(ctx context.Context, pc *plugins.Context, result api.TransformResult) (*plugins.TransformResult, error) {
	for _, w := range result.Warnings {
		fields := []interface{}{"message", w.Text}
		if w.Location != nil {
			fields = append(fields, "line", w.Location.Line, "column", w.Location.Column)
		}
		pc.Warn(ctx, "esbuild warning", fields...)
	}
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		if msg.Location != nil {
			return nil, pc.Error(msg.Text, msg.Location.Line, msg.Location.Column)
		}
		return nil, pc.Error(msg.Text, 0, 0)
	}

	out := &plugins.TransformResult{Code: string(result.Code)}
	if len(result.Map) > 0 {
		m, err := sourcemap.Parse(result.Map)
		if err != nil {
			pc.Warn(ctx, "Ignoring unreadable esbuild source map", "error", err.Error())
		} else {
			out.Map = m
		}
	}
	return out, nil
}

// langOf returns the language of id: the lang.<ext> query if present,
// otherwise the path extension without the dot.
func langOf(id string) string {
	if _, q, ok := strings.Cut(id, "?"); ok {
		for _, part := range strings.Split(q, "&") {
			if strings.HasPrefix(part, "lang.") {
				return strings.TrimPrefix(part, "lang.")
			}
		}
	}
	return strings.TrimPrefix(path.Ext(modgraph.StripQuery(id)), ".")
}

func loaderFor(id string) api.Loader {
	switch langOf(id) {
	case "tsx":
		return api.LoaderTSX
	case "jsx":
		return api.LoaderJSX
	case "js", "mjs", "cjs":
		return api.LoaderJS
	default:
		return api.LoaderTS
	}
}

// ParseTarget maps a config target name to an esbuild target.
func ParseTarget(name string) api.Target {
	switch strings.ToLower(name) {
	case "es2015", "es6":
		return api.ES2015
	case "es2016":
		return api.ES2016
	case "es2017":
		return api.ES2017
	case "es2018":
		return api.ES2018
	case "es2019":
		return api.ES2019
	case "es2020":
		return api.ES2020
	case "es2021":
		return api.ES2021
	case "es2022":
		return api.ES2022
	case "es2023":
		return api.ES2023
	case "es2024":
		return api.ES2024
	default:
		return api.ESNext
	}
}

// jsString quotes s as a JavaScript string literal. HTML escaping is off so
// that specifiers keep their '&' separators.
func jsString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}
