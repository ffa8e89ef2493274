package builtin

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/conneroisu/kiln/internal/analysis"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/resolver"
)

// ImportAnalysisOptions configure the import rewrite pass.
type ImportAnalysisOptions struct {
	// Graph, when set, receives the resolved ids of imports and supplies the
	// hot update timestamps appended to refetched URLs.
	Graph *modgraph.Graph
}

var htmlRe = regexp.MustCompile(`\.html?(\?.*)?$`)

// ImportAnalysis rewrites every import specifier of a transformed module to
// the URL the dev server serves it under and gives modules that use
// import.meta.hot a hot context. It runs after all other transforms.
func ImportAnalysis(opts ImportAnalysisOptions) *plugins.Plugin {
	return &plugins.Plugin{
		Name:    ImportAnalysisName,
		Enforce: plugins.EnforcePost,
		Transform: &plugins.Hook[plugins.TransformFunc]{
			Filter: &plugins.Filter{Exclude: []*regexp.Regexp{htmlRe}},
			Handler: func(ctx context.Context, pc *plugins.Context, code, id string) (*plugins.TransformResult, error) {
				return analyzeImports(ctx, pc, opts.Graph, code, id)
			},
		},
	}
}

func analyzeImports(ctx context.Context, pc *plugins.Context, graph *modgraph.Graph, code, id string) (*plugins.TransformResult, error) {
	res, err := analysis.Analyze(code)
	if err != nil {
		return nil, pc.Error(err.Error(), 0, 0)
	}
	if len(res.Imports) == 0 && len(res.AcceptedDeps) == 0 && !res.HasHot {
		return nil, nil
	}

	root := pc.Root()
	rewritten := make(map[string]string)
	rewrite := func(imp analysis.Import) (string, error) {
		spec := imp.Specifier
		if url, ok := rewritten[spec]; ok {
			return url, nil
		}
		url, err := servedURL(ctx, pc, graph, root, spec, id)
		if err != nil {
			line, col := kerrors.OffsetToPosition(code, imp.Start)
			if ke, ok := kerrors.As(err); ok && ke.Line == 0 {
				ke.WithLocation(modgraph.StripQuery(id), line, col)
			}
			return "", err
		}
		rewritten[spec] = url
		return url, nil
	}

	edits := make([]analysis.Edit, 0, len(res.Imports)+len(res.AcceptedDeps))
	for _, group := range [][]analysis.Import{res.Imports, res.AcceptedDeps} {
		for _, imp := range group {
			url, err := rewrite(imp)
			if err != nil {
				return nil, err
			}
			if url != imp.Specifier {
				edits = append(edits, analysis.Edit{Start: imp.Start, End: imp.End, Text: url})
			}
		}
	}

	out, err := analysis.Apply(code, edits)
	if err != nil {
		return nil, kerrors.NewInternalError("IMPORT_REWRITE", "import rewrite produced overlapping edits", err).WithPlugin(pc.PluginName(), id)
	}
	if res.HasHot {
		// Kept on the first line so later line numbers still match.
		out = "import { createHotContext as __kiln__createHotContext } from " + jsString(ClientURL) +
			";import.meta.hot = __kiln__createHotContext(" + jsString(resolver.ToURL(root, id)) + ");" + out
	}
	if out == code {
		return nil, nil
	}
	return &plugins.TransformResult{Code: out}, nil
}

// servedURL resolves spec from importer and returns the URL to import it by.
// Remote and client specifiers are left alone.
func servedURL(ctx context.Context, pc *plugins.Context, graph *modgraph.Graph, root, spec, importer string) (string, error) {
	if isRemote(spec) || strings.HasPrefix(spec, ClientURL) {
		return spec, nil
	}
	r, err := pc.Resolve(ctx, spec, importer, false)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", kerrors.NewResolveError(spec, modgraph.StripQuery(importer))
	}
	if r.External {
		return spec, nil
	}

	url := resolver.ToURL(root, r.ID)
	if graph != nil {
		dep := graph.EnsureEntryFromResolved(url, r.ID)
		if ts := dep.LastHMRTimestamp(); ts > 0 {
			url = withQuery(url, "t="+strconv.FormatInt(ts, 10))
		}
	}
	// Style, data and asset imports are served as JavaScript only when marked.
	if modgraph.IsCSSRequest(r.ID) || strings.HasSuffix(modgraph.StripQuery(r.ID), ".json") || IsAssetRequest(r.ID) {
		url = withQuery(url, "import")
	}
	return url, nil
}

func withQuery(url, part string) string {
	if strings.Contains(url, "?") {
		return url + "&" + part
	}
	return url + "?" + part
}
