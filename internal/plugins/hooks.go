package plugins

import (
	"context"
	"regexp"
	"strings"

	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/sourcemap"
)

// Order positions a single hook relative to the same hook of other plugins.
type Order string

const (
	OrderPre    Order = "pre"
	OrderNormal Order = ""
	OrderPost   Order = "post"
)

// Filter restricts a hook to matching ids. A nil filter matches everything.
type Filter struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
}

// Match reports whether id passes the filter.
func (f *Filter) Match(id string) bool {
	if f == nil {
		return true
	}
	for _, re := range f.Exclude {
		if re.MatchString(id) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, re := range f.Include {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

// ExtFilter matches ids whose path ends in one of exts. The query is ignored.
func ExtFilter(exts ...string) *Filter {
	quoted := make([]string, len(exts))
	for i, e := range exts {
		quoted[i] = regexp.QuoteMeta(strings.TrimPrefix(e, "."))
	}
	return &Filter{Include: []*regexp.Regexp{
		regexp.MustCompile(`\.(` + strings.Join(quoted, "|") + `)(\?.*)?$`),
	}}
}

// Hook wraps a handler with an optional filter and ordering.
type Hook[F any] struct {
	Handler F
	Filter  *Filter
	Order   Order
}

// Fn wraps a plain handler.
func Fn[F any](f F) *Hook[F] {
	return &Hook[F]{Handler: f}
}

// ResolveOptions are passed to resolveId hooks.
type ResolveOptions struct {
	SSR     bool
	IsEntry bool
	// Skip names plugins excluded from this resolution, used by plugins that
	// re-enter resolution through Context.Resolve.
	Skip []string
}

func (o ResolveOptions) skips(name string) bool {
	for _, s := range o.Skip {
		if s == name {
			return true
		}
	}
	return false
}

// ResolvedID is the result of a successful resolution.
type ResolvedID struct {
	ID       string
	External bool
}

// LoadOptions are passed to load hooks.
type LoadOptions struct {
	SSR bool
}

// LoadResult is the content supplied by a load hook.
type LoadResult struct {
	Code string
	Map  *sourcemap.Map
}

// TransformOptions are passed to the container's Transform.
type TransformOptions struct {
	SSR bool
	// InMap is the map produced by load, if any.
	InMap *sourcemap.Map
}

// TransformResult is returned by one transform hook.
type TransformResult struct {
	Code string
	Map  *sourcemap.Map
}

// TransformOutput is the result of the whole transform chain.
type TransformOutput struct {
	Code string
	Map  *sourcemap.Map
}

// HmrContext is handed to handleHotUpdate hooks.
type HmrContext struct {
	File      string
	Timestamp int64
	Modules   []*modgraph.ModuleNode
	// Read returns the changed file's current content.
	Read func(ctx context.Context) ([]byte, error)
}

// ChangeEvent is the kind of file change seen by watchChange hooks.
type ChangeEvent string

const (
	ChangeCreate ChangeEvent = "create"
	ChangeUpdate ChangeEvent = "update"
	ChangeDelete ChangeEvent = "delete"
)

// Hook handler signatures. A nil result means the hook declined.
type (
	ResolveIDFunc       func(ctx context.Context, pc *Context, specifier, importer string, opts ResolveOptions) (*ResolvedID, error)
	LoadFunc            func(ctx context.Context, pc *Context, id string) (*LoadResult, error)
	TransformFunc       func(ctx context.Context, pc *Context, code, id string) (*TransformResult, error)
	HandleHotUpdateFunc func(ctx context.Context, pc *Context, hc *HmrContext) ([]*modgraph.ModuleNode, error)
	BuildStartFunc      func(ctx context.Context, pc *Context) error
	BuildEndFunc        func(ctx context.Context, pc *Context, buildErr error) error
	WatchChangeFunc     func(ctx context.Context, pc *Context, id string, event ChangeEvent) error
	CloseFunc           func(ctx context.Context, pc *Context) error
)
