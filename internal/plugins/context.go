package plugins

import (
	"context"
	"errors"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/modgraph"
)

// Context is handed to every hook call. It is the same type in dev and build.
type Context struct {
	container *Container
	plugin    *Plugin
	id        string
	ssr       bool
	skip      []string
}

// PluginName returns the name of the plugin being called.
func (pc *Context) PluginName() string { return pc.plugin.Name }

// SSR reports whether the current request targets server rendering.
func (pc *Context) SSR() bool { return pc.ssr }

// Mode returns the configured mode.
func (pc *Context) Mode() string { return pc.container.cfg.Mode }

// Root returns the project root.
func (pc *Context) Root() string { return pc.container.cfg.Root }

// Logger returns a logger tagged with the plugin name.
func (pc *Context) Logger() logging.Logger {
	return pc.container.logger.With("plugin", pc.plugin.Name)
}

// Warn logs a warning attributed to the plugin and current module.
func (pc *Context) Warn(ctx context.Context, msg string, fields ...interface{}) {
	pc.container.logger.Warn(ctx, nil, msg, append([]interface{}{"plugin", pc.plugin.Name, "id", pc.id}, fields...)...)
}

// Error builds a transform error attributed to the plugin at line:column of
// the current module. Return it from the hook to abort the request.
func (pc *Context) Error(msg string, line, column int) error {
	ke := kerrors.NewTransformError(pc.plugin.Name, pc.id, errors.New(msg))
	if line > 0 {
		ke.WithLocation(modgraph.StripQuery(pc.id), line, column)
	}
	return ke
}

// Resolve runs resolution from inside a hook. With skipSelf the calling
// plugin is excluded to avoid recursing into itself.
func (pc *Context) Resolve(ctx context.Context, specifier, importer string, skipSelf bool) (*ResolvedID, error) {
	opts := ResolveOptions{SSR: pc.ssr, Skip: pc.skip}
	if skipSelf {
		opts.Skip = append(append([]string(nil), pc.skip...), pc.plugin.Name)
	}
	return pc.container.ResolveID(ctx, specifier, importer, opts)
}

// AddWatchFile asks the dev server to watch file on behalf of the plugin.
func (pc *Context) AddWatchFile(file string) {
	pc.container.addWatchFile(file)
}
