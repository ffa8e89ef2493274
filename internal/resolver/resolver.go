// Package resolver maps import specifiers to canonical module ids on disk.
//
// Resolution order: the alias table, ids that are already absolute or
// URL-prefixed, relative specifiers against the importer, root-relative URLs,
// then bare package specifiers through the nearest node_modules with
// conditional exports. Package metadata is memoized and can be invalidated
// when a package.json changes.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/modgraph"
)

// ErrUnresolved is returned when no strategy could map the specifier. It is
// not fatal; another plugin may still resolve it.
var ErrUnresolved = errors.New("unresolved specifier")

// Options configure a Resolver.
type Options struct {
	Root             string
	Mode             string
	Alias            []config.AliasEntry
	Conditions       []string
	Extensions       []string
	MainFields       []string
	PreserveSymlinks bool
}

// OptionsFromConfig builds resolver options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Root:             cfg.Root,
		Mode:             cfg.Mode,
		Alias:            cfg.Alias,
		Conditions:       cfg.Resolve.Conditions,
		Extensions:       cfg.Resolve.Extensions,
		MainFields:       cfg.Resolve.MainFields,
		PreserveSymlinks: cfg.Resolve.PreserveSymlinks,
	}
}

// Resolver resolves specifiers. It is safe for concurrent use.
type Resolver struct {
	opts       Options
	conditions map[string]bool
	logger     logging.Logger

	mu        sync.Mutex
	packages  map[packageKey]*PackageData
	manifests map[string]*PackageData

	manifestReads atomic.Int64
}

type packageKey struct {
	name    string
	baseDir string
}

var defaultExtensions = []string{".mjs", ".js", ".mts", ".ts", ".jsx", ".tsx", ".json"}

// New creates a resolver.
func New(opts Options, logger logging.Logger) *Resolver {
	if len(opts.Extensions) == 0 {
		opts.Extensions = defaultExtensions
	}
	if len(opts.MainFields) == 0 {
		opts.MainFields = []string{"browser", "module"}
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeDevelopment
	}
	conds := map[string]bool{"import": true, "module": true, "browser": true, "default": true, opts.Mode: true}
	for _, c := range opts.Conditions {
		conds[c] = true
	}
	return &Resolver{
		opts:       opts,
		conditions: conds,
		logger:     logging.OrNop(logger).WithComponent("resolver"),
		packages:   make(map[packageKey]*PackageData),
		manifests:  make(map[string]*PackageData),
	}
}

// Root returns the project root.
func (r *Resolver) Root() string { return r.opts.Root }

// Resolve maps specifier, imported from importer (an id or ""), to an id.
func (r *Resolver) Resolve(ctx context.Context, specifier, importer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if specifier == "" {
		return "", fmt.Errorf("%w: empty specifier", ErrUnresolved)
	}

	specifier = r.applyAlias(specifier)

	// Fully qualified ids pass through.
	switch {
	case strings.HasPrefix(specifier, modgraph.VirtualPrefix),
		strings.HasPrefix(specifier, "http://"),
		strings.HasPrefix(specifier, "https://"),
		strings.HasPrefix(specifier, "//"),
		strings.HasPrefix(specifier, "data:"):
		return specifier, nil
	case strings.HasPrefix(specifier, VirtualURLPrefix):
		return FromURL(specifier), nil
	case strings.HasPrefix(specifier, modgraph.FSPrefix):
		fsPath := "/" + strings.TrimPrefix(specifier, modgraph.FSPrefix)
		if id, ok := r.tryFile(fsPath, importer); ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnresolved, specifier)
	}

	if isRelative(specifier) {
		base := r.opts.Root
		if file := modgraph.FileFromID(importer); file != "" {
			base = filepath.Dir(file)
		}
		path, query := splitQuery(specifier)
		if id, ok := r.tryFile(filepath.Join(base, filepath.FromSlash(path))+query, importer); ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s from %s", ErrUnresolved, specifier, importer)
	}

	if strings.HasPrefix(specifier, "/") {
		// Root-relative URL first, then a real absolute path.
		path, query := splitQuery(specifier)
		if id, ok := r.tryFile(filepath.Join(r.opts.Root, filepath.FromSlash(path))+query, importer); ok {
			return id, nil
		}
		if id, ok := r.tryFile(specifier, importer); ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnresolved, specifier)
	}

	if filepath.IsAbs(specifier) {
		if id, ok := r.tryFile(specifier, importer); ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnresolved, specifier)
	}

	return r.resolveBare(specifier, importer)
}

func isRelative(s string) bool {
	return s == "." || s == ".." || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../")
}

// splitQuery separates a trailing "?query" from a specifier.
func splitQuery(s string) (path, query string) {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

// applyAlias rewrites specifier with the first matching alias entry.
func (r *Resolver) applyAlias(specifier string) string {
	for _, a := range r.opts.Alias {
		if specifier == a.Find {
			return a.Replacement
		}
		if strings.HasPrefix(specifier, a.Find+"/") {
			return strings.TrimSuffix(a.Replacement, "/") + specifier[len(a.Find):]
		}
	}
	return specifier
}

// ManifestReads returns how many package.json files have been read from disk.
func (r *Resolver) ManifestReads() int64 {
	return r.manifestReads.Load()
}

// IsPackageManifest reports whether file is a package.json.
func IsPackageManifest(file string) bool {
	return filepath.Base(file) == "package.json"
}
