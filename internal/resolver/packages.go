package resolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PackageData is the parsed part of a package.json the resolver needs.
type PackageData struct {
	Dir     string
	Name    string
	Version string
	Fields  map[string]string
	Exports *exportsNode

	// linkedDir is set when the package was reached through a symlink whose
	// target has no manifest of its own.
	linkedDir string
}

type manifest struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Main    string          `json:"main"`
	Module  string          `json:"module"`
	Browser json.RawMessage `json:"browser"`
	Exports json.RawMessage `json:"exports"`
}

// loadManifest reads and caches path. A missing file returns (nil, nil).
func (r *Resolver) loadManifest(path string) (*PackageData, error) {
	path = r.realpath(path)

	r.mu.Lock()
	if pkg, ok := r.manifests[path]; ok {
		r.mu.Unlock()
		return pkg, nil
	}
	r.mu.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.manifestReads.Add(1)

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	pkg := &PackageData{
		Dir:     filepath.Dir(path),
		Name:    m.Name,
		Version: m.Version,
		Fields:  map[string]string{"main": m.Main, "module": m.Module},
	}
	// Only the string form of "browser" selects an entry.
	var browser string
	if len(m.Browser) > 0 && json.Unmarshal(m.Browser, &browser) == nil {
		pkg.Fields["browser"] = browser
	}
	if len(m.Exports) > 0 && string(m.Exports) != "null" {
		node, err := parseExports(m.Exports)
		if err != nil {
			return nil, fmt.Errorf("parse exports of %s: %w", path, err)
		}
		pkg.Exports = node
	}

	r.mu.Lock()
	r.manifests[path] = pkg
	r.mu.Unlock()
	return pkg, nil
}

// InvalidatePackage drops cached metadata for the manifest at path and every
// memoized lookup that landed on it.
func (r *Resolver) InvalidatePackage(path string) {
	real := r.realpath(path)
	dir := filepath.Dir(real)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.manifests, path)
	delete(r.manifests, real)
	for k, pkg := range r.packages {
		if pkg.Dir == dir || pkg.Dir == filepath.Dir(path) {
			delete(r.packages, k)
		}
	}
}

// splitBare separates "@scope/name/sub/path" into name and "./sub/path".
func splitBare(spec string) (name, subpath string, ok bool) {
	parts := strings.Split(spec, "/")
	n := 1
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return "", "", false
		}
		n = 2
	}
	if parts[0] == "" {
		return "", "", false
	}
	name = strings.Join(parts[:n], "/")
	subpath = "."
	if rest := parts[n:]; len(rest) > 0 {
		subpath = "./" + strings.Join(rest, "/")
	}
	return name, subpath, true
}

// findPackage returns package data for name as seen from baseDir.
func (r *Resolver) findPackage(name, baseDir string) (*PackageData, error) {
	key := packageKey{name: name, baseDir: baseDir}
	r.mu.Lock()
	if pkg, ok := r.packages[key]; ok {
		r.mu.Unlock()
		return pkg, nil
	}
	r.mu.Unlock()

	for dir := baseDir; ; {
		pkgDir := filepath.Join(dir, "node_modules", filepath.FromSlash(name))
		if isDir(pkgDir) {
			pkg, err := r.loadManifest(filepath.Join(pkgDir, "package.json"))
			if err != nil {
				return nil, err
			}
			if pkg == nil {
				pkg, err = r.findLinkedManifest(pkgDir)
				if err != nil {
					return nil, err
				}
			}
			if pkg != nil {
				r.mu.Lock()
				r.packages[key] = pkg
				r.mu.Unlock()
				return pkg, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// findLinkedManifest handles a node_modules entry that is a symlink to a
// directory without a manifest: the nearest manifest above the target wins.
func (r *Resolver) findLinkedManifest(pkgDir string) (*PackageData, error) {
	target, err := filepath.EvalSymlinks(pkgDir)
	if err != nil || target == pkgDir {
		return nil, nil
	}
	for dir := filepath.Dir(target); ; {
		pkg, err := r.loadManifest(filepath.Join(dir, "package.json"))
		if err != nil {
			return nil, err
		}
		if pkg != nil {
			linked := *pkg
			linked.linkedDir = target
			return &linked, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (r *Resolver) resolveBare(spec, importer string) (string, error) {
	spec, query := splitQuery(spec)

	name, subpath, ok := splitBare(spec)
	if !ok {
		return "", fmt.Errorf("%w: invalid package specifier %q", ErrUnresolved, spec)
	}

	baseDir := r.opts.Root
	if file := fileOf(importer); file != "" {
		baseDir = filepath.Dir(file)
	}

	pkg, err := r.findPackage(name, baseDir)
	if err != nil {
		return "", err
	}
	if pkg == nil {
		return "", fmt.Errorf("%w: package %q not found from %s", ErrUnresolved, name, baseDir)
	}

	if entry, ok := r.resolvePackageEntry(pkg, subpath); ok {
		return r.realpath(entry) + query, nil
	}
	return "", fmt.Errorf("%w: %q is not exported by %s", ErrUnresolved, subpath, name)
}

func (r *Resolver) resolvePackageEntry(pkg *PackageData, subpath string) (string, bool) {
	if pkg.Exports != nil {
		target, ok := r.resolveExports(pkg.Exports, subpath)
		if !ok {
			return "", false
		}
		file := filepath.Join(pkg.Dir, filepath.FromSlash(target))
		if isFile(file) {
			return file, true
		}
		return "", false
	}

	base := pkg.Dir
	if pkg.linkedDir != "" {
		base = pkg.linkedDir
	}
	if subpath != "." {
		if found, ok := r.probe(filepath.Join(base, filepath.FromSlash(subpath)), "", true); ok {
			return found, true
		}
		return "", false
	}
	if pkg.linkedDir == "" {
		if entry, ok := r.resolveMainFields(pkg); ok {
			return entry, true
		}
	}
	return r.probe(filepath.Join(base, "index"), "", false)
}

// resolveMainFields tries the configured main fields, then "main".
func (r *Resolver) resolveMainFields(pkg *PackageData) (string, bool) {
	fields := append(append([]string(nil), r.opts.MainFields...), "main")
	for _, f := range fields {
		entry := pkg.Fields[f]
		if entry == "" {
			continue
		}
		if filepath.Clean(filepath.Join(pkg.Dir, entry)) == pkg.Dir {
			continue
		}
		if found, ok := r.probe(filepath.Join(pkg.Dir, filepath.FromSlash(entry)), "", true); ok {
			return found, true
		}
	}
	return "", false
}
