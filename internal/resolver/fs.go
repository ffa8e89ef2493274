package resolver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/conneroisu/kiln/internal/modgraph"
)

var tsExtensions = map[string]bool{".ts": true, ".tsx": true, ".mts": true, ".cts": true, ".vue": true}

// tryFile probes path (which may carry a query) as a file, with extensions,
// as a TS source behind a .js import, and as a directory. The query is
// carried over to the returned id.
func (r *Resolver) tryFile(path, importer string) (string, bool) {
	file, query := path, ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		file, query = path[:i], path[i:]
	}
	file = filepath.Clean(file)

	if found, ok := r.probe(file, importer, true); ok {
		return r.realpath(found) + query, true
	}
	return "", false
}

func (r *Resolver) probe(file, importer string, tryIndex bool) (string, bool) {
	if isFile(file) {
		return file, true
	}

	for _, ext := range r.opts.Extensions {
		if isFile(file + ext) {
			return file + ext, true
		}
	}

	// import './foo.js' from TS where only foo.ts exists.
	if tsExtensions[filepath.Ext(modgraph.StripQuery(importer))] {
		ext := filepath.Ext(file)
		var candidates []string
		switch ext {
		case ".js":
			candidates = []string{".ts", ".tsx"}
		case ".mjs":
			candidates = []string{".mts"}
		case ".jsx":
			candidates = []string{".tsx"}
		}
		trimmed := strings.TrimSuffix(file, ext)
		for _, c := range candidates {
			if isFile(trimmed + c) {
				return trimmed + c, true
			}
		}
	}

	if tryIndex && isDir(file) {
		if pkg, err := r.loadManifest(filepath.Join(file, "package.json")); err == nil && pkg != nil {
			if entry, ok := r.resolveMainFields(pkg); ok {
				return entry, true
			}
		}
		index := filepath.Join(file, "index")
		for _, ext := range r.opts.Extensions {
			if isFile(index + ext) {
				return index + ext, true
			}
		}
	}
	return "", false
}

func (r *Resolver) realpath(file string) string {
	if r.opts.PreserveSymlinks {
		return file
	}
	if real, err := filepath.EvalSymlinks(file); err == nil {
		return real
	}
	return file
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
