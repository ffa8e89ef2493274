package modgraph

import (
	"path"
	"strings"
)

// VirtualPrefix marks ids that have no file on disk.
const VirtualPrefix = "\x00"

// FSPrefix is the served URL prefix for absolute paths outside the root.
const FSPrefix = "/@fs/"

// CleanURL drops the cache-busting ?t= and the ?import marker so that every
// refetch maps to the same node.
func CleanURL(url string) string {
	base, query, ok := strings.Cut(url, "?")
	if !ok {
		return url
	}
	if h := strings.IndexByte(query, '#'); h >= 0 {
		query = query[:h]
	}
	kept := make([]string, 0, 4)
	for _, part := range strings.Split(query, "&") {
		if part == "" || part == "import" || strings.HasPrefix(part, "t=") {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return base
	}
	return base + "?" + strings.Join(kept, "&")
}

// StripQuery returns the part of s before '?' or '#'.
func StripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}

// FileFromID returns the file path behind an id, or "" for virtual ids.
func FileFromID(id string) string {
	if strings.HasPrefix(id, VirtualPrefix) || strings.HasPrefix(id, "virtual:") {
		return ""
	}
	file := StripQuery(id)
	if strings.HasPrefix(file, FSPrefix) {
		file = "/" + strings.TrimPrefix(file, FSPrefix)
	}
	if !strings.HasPrefix(file, "/") && !isWindowsAbs(file) {
		return ""
	}
	return file
}

func isWindowsAbs(p string) bool {
	return len(p) > 2 && p[1] == ':' && (p[2] == '/' || p[2] == '\\')
}

var cssLangs = map[string]bool{".css": true, ".scss": true, ".sass": true, ".less": true, ".styl": true, ".pcss": true, ".postcss": true}

func isCSSRequest(id string) bool {
	clean := StripQuery(id)
	if cssLangs[path.Ext(clean)] {
		return true
	}
	// sub-module queries such as ?vue&type=style&index=0&lang.css
	_, q, _ := strings.Cut(id, "?")
	for _, part := range strings.Split(q, "&") {
		if strings.HasPrefix(part, "lang.") && cssLangs["."+strings.TrimPrefix(part, "lang.")] {
			return true
		}
	}
	return false
}

// IsCSSRequest reports whether id is a style module.
func IsCSSRequest(id string) bool { return isCSSRequest(id) }
