package resolver

import (
	"path/filepath"
	"strings"

	"github.com/conneroisu/kiln/internal/modgraph"
)

// VirtualURLPrefix is how virtual ids travel over HTTP; the NUL byte cannot
// appear in a URL path.
const VirtualURLPrefix = "/@id/__x00__"

// ToURL returns the browser-facing URL for id: root-relative for files under
// root, /@fs/ for other files, /@id/__x00__ for virtual ids.
func ToURL(root, id string) string {
	if strings.HasPrefix(id, modgraph.VirtualPrefix) {
		return VirtualURLPrefix + id[len(modgraph.VirtualPrefix):]
	}
	if !filepath.IsAbs(modgraph.StripQuery(id)) {
		return id
	}
	if root != "" {
		if rel, err := filepath.Rel(root, id); err == nil && !strings.HasPrefix(rel, "..") {
			return "/" + filepath.ToSlash(rel)
		}
	}
	return modgraph.FSPrefix + strings.TrimPrefix(filepath.ToSlash(id), "/")
}

// FromURL reverses the virtual-id encoding of ToURL.
func FromURL(url string) string {
	if strings.HasPrefix(url, VirtualURLPrefix) {
		return modgraph.VirtualPrefix + url[len(VirtualURLPrefix):]
	}
	return url
}

func fileOf(id string) string {
	return modgraph.FileFromID(id)
}
