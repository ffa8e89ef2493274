package builtin

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/resolver"
)

// AssetsDir is the output directory, relative to the build out dir, that
// emitted assets are written to.
const AssetsDir = "assets"

var assetExts = map[string]bool{
	// images
	".png": true, ".jpg": true, ".jpeg": true, ".jfif": true, ".gif": true,
	".svg": true, ".ico": true, ".webp": true, ".avif": true, ".bmp": true,
	// media
	".mp4": true, ".webm": true, ".ogg": true, ".mp3": true, ".wav": true,
	".flac": true, ".aac": true,
	// fonts
	".woff": true, ".woff2": true, ".eot": true, ".ttf": true, ".otf": true,
	// other
	".pdf": true, ".txt": true, ".webmanifest": true,
}

// assetQueryRe matches the ?url and ?raw import markers.
var assetQueryRe = regexp.MustCompile(`[?&](url|raw)(&|$)`)

// IsAssetRequest reports whether id is imported for its URL or its raw
// text rather than evaluated as a module.
func IsAssetRequest(id string) bool {
	return assetExts[strings.ToLower(path.Ext(modgraph.StripQuery(id)))] || assetQueryRe.MatchString(id)
}

// withoutAssetQueries keeps ?url and ?raw imports away from the language
// transforms.
func withoutAssetQueries(f *plugins.Filter) *plugins.Filter {
	f.Exclude = append(f.Exclude, assetQueryRe)
	return f
}

func hasQuery(id, key string) bool {
	_, q, ok := strings.Cut(id, "?")
	if !ok {
		return false
	}
	for _, part := range strings.Split(q, "&") {
		if part == key {
			return true
		}
	}
	return false
}

// AssetOptions configure the asset plugin.
type AssetOptions struct {
	// Base is prefixed to every asset URL.
	Base string
	Read func(ctx context.Context, path string) ([]byte, error)
	// Emitted collects the files of a production build. When nil, assets
	// export the URL the dev server serves them under.
	Emitted *EmittedAssets
	// InlineLimit is the size below which a built asset is exported as a
	// base64 data URL. SVG files are always emitted.
	InlineLimit int
}

// Asset loads static files imported from JavaScript. Known asset types and
// ?url imports become a module whose default export is the file's public
// URL; ?raw imports export the file contents as a string.
func Asset(opts AssetOptions) *plugins.Plugin {
	base := opts.Base
	if base == "" {
		base = "/"
	}
	read := opts.Read
	if read == nil {
		read = func(_ context.Context, p string) ([]byte, error) { return os.ReadFile(p) }
	}

	return &plugins.Plugin{
		Name: AssetName,
		Load: plugins.Fn[plugins.LoadFunc](func(ctx context.Context, pc *plugins.Context, id string) (*plugins.LoadResult, error) {
			if !IsAssetRequest(id) {
				return nil, nil
			}
			file := modgraph.FileFromID(id)
			if file == "" {
				return nil, nil
			}

			raw := hasQuery(id, "raw")
			var data []byte
			if raw || opts.Emitted != nil {
				var err error
				if data, err = read(ctx, file); err != nil {
					return nil, kerrors.NewLoadError(resolver.ToURL(pc.Root(), id), id, err)
				}
			}
			if raw {
				return &plugins.LoadResult{Code: "export default " + jsString(string(data)) + "\n"}, nil
			}

			var url string
			switch {
			case opts.Emitted == nil:
				url = base + strings.TrimPrefix(resolver.ToURL(pc.Root(), file), "/")
			case len(data) < opts.InlineLimit && filepath.Ext(file) != ".svg":
				url = dataURL(file, data)
			default:
				url = base + opts.Emitted.add(file, data)
			}
			return &plugins.LoadResult{Code: "export default " + jsString(url) + "\n"}, nil
		}),
	}
}

func dataURL(file string, data []byte) string {
	typ := mime.TypeByExtension(filepath.Ext(file))
	if typ == "" {
		typ = "application/octet-stream"
	}
	return "data:" + typ + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// EmittedAssets collects the asset files a production build writes next to
// its chunks, keyed by content-hashed path.
type EmittedAssets struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewEmittedAssets creates an empty collection.
func NewEmittedAssets() *EmittedAssets {
	return &EmittedAssets{files: make(map[string][]byte)}
}

// add records data and returns its path relative to the out dir.
func (e *EmittedAssets) add(file string, data []byte) string {
	ext := filepath.Ext(file)
	name := strings.TrimSuffix(filepath.Base(file), ext)
	out := fmt.Sprintf("%s/%s-%08x%s", AssetsDir, name, uint32(xxhash.Sum64(data)), ext)

	e.mu.Lock()
	e.files[out] = data
	e.mu.Unlock()
	return out
}

// Files returns a copy of the recorded files keyed by path relative to the
// out dir.
func (e *EmittedAssets) Files() map[string][]byte {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]byte, len(e.files))
	for n, data := range e.files {
		out[n] = data
	}
	return out
}
