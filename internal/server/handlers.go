package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/conneroisu/kiln/internal/build"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/plugins/builtin"
	"github.com/conneroisu/kiln/internal/transform"
)

func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := r.URL.Path
	if strings.HasSuffix(p, "/") {
		p += "index.html"
	}

	switch {
	case path.Ext(p) == ".html" && !r.URL.Query().Has("import"):
		if s.serveHTML(w, r, p) {
			return
		}
	case isModuleRequest(r.URL):
		s.serveModule(w, r)
		return
	default:
		if s.serveStatic(w, r, p) {
			return
		}
	}

	// Client side routes fall back to the root page.
	if path.Ext(p) == "" && acceptsHTML(r) && s.serveHTML(w, r, "/index.html") {
		return
	}
	http.NotFound(w, r)
}

// isModuleRequest reports whether u must go through the transform pipeline.
func isModuleRequest(u *url.URL) bool {
	if strings.HasPrefix(u.Path, "/@id/") {
		return true
	}
	q := u.Query()
	if q.Has("import") || q.Has("vue") || q.Has("url") || q.Has("raw") {
		return true
	}
	switch path.Ext(u.Path) {
	case ".js", ".mjs", ".cjs", ".ts", ".mts", ".cts", ".jsx", ".tsx", ".vue":
		return true
	}
	return false
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Server) serveModule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	res, err := s.session.Pipeline.Request(ctx, target)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == res.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", res.ETag)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.WriteString(w, s.withInlineMap(ctx, target, res)); err != nil {
		s.logger.Debug(ctx, "Module response interrupted", "url", target, "error", err)
	}
}

// withInlineMap appends the result's source map as a data URL.
func (s *Server) withInlineMap(ctx context.Context, target string, res *transform.Result) string {
	if res.Map == nil {
		return res.Code
	}
	data, err := res.Map.JSON()
	if err != nil {
		s.logger.Warn(ctx, err, "Dropping unencodable source map", "url", target)
		return res.Code
	}
	return res.Code + "\n//# sourceMappingURL=data:application/json;base64," +
		base64.StdEncoding.EncodeToString(data)
}

// fail answers a failed request. Missing modules are a plain 404; other
// failures are reported to every client overlay as well.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusNotFound {
		s.logger.Debug(r.Context(), "Module not found", "url", r.URL.Path, "error", err)
	} else {
		s.session.ReportError(r.Context(), err)
	}
	if acceptsHTML(r) {
		serveOverlay(w, r, err)
		return
	}
	http.Error(w, err.Error(), status)
}

// serveHTML serves the page at urlPath with the HMR client injected and its
// scripts and stylesheets warmed up. It reports false when the page does
// not exist.
func (s *Server) serveHTML(w http.ResponseWriter, r *http.Request, urlPath string) bool {
	ctx := r.Context()
	file, ok := s.staticFile(urlPath)
	if !ok {
		return false
	}
	if info, err := os.Stat(file); err != nil || info.IsDir() {
		return false
	}
	data, err := s.session.Read(ctx, file)
	if err != nil {
		s.fail(w, r, err)
		return true
	}
	doc, err := build.ParseHTML(bytes.NewReader(data))
	if err != nil {
		s.fail(w, r, kerrors.NewBuildError(kerrors.ErrCodeBuildFailed, "cannot parse "+urlPath, err))
		return true
	}

	if s.session.Config.Server.HMR {
		build.AppendToHead(doc, builtin.ClientURL)
	}
	for _, asset := range build.LinkedAssets(doc) {
		if !strings.HasPrefix(asset, "/") {
			asset = path.Join(path.Dir(urlPath), asset)
		}
		s.session.Pipeline.Warmup(asset)
	}

	out, err := build.RenderHTML(doc)
	if err != nil {
		s.fail(w, r, kerrors.NewBuildError(kerrors.ErrCodeBuildFailed, "cannot render "+urlPath, err))
		return true
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method != http.MethodHead {
		_, _ = w.Write(out)
	}
	return true
}

// serveStatic serves a file under the root, or a /@fs/ file the graph
// already knows, with a content hash ETag.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, urlPath string) bool {
	file, ok := s.staticFile(urlPath)
	if !ok {
		return false
	}
	f, err := os.Open(file)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	if hash, err := s.session.Hasher.FileHash(file); err == nil {
		w.Header().Set("ETag", `"`+hash+`"`)
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

// staticFile maps a URL path to a file. Paths are cleaned so they cannot
// leave the root; /@fs/ paths outside it must belong to a graph module.
func (s *Server) staticFile(urlPath string) (string, bool) {
	root := s.session.Config.Root
	if strings.HasPrefix(urlPath, modgraph.FSPrefix) {
		file := filepath.FromSlash(path.Clean("/" + strings.TrimPrefix(urlPath, modgraph.FSPrefix)))
		if rel, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(rel, "..") {
			return file, true
		}
		return file, len(s.session.Graph.GetModulesByFile(file)) > 0
	}
	return filepath.Join(root, filepath.FromSlash(path.Clean("/"+urlPath))), true
}
