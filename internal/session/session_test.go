package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/config"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/hmr"
	"github.com/conneroisu/kiln/internal/plugins/builtin"
	"github.com/conneroisu/kiln/internal/telemetry"
	"github.com/conneroisu/kiln/internal/watcher"
)

func project(t *testing.T, files map[string]string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	root := filepath.Join(dir, "app")
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func loadConfig(t *testing.T, root string, values map[string]interface{}) *config.Config {
	t.Helper()
	v := viper.New()
	v.Set("root", root)
	for k, val := range values {
		v.Set(k, val)
	}
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	return cfg
}

type recorder struct {
	mu       sync.Mutex
	payloads []hmr.Payload
}

func (r *recorder) Broadcast(_ context.Context, p hmr.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

var app = map[string]string{
	"index.html":  `<html><head></head><body><script type="module" src="/src/main.ts"></script></body></html>`,
	"src/main.ts": "import { value } from './dep'\nexport const out: number = value * 2\n",
	"src/dep.ts":  "export const value: number = 21\nif (import.meta.hot) { import.meta.hot.accept() }\n",
}

func TestReadFileStripsBOM(t *testing.T) {
	dir := t.TempDir()
	utf8 := filepath.Join(dir, "utf8.js")
	require.NoError(t, os.WriteFile(utf8, append([]byte{0xEF, 0xBB, 0xBF}, "let a = 1"...), 0o644))
	utf16 := filepath.Join(dir, "utf16.js")
	require.NoError(t, os.WriteFile(utf16, []byte{0xFF, 0xFE, 'o', 0, 'k', 0}, 0o644))

	data, err := ReadFile(context.Background(), utf8)
	require.NoError(t, err)
	assert.Equal(t, "let a = 1", string(data))

	data, err = ReadFile(context.Background(), utf16)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "nope.js"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	ke, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.ErrCodeFileNotFound, ke.Code)
}

func TestDevRequestAndHotUpdate(t *testing.T) {
	root := project(t, app)
	rec := &recorder{}
	metrics := telemetry.NewMetrics()
	s, err := New(Options{Config: loadConfig(t, root, nil), Broadcaster: rec, Metrics: metrics})
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx := context.Background()
	main, err := s.Pipeline.Request(ctx, "/src/main.ts")
	require.NoError(t, err)
	assert.Contains(t, main.Code, `"/src/dep.ts"`)
	assert.NotContains(t, main.Code, ": number")

	dep, err := s.Pipeline.Request(ctx, "/src/dep.ts")
	require.NoError(t, err)
	assert.Contains(t, dep.Code, builtin.ClientURL)
	assert.True(t, dep.Module.IsSelfAccepting())

	p := s.HMR.HandleFileChange(ctx, watcher.Event{Op: watcher.OpChange, Path: filepath.Join(root, "src", "dep.ts")})
	require.NotNil(t, p)
	require.Equal(t, hmr.PayloadUpdate, p.Type)
	assert.Equal(t, "/src/dep.ts", p.Updates[0].Path)
	assert.Len(t, rec.payloads, 1)

	again, err := s.Pipeline.Request(ctx, "/src/main.ts")
	require.NoError(t, err)
	assert.True(t, again.Cached, "importer of a self-accepting module keeps its result")
}

func TestPluginsCanBeDisabled(t *testing.T) {
	root := project(t, app)
	s, err := New(Options{Config: loadConfig(t, root, map[string]interface{}{
		"plugins.disabled": []string{builtin.JSONName, builtin.ResolveName},
	})})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, p := range s.Container.Plugins() {
		names[p.Name] = true
	}
	assert.False(t, names[builtin.JSONName])
	assert.True(t, names[builtin.ResolveName], "resolution cannot be disabled")
	assert.True(t, names[builtin.ImportAnalysisName])
}

func TestProductionSessionSkipsImportAnalysis(t *testing.T) {
	root := project(t, app)
	s, err := New(Options{Config: loadConfig(t, root, map[string]interface{}{"mode": config.ModeProduction})})
	require.NoError(t, err)
	for _, p := range s.Container.Plugins() {
		assert.NotEqual(t, builtin.ImportAnalysisName, p.Name)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	root := project(t, app)
	a, err := New(Options{Config: loadConfig(t, root, nil)})
	require.NoError(t, err)
	b, err := New(Options{Config: loadConfig(t, root, nil)})
	require.NoError(t, err)

	_, err = a.Pipeline.Request(context.Background(), "/src/main.ts")
	require.NoError(t, err)
	assert.Positive(t, a.Graph.Len())
	assert.Zero(t, b.Graph.Len())
}

func TestBuildRequiresProductionMode(t *testing.T) {
	root := project(t, app)
	s, err := New(Options{Config: loadConfig(t, root, nil)})
	require.NoError(t, err)
	_, err = s.Build(context.Background())
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	root := project(t, app)
	cfg := loadConfig(t, root, map[string]interface{}{"mode": config.ModeProduction})
	metrics := telemetry.NewMetrics()
	s, err := New(Options{Config: cfg, Metrics: metrics})
	require.NoError(t, err)

	report, err := s.Build(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Manifest)
	assert.Equal(t, 2, report.Modules.Len())

	entry, ok := report.Manifest.Entries["/src/main.ts"]
	require.True(t, ok)
	_, err = os.Stat(filepath.Join(cfg.OutDir(), filepath.FromSlash(entry.File)))
	assert.NoError(t, err)
}

func TestBuildEmitsAssets(t *testing.T) {
	root := project(t, map[string]string{
		"index.html":    `<html><body><script type="module" src="/src/main.ts"></script></body></html>`,
		"src/main.ts":   "import logo from './logo.png'\nimport notes from './notes.txt?raw'\nconsole.log(logo, notes)\n",
		"src/logo.png":  strings.Repeat("p", 128),
		"src/notes.txt": "release notes",
	})
	cfg := loadConfig(t, root, map[string]interface{}{
		"mode":                      config.ModeProduction,
		"build.out_dir":             filepath.Join(t.TempDir(), "missing", "parent", "dist"),
		"build.assets_inline_limit": 16,
		"build.minify":              false,
	})
	s, err := New(Options{Config: cfg})
	require.NoError(t, err)

	report, err := s.Build(context.Background())
	require.NoError(t, err)

	var logo string
	for _, f := range report.Manifest.Files {
		if strings.HasPrefix(f, "assets/logo-") {
			logo = f
		}
	}
	require.NotEmpty(t, logo, "files: %v", report.Manifest.Files)
	data, err := os.ReadFile(filepath.Join(cfg.OutDir(), filepath.FromSlash(logo)))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("p", 128), string(data))

	entry := report.Manifest.Entries["/src/main.ts"]
	chunk, err := os.ReadFile(filepath.Join(cfg.OutDir(), filepath.FromSlash(entry.File)))
	require.NoError(t, err)
	assert.Contains(t, string(chunk), "/"+logo)
	assert.Contains(t, string(chunk), "release notes")
}

func TestReportErrorBroadcastsOverlay(t *testing.T) {
	root := project(t, app)
	rec := &recorder{}
	s, err := New(Options{Config: loadConfig(t, root, nil), Broadcaster: rec})
	require.NoError(t, err)

	s.ReportError(context.Background(), kerrors.NewResolveError("./missing", "/src/main.ts"))
	require.Len(t, rec.payloads, 1)
	assert.Equal(t, hmr.PayloadError, rec.payloads[0].Type)
}

func TestWarmupExpandsPatterns(t *testing.T) {
	files := map[string]string{"src/main.ts": "export {}\n"}
	for i := 0; i < 3*crawlWorkers; i++ {
		files[fmt.Sprintf("src/pages/p%02d.ts", i)] = "export const n: number = 1\n"
	}
	root := project(t, files)
	s, err := New(Options{Config: loadConfig(t, root, nil)})
	require.NoError(t, err)

	s.Warmup(context.Background(), []string{"/src/main.ts", "/src/pages/*.ts", "/src/[bad"})

	require.Eventually(t, func() bool {
		for name := range files {
			n := s.Graph.GetModuleByURL("/" + name)
			if n == nil || n.TransformResult() == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCrawlFromIndex(t *testing.T) {
	root := project(t, app)
	s, err := New(Options{Config: loadConfig(t, root, nil)})
	require.NoError(t, err)

	entries, err := s.Entries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/main.ts"}, entries)

	require.NoError(t, s.Crawl(context.Background(), nil))
	assert.NotNil(t, s.Graph.GetModuleByURL("/src/main.ts"))
	assert.NotNil(t, s.Graph.GetModuleByURL("/src/dep.ts"))
}

func TestCrawlCollectsFailures(t *testing.T) {
	files := map[string]string{
		"src/main.ts":   "import './ok'\nimport './broken'\n",
		"src/ok.ts":     "export const ok = 1\n",
		"src/broken.ts": "export const = ;\n",
	}
	root := project(t, files)
	s, err := New(Options{Config: loadConfig(t, root, map[string]interface{}{"build.entries": []string{"src/main.ts"}})})
	require.NoError(t, err)

	err = s.Crawl(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, kerrors.IsTransformError(err))
	assert.NotNil(t, s.Graph.GetModuleByURL("/src/ok.ts").TransformResult())
}
