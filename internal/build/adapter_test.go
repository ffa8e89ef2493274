package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/config"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/plugins/builtin"
	"github.com/conneroisu/kiln/internal/resolver"
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

func newAdapter(root string, opts Options) *Adapter {
	r := resolver.New(resolver.Options{Root: root, Mode: config.ModeProduction}, nil)
	opts.Root = root
	opts.Container = plugins.NewContainer(
		plugins.ContainerConfig{Root: root, Mode: config.ModeProduction},
		nil,
		[]*plugins.Plugin{builtin.Resolve(r), builtin.Esbuild(builtin.EsbuildOptions{})},
	)
	return NewAdapter(opts)
}

func TestCollectFromIndexHTML(t *testing.T) {
	root := project(t, map[string]string{
		"index.html":  `<html><head></head><body><script type="module" src="/src/main.ts"></script></body></html>`,
		"src/main.ts": "import { value } from './dep'\nimport 'https://cdn.example.com/x.js'\nexport const out: string = value\n",
		"src/dep.ts":  "export const value: string = 'dep value'\n",
	})
	a := newAdapter(root, Options{Workers: 2})

	entries, err := a.DiscoverEntries()
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/main.ts"}, entries)

	report, err := a.Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.Equal(t, 2, report.Modules.Len())

	main, ok := report.Modules.ByURL("/src/main.ts")
	require.True(t, ok)
	assert.True(t, main.Entry)
	assert.NotContains(t, main.Code, ": string")
	assert.Equal(t, filepath.Join(root, "src/dep.ts"), main.Imports["./dep"])
	assert.Equal(t, "", main.Imports["https://cdn.example.com/x.js"])

	dep, ok := report.Modules.Get(filepath.Join(root, "src/dep.ts"))
	require.True(t, ok)
	assert.False(t, dep.Entry)
	assert.Equal(t, "/src/dep.ts", dep.URL)

	snap := a.Metrics().GetSnapshot()
	assert.Equal(t, int64(2), snap.Succeeded)
	assert.Equal(t, int64(0), snap.Failed)
}

func TestConfiguredEntries(t *testing.T) {
	a := newAdapter("/proj", Options{Entries: []string{"src/main.ts", "./b.ts", "/c.ts"}})
	entries, err := a.DiscoverEntries()
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/main.ts", "./b.ts", "/c.ts"}, entries)
}

func TestNoEntries(t *testing.T) {
	root := project(t, map[string]string{"src/main.ts": ""})
	_, err := newAdapter(root, Options{}).Collect(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsBuildError(err))
}

var failing = map[string]string{
	"src/main.ts":  "import { a } from './bad'\nimport { b } from './good'\nconsole.log(a, b)\n",
	"src/bad.ts":   "export const a = 1\nconst = ;\n",
	"src/good.ts":  "export const b: number = 2\n",
	"src/other.ts": "",
}

func TestFailureAbortsBuild(t *testing.T) {
	root := project(t, failing)
	outDir := filepath.Join(filepath.Dir(root), "dist")
	a := newAdapter(root, Options{
		Entries: []string{"src/main.ts"},
		Emitter: NewEsbuildEmitter(nil),
		Emit:    EmitOptions{Root: root, OutDir: outDir},
	})

	_, err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsTransformError(err))

	_, statErr := os.Stat(outDir)
	assert.True(t, os.IsNotExist(statErr), "nothing may be written")
}

func TestTolerateErrorsReports(t *testing.T) {
	root := project(t, failing)
	a := newAdapter(root, Options{Entries: []string{"src/main.ts"}, TolerateErrors: true})

	report, err := a.Collect(context.Background())
	require.NoError(t, err)
	require.True(t, report.Failed())
	require.Len(t, report.Failures, 1)
	assert.Equal(t, filepath.Join(root, "src/bad.ts"), report.Failures[0].ID)
	assert.True(t, kerrors.IsTransformError(report.Failures[0].Err))

	good, ok := report.Modules.Get(filepath.Join(root, "src/good.ts"))
	require.True(t, ok)
	assert.NoError(t, good.Err)
	assert.Contains(t, good.Code, "const b = 2")

	bad, ok := report.Modules.Get(filepath.Join(root, "src/bad.ts"))
	require.True(t, ok)
	assert.Error(t, bad.Err)
	assert.Contains(t, moduleContents(bad, false), "throw new Error(")
}

func TestRunEmitsBundle(t *testing.T) {
	root := project(t, map[string]string{
		"index.html":  `<html><head></head><body><script type="module" src="/src/main.js"></script></body></html>`,
		"src/main.js": "import { value } from './dep.js'\nconsole.log(value)\n",
		"src/dep.js":  "export const value = 'dep value'\n",
	})
	outDir := filepath.Join(filepath.Dir(root), "dist")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "stale.txt"), []byte("old"), 0o644))

	a := newAdapter(root, Options{
		Emitter: NewEsbuildEmitter(nil),
		Emit:    EmitOptions{Root: root, OutDir: outDir, Base: "/"},
	})
	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Manifest)

	entry, ok := report.Manifest.Entries["/src/main.js"]
	require.True(t, ok, "manifest entries: %v", report.Manifest.Entries)
	assert.True(t, strings.HasPrefix(entry.File, "assets/main-"), entry.File)
	assert.True(t, strings.HasSuffix(entry.File, ".js"), entry.File)

	bundle, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(entry.File)))
	require.NoError(t, err)
	assert.Contains(t, string(bundle), "dep value")

	html, err := os.ReadFile(filepath.Join(outDir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), `src="/`+entry.File+`"`)

	_, err = os.Stat(filepath.Join(outDir, ManifestFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "stale.txt"))
	assert.True(t, os.IsNotExist(err))

	assert.Contains(t, report.Manifest.Files, ManifestFile)
	assert.Equal(t, len(report.Manifest.Files), report.Metrics.EmittedFiles)
}

type staticAssets map[string][]byte

func (s staticAssets) Files() map[string][]byte { return s }

func TestRunEmitsIntoNestedOutDir(t *testing.T) {
	root := project(t, map[string]string{
		"src/main.js": "export default 1\n",
	})
	outDir := filepath.Join(filepath.Dir(root), "build", "web", "dist")

	a := newAdapter(root, Options{
		Entries: []string{"src/main.js"},
		Emitter: NewEsbuildEmitter(nil),
		Emit: EmitOptions{
			Root:   root,
			OutDir: outDir,
			Assets: staticAssets{"assets/logo-0123abcd.png": []byte("png")},
		},
	})
	report, err := a.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outDir, "assets", "logo-0123abcd.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
	assert.Contains(t, report.Manifest.Files, "assets/logo-0123abcd.png")

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(outDir), ".kiln-build-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
