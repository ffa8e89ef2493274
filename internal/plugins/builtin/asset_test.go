package builtin

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/plugins"
	"github.com/conneroisu/kiln/internal/resolver"
)

func TestIsAssetRequest(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"/proj/src/logo.png", true},
		{"/proj/src/LOGO.PNG", true},
		{"/proj/fonts/inter.woff2", true},
		{"/proj/src/main.ts", false},
		{"/proj/src/main.ts?url", true},
		{"/proj/src/theme.css?raw", true},
		{"/proj/src/theme.css", false},
		{"/proj/src/App.vue?vue&type=style&index=0&lang.css", false},
		{"/proj/src/curl.ts?curly", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAssetRequest(tt.id))
		})
	}
}

func TestAssetExportsServedURL(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"src/logo.png": "png-bytes"})
	c := newContainer(root, Asset(AssetOptions{Base: "/app/"}))

	out, err := c.Load(context.Background(), filepath.Join(root, "src", "logo.png"), plugins.LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "export default \"/app/src/logo.png\"\n", out.Code)

	out, err = c.Load(context.Background(), filepath.Join(root, "src", "main.ts"), plugins.LoadOptions{})
	require.NoError(t, err)
	assert.Nil(t, out, "modules are left to the file loader")
}

func TestAssetURLQuery(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"src/worker.js": "self.onmessage = () => {}\n"})
	c := newContainer(root, Asset(AssetOptions{}))

	out, err := c.Load(context.Background(), filepath.Join(root, "src", "worker.js")+"?url", plugins.LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "export default \"/src/worker.js\"\n", out.Code)
}

func TestAssetRawQuery(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{"src/theme.css": "body { content: \"</script>\" }\n"})
	c := newContainer(root, Asset(AssetOptions{}), CSS(CSSOptions{Dev: true}))
	id := filepath.Join(root, "src", "theme.css") + "?raw"

	loaded, err := c.Load(context.Background(), id, plugins.LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "export default \"body { content: \\\"</script>\\\" }\\n\"\n", loaded.Code)

	// The style transform does not wrap raw imports.
	out, err := c.Transform(context.Background(), loaded.Code, id, plugins.TransformOptions{})
	require.NoError(t, err)
	assert.Equal(t, loaded.Code, out.Code)
	assert.NotContains(t, out.Code, "updateStyle")
}

func TestAssetRawMissingFile(t *testing.T) {
	root := tempRoot(t)
	c := newContainer(root, Asset(AssetOptions{}))
	_, err := c.Load(context.Background(), filepath.Join(root, "missing.txt")+"?raw", plugins.LoadOptions{})
	require.Error(t, err)
}

func TestAssetEmittedForBuild(t *testing.T) {
	root := tempRoot(t)
	big := strings.Repeat("x", 64)
	writeFiles(t, root, map[string]string{
		"src/icon.png": "tiny",
		"src/logo.png": big,
		"src/mark.svg": "<svg/>",
	})
	emitted := NewEmittedAssets()
	c := newContainer(root, Asset(AssetOptions{Base: "/", Emitted: emitted, InlineLimit: 16}))
	load := func(name string) string {
		t.Helper()
		out, err := c.Load(context.Background(), filepath.Join(root, "src", name), plugins.LoadOptions{})
		require.NoError(t, err)
		require.NotNil(t, out)
		return out.Code
	}

	assert.Equal(t, "export default \"data:image/png;base64,dGlueQ==\"\n", load("icon.png"))

	logo := load("logo.png")
	assert.Regexp(t, `^export default "/assets/logo-[0-9a-f]{8}\.png"`, logo)
	assert.Regexp(t, `^export default "/assets/mark-[0-9a-f]{8}\.svg"`, load("mark.svg"), "svg is never inlined")

	files := emitted.Files()
	require.Len(t, files, 2)
	for name, data := range files {
		assert.True(t, strings.HasPrefix(name, AssetsDir+"/"))
		if strings.HasSuffix(name, ".png") {
			assert.Contains(t, logo, name)
			assert.Equal(t, big, string(data))
		}
	}

	// Same content, same name.
	assert.Equal(t, logo, load("logo.png"))
	assert.Len(t, emitted.Files(), 2)
}

func TestImportAnalysisMarksAssetImports(t *testing.T) {
	root := tempRoot(t)
	writeFiles(t, root, map[string]string{
		"src/main.ts":  "",
		"src/logo.png": "png",
		"src/note.md":  "# hi",
	})
	c := newContainer(root, Resolve(resolver.New(resolver.Options{Root: root}, nil)), ImportAnalysis(ImportAnalysisOptions{}))
	code := "import logo from './logo.png'\nimport note from './note.md?raw'\n"

	out, err := c.Transform(context.Background(), code, filepath.Join(root, "src", "main.ts"), plugins.TransformOptions{})
	require.NoError(t, err)
	assert.Contains(t, out.Code, `from '/src/logo.png?import'`)
	assert.Contains(t, out.Code, `from '/src/note.md?raw&import'`)
}
