package sfc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/modgraph"
)

const appFile = "/proj/src/App.vue"

func mustParse(t *testing.T, src string) *Descriptor {
	t.Helper()
	d, err := Parse(appFile, "/proj", []byte(src))
	require.NoError(t, err)
	return d
}

// trackedModules registers the main module and the given sub-modules in a
// fresh graph, as if the browser had requested them.
func trackedModules(t *testing.T, subs ...Query) (main *modgraph.ModuleNode, all []*modgraph.ModuleNode) {
	t.Helper()
	g := modgraph.New(func(_ context.Context, url string) (string, error) {
		return "/proj" + url, nil
	}, nil)
	ctx := context.Background()

	main, err := g.EnsureEntry(ctx, "/src/App.vue")
	require.NoError(t, err)
	all = append(all, main)
	for _, q := range subs {
		q.Base = "/src/App.vue"
		n, err := g.EnsureEntry(ctx, q.String())
		require.NoError(t, err)
		all = append(all, n)
	}
	return main, all
}

func ids(mods []*modgraph.ModuleNode) []string {
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = m.ID
	}
	return out
}

func TestStyleOnlyChange(t *testing.T) {
	prev := mustParse(t, "<template><p>hi</p></template>\n<style>p { color: red }</style>\n")
	next := mustParse(t, "<template><p>hi</p></template>\n<style>p { color: blue }</style>\n")

	style := Query{Kind: KindStyle, Index: 0, Lang: "css"}
	main, mods := trackedModules(t, Query{Kind: KindTemplate}, style)

	up := Diff(prev, next, mods)
	require.Len(t, up, 1)
	assert.Equal(t, "/proj/src/App.vue?vue&type=style&index=0&lang.css", up[0].ID)
	assert.NotContains(t, up, main)
}

func TestStyleBlockRemovedForcesMain(t *testing.T) {
	prev := mustParse(t, "<template><p/></template><style>a{}</style><style>b{}</style>")
	next := mustParse(t, "<template><p/></template><style>a{}</style>")

	main, mods := trackedModules(t,
		Query{Kind: KindTemplate},
		Query{Kind: KindStyle, Index: 0, Lang: "css"},
		Query{Kind: KindStyle, Index: 1, Lang: "css"},
	)

	up := Diff(prev, next, mods)
	assert.Contains(t, up, main)
}

func TestStyleBlockAddedForcesMain(t *testing.T) {
	prev := mustParse(t, "<template><p/></template><style>a{}</style>")
	next := mustParse(t, "<template><p/></template><style>a{}</style><style>b{}</style>")

	main, mods := trackedModules(t, Query{Kind: KindTemplate}, Query{Kind: KindStyle, Index: 0, Lang: "css"})

	up := Diff(prev, next, mods)
	assert.Contains(t, up, main)
}

func TestTemplateOnlyChange(t *testing.T) {
	prev := mustParse(t, "<template><p>a</p></template><script>export default {}</script>")
	next := mustParse(t, "<template><p>b</p></template><script>export default {}</script>")

	t.Run("tracked template module", func(t *testing.T) {
		main, mods := trackedModules(t, Query{Kind: KindTemplate})
		up := Diff(prev, next, mods)
		require.Len(t, up, 1)
		assert.NotSame(t, main, up[0])
	})

	t.Run("no template module yet", func(t *testing.T) {
		main, mods := trackedModules(t)
		up := Diff(prev, next, mods)
		assert.Equal(t, []*modgraph.ModuleNode{main}, up)
	})
}

func TestScriptChangeReloadsMain(t *testing.T) {
	prev := mustParse(t, "<script>export default { a: 1 }</script><template><p/></template>")
	next := mustParse(t, "<script>export default { a: 2 }</script><template><p/></template>")

	main, mods := trackedModules(t, Query{Kind: KindTemplate})
	up := Diff(prev, next, mods)
	assert.Equal(t, []*modgraph.ModuleNode{main}, up)
}

func TestScopedToggleAffectsMainAndTemplate(t *testing.T) {
	prev := mustParse(t, "<template><p/></template><style>p{}</style>")
	next := mustParse(t, "<template><p/></template><style scoped>p{}</style>")

	main, mods := trackedModules(t,
		Query{Kind: KindTemplate},
		Query{Kind: KindStyle, Index: 0, Lang: "css"},
	)
	up := Diff(prev, next, mods)
	assert.Contains(t, up, main)
	assert.Contains(t, ids(up), "/proj/src/App.vue?vue&type=template")
}

func TestUntrackedStyleFallsBackToMain(t *testing.T) {
	prev := mustParse(t, "<template><p/></template><style>a{}</style>")
	next := mustParse(t, "<template><p/></template><style>a{color:red}</style>")

	main, mods := trackedModules(t, Query{Kind: KindTemplate})
	up := Diff(prev, next, mods)
	assert.Equal(t, []*modgraph.ModuleNode{main}, up)
}

func TestCustomBlocks(t *testing.T) {
	prev := mustParse(t, "<template><p/></template><i18n>{\"a\":1}</i18n>")
	changed := mustParse(t, "<template><p/></template><i18n>{\"a\":2}</i18n>")
	added := mustParse(t, "<template><p/></template><i18n>{\"a\":1}</i18n><docs>x</docs>")

	main, mods := trackedModules(t, Query{Kind: KindTemplate}, Query{Kind: "i18n", Index: 0})

	up := Diff(prev, changed, mods)
	assert.Equal(t, []string{"/proj/src/App.vue?vue&type=i18n&index=0"}, ids(up))

	up = Diff(prev, added, mods)
	assert.Equal(t, []*modgraph.ModuleNode{main}, up)
}

func TestNoChange(t *testing.T) {
	src := "<template><p/></template><script>export default {}</script><style>a{}</style>"
	_, mods := trackedModules(t, Query{Kind: KindTemplate})
	up := Diff(mustParse(t, src), mustParse(t, src), mods)
	assert.Empty(t, up)
	assert.NotNil(t, up)
}

func TestDescriptorCacheSwap(t *testing.T) {
	c := NewDescriptorCache()
	_, err := c.Get(appFile)
	require.Error(t, err)

	first := mustParse(t, "<template>a</template>")
	second := mustParse(t, "<template>b</template>")

	assert.Nil(t, c.Swap(appFile, first))
	assert.Nil(t, c.Prev(appFile))
	assert.Same(t, first, c.Swap(appFile, second))
	assert.Same(t, first, c.Prev(appFile))

	got, err := c.Get(appFile)
	require.NoError(t, err)
	assert.Same(t, second, got)

	c.Delete(appFile)
	_, ok := c.Peek(appFile)
	assert.False(t, ok)
	assert.Nil(t, c.Prev(appFile))
}
