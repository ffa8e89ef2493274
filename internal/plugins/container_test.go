package plugins

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/modgraph"
	"github.com/conneroisu/kiln/internal/sourcemap"
)

func resolver(name string, result string, calls *int32) *Plugin {
	return &Plugin{
		Name: name,
		ResolveID: Fn[ResolveIDFunc](func(_ context.Context, _ *Context, spec, _ string, _ ResolveOptions) (*ResolvedID, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			if result == "" {
				return nil, nil
			}
			return &ResolvedID{ID: result + spec}, nil
		}),
	}
}

func appender(name, suffix string) *Plugin {
	return &Plugin{
		Name: name,
		Transform: Fn[TransformFunc](func(_ context.Context, _ *Context, code, _ string) (*TransformResult, error) {
			return &TransformResult{Code: code + suffix}, nil
		}),
	}
}

func TestPluginOrdering(t *testing.T) {
	user := []*Plugin{
		appender("user-post", "[post]"),
		appender("user-normal", "[normal]"),
		appender("user-pre", "[pre]"),
		appender("user-pre-2", "[pre2]"),
	}
	user[0].Enforce = EnforcePost
	user[2].Enforce = EnforcePre
	user[3].Enforce = EnforcePre
	core := []*Plugin{appender("core", "[core]"), appender("core-post", "[core-post]")}
	core[1].Enforce = EnforcePost

	c := NewContainer(ContainerConfig{}, user, core)

	names := make([]string, 0)
	for _, p := range c.Plugins() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"user-pre", "user-pre-2", "core", "user-normal", "user-post", "core-post"}, names)

	out, err := c.Transform(context.Background(), "", "/a.js", TransformOptions{})
	require.NoError(t, err)
	assert.Equal(t, "[pre][pre2][core][normal][post][core-post]", out.Code)
}

func TestHookOrderWithinHook(t *testing.T) {
	late := appender("late", "[late]")
	late.Transform.Order = OrderPost
	early := appender("early", "[early]")
	early.Transform.Order = OrderPre

	c := NewContainer(ContainerConfig{}, []*Plugin{late, appender("mid", "[mid]"), early}, nil)

	out, err := c.Transform(context.Background(), "", "/a.js", TransformOptions{})
	require.NoError(t, err)
	assert.Equal(t, "[early][mid][late]", out.Code)
}

func TestResolveIDFirstResultWins(t *testing.T) {
	var declined, winner, after int32
	c := NewContainer(ContainerConfig{}, []*Plugin{
		resolver("declines", "", &declined),
		resolver("winner", "/first", &winner),
		resolver("after", "/second", &after),
	}, nil)

	res, err := c.ResolveID(context.Background(), "/x.ts", "", ResolveOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "/first/x.ts", res.ID)
	assert.EqualValues(t, 1, declined)
	assert.EqualValues(t, 1, winner)
	assert.EqualValues(t, 0, after, "later plugins are not invoked")
}

func TestResolveIDNoMatch(t *testing.T) {
	c := NewContainer(ContainerConfig{}, []*Plugin{resolver("declines", "", nil)}, nil)

	res, err := c.ResolveID(context.Background(), "nope", "", ResolveOptions{})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestContextResolveSkipsSelf(t *testing.T) {
	wrapper := &Plugin{
		Name: "wrapper",
		ResolveID: Fn[ResolveIDFunc](func(ctx context.Context, pc *Context, spec, importer string, _ ResolveOptions) (*ResolvedID, error) {
			inner, err := pc.Resolve(ctx, spec, importer, true)
			if err != nil || inner == nil {
				return nil, err
			}
			return &ResolvedID{ID: inner.ID + "?wrapped"}, nil
		}),
	}
	c := NewContainer(ContainerConfig{}, []*Plugin{wrapper, resolver("base", "/base", nil)}, nil)

	res, err := c.ResolveID(context.Background(), "/x", "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/base/x?wrapped", res.ID)
}

func TestLoadFirstResultWinsAndFilter(t *testing.T) {
	var jsonCalls int32
	jsonLoader := &Plugin{
		Name: "json",
		Load: &Hook[LoadFunc]{
			Filter: ExtFilter(".json"),
			Handler: func(_ context.Context, _ *Context, id string) (*LoadResult, error) {
				atomic.AddInt32(&jsonCalls, 1)
				return &LoadResult{Code: "{}"}, nil
			},
		},
	}
	fallback := &Plugin{
		Name: "fallback",
		Load: Fn[LoadFunc](func(_ context.Context, _ *Context, id string) (*LoadResult, error) {
			return &LoadResult{Code: "fallback:" + id}, nil
		}),
	}
	c := NewContainer(ContainerConfig{}, []*Plugin{jsonLoader, fallback}, nil)

	res, err := c.Load(context.Background(), "/a.ts", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fallback:/a.ts", res.Code)
	assert.EqualValues(t, 0, jsonCalls)

	res, err = c.Load(context.Background(), "/data.json?import", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "{}", res.Code)
}

func TestTransformErrorAttribution(t *testing.T) {
	failing := &Plugin{
		Name: "strict",
		Transform: Fn[TransformFunc](func(_ context.Context, pc *Context, code, id string) (*TransformResult, error) {
			return nil, pc.Error("unexpected token", 2, 4)
		}),
	}
	plain := &Plugin{
		Name: "plain",
		Transform: Fn[TransformFunc](func(_ context.Context, _ *Context, _, _ string) (*TransformResult, error) {
			return nil, errors.New("boom")
		}),
	}

	c := NewContainer(ContainerConfig{}, []*Plugin{appender("first", "\nline2 here"), failing}, nil)
	_, err := c.Transform(context.Background(), "line1", "/src/a.ts?v=1", TransformOptions{})
	require.Error(t, err)

	ke, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "strict", ke.Plugin)
	assert.Equal(t, "/src/a.ts?v=1", ke.ID)
	assert.Equal(t, "/src/a.ts", ke.FilePath)
	assert.Equal(t, 2, ke.Line)
	assert.Contains(t, ke.Frame, "2 | line2 here")

	c = NewContainer(ContainerConfig{}, []*Plugin{plain}, nil)
	_, err = c.Transform(context.Background(), "x", "/b.ts", TransformOptions{})
	require.Error(t, err)
	assert.True(t, kerrors.IsTransformError(err))
	assert.Contains(t, err.Error(), "plugin:plain")
}

func TestInternalErrorStaysInternal(t *testing.T) {
	p := &Plugin{
		Name: "sfc",
		Load: Fn[LoadFunc](func(_ context.Context, _ *Context, id string) (*LoadResult, error) {
			return nil, kerrors.NewInternalError(kerrors.ErrCodeDescriptorMissing, "no descriptor", nil)
		}),
	}
	c := NewContainer(ContainerConfig{}, []*Plugin{p}, nil)

	_, err := c.Load(context.Background(), "/a.vue?vue&type=style&index=0", LoadOptions{})
	require.Error(t, err)
	assert.True(t, kerrors.IsInternal(err))
	ke, _ := kerrors.As(err)
	assert.Equal(t, "sfc", ke.Plugin)
}

func TestTransformCombinesMaps(t *testing.T) {
	shift := &Plugin{
		Name: "shift",
		Transform: Fn[TransformFunc](func(_ context.Context, _ *Context, code, id string) (*TransformResult, error) {
			// Prepends one line: output line n+1 maps to input line n.
			return &TransformResult{
				Code: "// header\n" + code,
				Map: &sourcemap.Map{
					Version:  3,
					Sources:  []string{id},
					Mappings: sourcemap.Encode([][]sourcemap.Segment{nil, {{HasSource: true}}}),
				},
			}, nil
		}),
	}
	c := NewContainer(ContainerConfig{}, []*Plugin{shift, appender("nomap", "")}, nil)

	out, err := c.Transform(context.Background(), "let a = 1", "/a.js", TransformOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.Map)

	src, line, _, ok := out.Map.OriginalPosition(1, 0)
	require.True(t, ok)
	assert.Equal(t, "/a.js", src)
	assert.Equal(t, 0, line)
}

func TestTransformIdempotent(t *testing.T) {
	c := NewContainer(ContainerConfig{}, []*Plugin{appender("a", "!"), appender("b", "?")}, nil)

	first, err := c.Transform(context.Background(), "code", "/a.js", TransformOptions{})
	require.NoError(t, err)
	second, err := c.Transform(context.Background(), "code", "/a.js", TransformOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Code, second.Code)
}

func TestTransformHonoursCancellation(t *testing.T) {
	c := NewContainer(ContainerConfig{}, []*Plugin{appender("a", "!")}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Transform(ctx, "code", "/a.js", TransformOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleHotUpdateNarrows(t *testing.T) {
	g := modgraph.New(nil, nil)
	a := g.EnsureEntryFromResolved("/a.vue", "/p/a.vue")
	style := g.EnsureEntryFromResolved("/a.vue?vue&type=style&index=0&lang.css", "/p/a.vue?vue&type=style&index=0&lang.css")

	var sawModules int
	narrow := &Plugin{
		Name: "narrow",
		HandleHotUpdate: Fn[HandleHotUpdateFunc](func(_ context.Context, _ *Context, hc *HmrContext) ([]*modgraph.ModuleNode, error) {
			return []*modgraph.ModuleNode{style}, nil
		}),
	}
	observer := &Plugin{
		Name: "observer",
		HandleHotUpdate: Fn[HandleHotUpdateFunc](func(_ context.Context, _ *Context, hc *HmrContext) ([]*modgraph.ModuleNode, error) {
			sawModules = len(hc.Modules)
			return nil, nil
		}),
	}
	c := NewContainer(ContainerConfig{}, []*Plugin{narrow, observer}, nil)

	mods, err := c.HandleHotUpdate(context.Background(), &HmrContext{File: "/p/a.vue", Modules: []*modgraph.ModuleNode{a, style}})
	require.NoError(t, err)
	assert.Equal(t, []*modgraph.ModuleNode{style}, mods)
	assert.Equal(t, 1, sawModules)
}

type hookRecorder struct {
	calls int32
}

func (h *hookRecorder) ObserveHook(plugin, hook string, d time.Duration, err error) {
	atomic.AddInt32(&h.calls, 1)
}

func TestLifecycleHooks(t *testing.T) {
	var events []string
	var watched []string
	rec := &hookRecorder{}
	p := &Plugin{
		Name: "life",
		BuildStart: Fn[BuildStartFunc](func(_ context.Context, pc *Context) error {
			events = append(events, "start:"+pc.Mode())
			pc.AddWatchFile("/p/tailwind.config.js")
			pc.AddWatchFile("/p/tailwind.config.js")
			return nil
		}),
		BuildEnd: Fn[BuildEndFunc](func(_ context.Context, _ *Context, err error) error {
			events = append(events, "end")
			return errors.New("end failed")
		}),
		WatchChange: Fn[WatchChangeFunc](func(_ context.Context, _ *Context, id string, ev ChangeEvent) error {
			events = append(events, string(ev)+":"+id)
			return errors.New("ignored")
		}),
		Close: Fn[CloseFunc](func(_ context.Context, _ *Context) error {
			events = append(events, "close")
			return nil
		}),
	}
	c := NewContainer(ContainerConfig{
		Mode:        "development",
		Observer:    rec,
		OnWatchFile: func(f string) { watched = append(watched, f) },
	}, []*Plugin{p}, nil)
	ctx := context.Background()

	require.NoError(t, c.BuildStart(ctx))
	err := c.BuildEnd(ctx, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "plugin:life"))
	c.WatchChange(ctx, "/p/a.ts", ChangeUpdate)
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	assert.Equal(t, []string{"start:development", "end", "update:/p/a.ts", "close"}, events)
	assert.Equal(t, []string{"/p/tailwind.config.js"}, watched)
	assert.Equal(t, []string{"/p/tailwind.config.js"}, c.WatchFiles())
	assert.EqualValues(t, 3, atomic.LoadInt32(&rec.calls))
}

func TestFilterMatch(t *testing.T) {
	f := ExtFilter(".ts", ".tsx")
	assert.True(t, f.Match("/a.ts"))
	assert.True(t, f.Match("/a.tsx?import"))
	assert.False(t, f.Match("/a.js"))
	assert.False(t, f.Match("/a.ts.bak"))

	var nilFilter *Filter
	assert.True(t, nilFilter.Match("anything"))
}
