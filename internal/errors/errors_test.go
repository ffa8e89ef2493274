package errors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKilnErrorString(t *testing.T) {
	t.Run("transform error carries plugin and location", func(t *testing.T) {
		err := NewTransformError("esbuild", "/proj/src/bad.ts", fmt.Errorf("Expected \";\""))
		err.WithLocation("/proj/src/bad.ts", 3, 7)

		msg := err.Error()
		assert.Contains(t, msg, "plugin:esbuild")
		assert.Contains(t, msg, "/proj/src/bad.ts:3:7")
		assert.Contains(t, msg, "Expected")
		assert.True(t, IsTransformError(err))
		assert.False(t, IsInternal(err))
	})

	t.Run("internal errors are marked", func(t *testing.T) {
		err := NewInternalError(ErrCodeDescriptorMissing, "no descriptor for /a.vue", nil)

		assert.True(t, strings.HasPrefix(err.Error(), "[internal]"))
		assert.True(t, err.Internal())
		assert.True(t, IsInternal(fmt.Errorf("wrapped: %w", err)))
		assert.False(t, IsRecoverable(err))
	})

	t.Run("resolve error names importer", func(t *testing.T) {
		err := NewResolveError("./missing", "/proj/src/main.ts")

		assert.Contains(t, err.Error(), "./missing")
		assert.Contains(t, err.Error(), "/proj/src/main.ts")
		assert.True(t, IsResolveError(err))
	})
}

func TestKilnErrorIs(t *testing.T) {
	a := NewResolveError("a", "")
	b := NewResolveError("b", "x")

	assert.ErrorIs(t, a, b, "same type and code compare equal")
	assert.NotErrorIs(t, a, NewLoadError("/a", "/a", nil))
}

func TestWithPluginKeepsInnermostAttribution(t *testing.T) {
	err := NewTransformError("inner", "/a.ts", nil)
	err.WithPlugin("outer", "/b.ts")

	assert.Equal(t, "inner", err.Plugin)
	assert.Equal(t, "/a.ts", err.ID)
}

func TestWrapPreservesLocation(t *testing.T) {
	inner := NewTransformError("css", "/a.css", nil).WithLocation("/a.css", 2, 1)
	wrapped := Wrap(inner, ErrorTypeBuild, ErrCodeBuildFailed, "build failed")

	require.NotNil(t, wrapped)
	assert.Equal(t, "css", wrapped.Plugin)
	assert.Equal(t, 2, wrapped.Line)
	assert.Nil(t, Wrap(nil, ErrorTypeBuild, "", ""))
}

func TestCodeFrame(t *testing.T) {
	src := "const a = 1\nconst b = \nconst c = 3\n"

	frame := CodeFrame(src, 2, 10)
	lines := strings.Split(frame, "\n")

	require.Len(t, lines, 5)
	assert.Equal(t, "1 | const a = 1", lines[0])
	assert.Equal(t, "2 | const b = ", lines[1])
	assert.Equal(t, "  | "+strings.Repeat(" ", 10)+"^", lines[2])
	assert.Empty(t, CodeFrame(src, 99, 0))
}

func TestOffsetToPosition(t *testing.T) {
	src := "ab\ncd\nef"

	line, col := OffsetToPosition(src, 4)
	assert.Equal(t, 2, line)
	assert.Equal(t, 1, col)

	line, col = OffsetToPosition(src, 0)
	assert.Equal(t, 1, line)
	assert.Equal(t, 0, col)
}

func TestFormatErrorIncludesFrame(t *testing.T) {
	err := NewTransformError("p", "/x.ts", nil).WithLocation("/x.ts", 1, 2).WithFrame("abc")

	out := FormatError(fmt.Errorf("request: %w", err))
	assert.Contains(t, out, "1 | abc")
	assert.Empty(t, FormatError(nil))
}

func TestErrorCollectorConcurrentAdd(t *testing.T) {
	collector := NewErrorCollector()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			collector.Add(fmt.Sprintf("/m%02d.ts", i), fmt.Errorf("boom %d", i))
		}(i)
	}
	wg.Wait()

	errs := collector.GetErrors()
	require.Len(t, errs, 20)
	assert.Equal(t, "/m00.ts", errs[0].ID)
	assert.True(t, collector.HasErrors())

	collector.Add("/ignored.ts", nil)
	assert.Equal(t, 20, collector.Len())

	collector.Clear()
	assert.False(t, collector.HasErrors())
}

type recordingLogger struct {
	warns, errs []string
}

func (r *recordingLogger) Error(_ context.Context, _ error, msg string, _ ...interface{}) {
	r.errs = append(r.errs, msg)
}

func (r *recordingLogger) Warn(_ context.Context, _ error, msg string, _ ...interface{}) {
	r.warns = append(r.warns, msg)
}

func TestErrorHandlerRoutesByType(t *testing.T) {
	logger := &recordingLogger{}
	handler := NewErrorHandler(logger)
	ctx := context.Background()

	handler.Handle(ctx, NewTransformError("p", "/a.ts", nil))
	handler.Handle(ctx, NewInternalError(ErrCodeInternalError, "bug", nil))
	handler.Handle(ctx, fmt.Errorf("plain"))
	handler.Handle(ctx, nil)

	assert.Equal(t, []string{"Compile error"}, logger.warns)
	require.Len(t, logger.errs, 2)
	assert.Contains(t, logger.errs[0], "Internal error")
}
