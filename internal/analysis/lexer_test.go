package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specifiers(imps []Import) []string {
	out := make([]string, len(imps))
	for i, imp := range imps {
		out[i] = imp.Specifier
	}
	return out
}

func TestAnalyzeImports(t *testing.T) {
	code := `import a from './a'
import { b, c as d } from "./b.js"
import * as ns from 'ns'
import './side-effect.css'
import type { T } from './types'
export { x } from './x'
export * from './star'
export * as all from './all'
export { local }
export const y = 1
const lazy = () => import('./lazy')
const dyn = import(variable)
obj.import('./not-an-import')
// import nope from './commented'
/* import nope from './block' */
const s = "import fake from './string'"
const tpl = ` + "`import ${'./in-template'} from`" + `
`

	res, err := Analyze(code)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"./a", "./b.js", "ns", "./side-effect.css", "./types",
		"./x", "./star", "./all", "./lazy",
	}, specifiers(res.Imports))

	for _, imp := range res.Imports {
		assert.Equal(t, imp.Specifier, code[imp.Start:imp.End])
	}

	assert.True(t, res.Imports[5].ExportFrom)
	assert.True(t, res.Imports[8].Dynamic)
	assert.False(t, res.HasHot)
}

func TestAnalyzeHotAccept(t *testing.T) {
	tests := []struct {
		name         string
		code         string
		selfAccept   bool
		acceptedDeps []string
	}{
		{
			name:       "self accept without args",
			code:       "if (import.meta.hot) { import.meta.hot.accept() }",
			selfAccept: true,
		},
		{
			name:       "self accept with callback",
			code:       "import.meta.hot.accept((mod) => render(mod))",
			selfAccept: true,
		},
		{
			name:         "single dep",
			code:         "import.meta.hot.accept('./dep.js', (m) => {})",
			acceptedDeps: []string{"./dep.js"},
		},
		{
			name:         "dep list",
			code:         "import.meta.hot.accept(['./a', \"./b\"], ([a, b]) => {})",
			acceptedDeps: []string{"./a", "./b"},
		},
		{
			name: "dispose only",
			code: "import.meta.hot.dispose(() => {})",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Analyze(tt.code)
			require.NoError(t, err)

			assert.True(t, res.HasHot)
			assert.Equal(t, tt.selfAccept, res.SelfAccepting)
			if tt.acceptedDeps == nil {
				assert.Empty(t, res.AcceptedDeps)
			} else {
				assert.Equal(t, tt.acceptedDeps, specifiers(res.AcceptedDeps))
			}
		})
	}
}

func TestAnalyzeErrors(t *testing.T) {
	_, err := Analyze("const s = 'open")
	assert.Error(t, err)

	_, err = Analyze("/* never closed")
	assert.Error(t, err)

	_, err = Analyze("`template")
	assert.Error(t, err)
}

func TestSpecifiersDedup(t *testing.T) {
	res, err := Analyze("import a from './a'\nimport('./a')\nimport b from './b'")
	require.NoError(t, err)
	assert.Equal(t, []string{"./a", "./b"}, res.Specifiers())
}

func TestApply(t *testing.T) {
	code := "import a from './a'\nimport b from './b'"
	res, err := Analyze(code)
	require.NoError(t, err)

	edits := []Edit{
		{Start: res.Imports[1].Start, End: res.Imports[1].End, Text: "/src/b.ts"},
		{Start: res.Imports[0].Start, End: res.Imports[0].End, Text: "/src/a.ts"},
	}
	out, err := Apply(code, edits)
	require.NoError(t, err)
	assert.Equal(t, "import a from '/src/a.ts'\nimport b from '/src/b.ts'", out)

	_, err = Apply(code, []Edit{{Start: 0, End: 5}, {Start: 3, End: 6}})
	assert.Error(t, err)
}
