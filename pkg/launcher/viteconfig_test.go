package launcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expr = "parseInt(process.env.PORT || '5173', 10)"

func TestRewriteSource_PortReplaced(t *testing.T) {
	src := `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

// https://vitejs.dev/config/
export default defineConfig({
  plugins: [react()],
  server: { port: 3000, host: true },
  resolve: { alias: { '@': '/src' } },
})
`
	out, c, err := RewriteSource(src, 5173)
	require.NoError(t, err)
	assert.Equal(t, CasePortReplaced, c)

	want := strings.Replace(src, "port: 3000", "port: "+expr, 1)
	assert.Equal(t, want, out)
}

func TestRewriteSource_PortInserted(t *testing.T) {
	src := `export default defineConfig({
  server: {
    host: '0.0.0.0',
  },
})`
	out, c, err := RewriteSource(src, 5173)
	require.NoError(t, err)
	assert.Equal(t, CasePortInserted, c)
	assert.Contains(t, out, "server: {\n    port: "+expr+",\n    host: '0.0.0.0',")
}

func TestRewriteSource_ServerInserted(t *testing.T) {
	src := `import { defineConfig } from 'vite'
export default defineConfig({
  plugins: [react()],
})`
	out, c, err := RewriteSource(src, 4000)
	require.NoError(t, err)
	assert.Equal(t, CaseServerInserted, c)
	assert.Contains(t, out, "defineConfig({\n  server: {\n    port: parseInt(process.env.PORT || '4000', 10)\n  },\n  plugins: [react()],")
}

func TestRewriteSource_Synthesized(t *testing.T) {
	out, c, err := RewriteSource(`export default { plugins: [] }`, 5173)
	require.NoError(t, err)
	assert.Equal(t, CaseSynthesized, c)
	assert.Equal(t, SynthesizedConfig(5173), out)
	assert.Contains(t, out, "port: "+expr)
}

func TestRewriteSource_ArrowFunctions(t *testing.T) {
	cases := map[string]string{
		"expression body": `export default defineConfig(({ mode }) => ({
  server: { port: 8080 },
}))`,
		"block body": `export default defineConfig(({ command }) => {
  const env = loadEnv(command, process.cwd())
  return {
    server: { port: 8080 },
  }
})`,
		"async single param": `export default defineConfig(async env => ({ server: { port: 8080 } }))`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			out, c, err := RewriteSource(src, 5173)
			require.NoError(t, err)
			assert.Equal(t, CasePortReplaced, c)
			assert.NotContains(t, out, "8080")
			assert.Contains(t, out, "port: "+expr)
		})
	}
}

func TestRewriteSource_IgnoresLookalikes(t *testing.T) {
	src := `// defineConfig({ server: { port: 1 } })
const note = "server: { port: 2 }"
const re = /port: \d+/g
export default defineConfig({
  define: { __TEMPLATE__: ` + "`port: ${1 + 2}`" + ` },
  preview: { port: 4173 },
  server: { port: 3000 },
})`
	out, c, err := RewriteSource(src, 5173)
	require.NoError(t, err)
	assert.Equal(t, CasePortReplaced, c)
	assert.Contains(t, out, "// defineConfig({ server: { port: 1 } })")
	assert.Contains(t, out, `"server: { port: 2 }"`)
	assert.Contains(t, out, "preview: { port: 4173 }")
	assert.Contains(t, out, "server: { port: "+expr+" }")
}

func TestRewriteSource_QuotedKeys(t *testing.T) {
	out, c, err := RewriteSource(`export default defineConfig({ 'server': { "port": 1 } })`, 5173)
	require.NoError(t, err)
	assert.Equal(t, CasePortReplaced, c)
	assert.Contains(t, out, `"port": `+expr)
}

func TestRewriteSource_Unrecognized(t *testing.T) {
	cases := map[string]string{
		"variable argument":  `const cfg = {}; export default defineConfig(cfg)`,
		"server is variable": `export default defineConfig({ server: serverOptions })`,
		"unbalanced":         `export default defineConfig({ server: { port: 1 }`,
		"unterminated":       `export default defineConfig({ server: "oops })`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := RewriteSource(src, 5173)
			assert.ErrorIs(t, err, ErrConfigUnrecognized)
		})
	}
}

func TestRewriteConfig_Files(t *testing.T) {
	dir := t.TempDir()
	_, _, err := RewriteConfig(dir, 5173)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	path := filepath.Join(dir, "vite.config.mjs")
	require.NoError(t, os.WriteFile(path, []byte(`export default defineConfig({ server: { port: 1 } })`), 0o644))

	c, got, err := RewriteConfig(dir, 5173)
	require.NoError(t, err)
	assert.Equal(t, CasePortReplaced, c)
	assert.Equal(t, path, got)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "export default defineConfig({ server: { port: "+expr+" } })", string(b))
}

func TestRewriteConfig_PrefersTypeScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vite.config.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vite.config.ts"), []byte("y"), 0o644))

	got, err := FindConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vite.config.ts"), got)
}
