package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `Here is your app.

<webArtifact id="todo-app" title="Todo App">
  <webAction type="file" filePath="package.json">
{"name": "todo", "version": "0.1.0"}
  </webAction>
  <webAction type="file" filePath="src/App.tsx">
export default function App() { return <div>a > b</div> }
  </webAction>
  <webAction type="shell">npm install</webAction>
  <webAction type="start">npm run dev</webAction>
</webArtifact>

Enjoy!`

func TestParse_Basic(t *testing.T) {
	art, err := Parse(sampleResponse)
	require.NoError(t, err)

	assert.Equal(t, "todo-app", art.ID)
	assert.Equal(t, "Todo App", art.Title)
	require.Len(t, art.Actions, 4)

	files := art.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "package.json", files[0].Path)
	assert.Equal(t, `{"name": "todo", "version": "0.1.0"}`, files[0].Content)
	assert.Equal(t, "src/App.tsx", files[1].Path)
	assert.Contains(t, files[1].Content, "a > b")

	assert.Equal(t, []string{"npm install"}, art.ShellCommands())
	assert.Equal(t, "npm run dev", art.StartCommand())
	assert.Empty(t, art.Skipped)
}

func TestParse_NoArtifact(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"plain text":   "I cannot help with that.",
		"unterminated": `<webArtifact id="x"><webAction type="shell">npm install</webAction>`,
		"prefix name":  `<webArtifacts id="x"></webArtifacts>`,
		"self closing": `<webArtifact id="x"/>`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			art, err := Parse(text)
			assert.ErrorIs(t, err, ErrNoArtifact)
			assert.Nil(t, art)
		})
	}
}

func TestParse_FirstArtifactOnly(t *testing.T) {
	text := `<webArtifact id="one" title="One"><webAction type="start">npm start</webAction></webArtifact>
<webArtifact id="two" title="Two"><webAction type="start">npm run dev</webAction></webArtifact>`

	art, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "one", art.ID)
	assert.Equal(t, "npm start", art.StartCommand())
}

func TestParse_LastStartWins(t *testing.T) {
	text := `<webArtifact id="a" title="A">
<webAction type="start">npm run dev</webAction>
<webAction type="shell">npm install</webAction>
<webAction type="start">npm start</webAction>
<webAction type="start">npm run preview</webAction>
</webArtifact>`

	art, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "npm run preview", art.StartCommand())
	assert.Equal(t, "npm run preview", art.Commands().Start)
}

func TestParse_Idempotent(t *testing.T) {
	first, err := Parse(sampleResponse)
	require.NoError(t, err)
	second, err := Parse(sampleResponse)
	require.NoError(t, err)

	assert.Equal(t, first.Actions, second.Actions)
	assert.Equal(t, first.Skipped, second.Skipped)
	assert.Equal(t, first.Attrs, second.Attrs)

	malformed := `<webArtifact id="a" title="A">
<webAction type=file filePath="x.txt">unquoted</webAction>
<webAction type="deploy">vercel</webAction>
<webAction type="start">npm run dev</webAction>
</webArtifact>`
	first, err = Parse(malformed)
	require.NoError(t, err)
	require.NotEmpty(t, first.Skipped)
	second, err = Parse(malformed)
	require.NoError(t, err)
	assert.Equal(t, first.Actions, second.Actions)
	assert.Equal(t, first.Skipped, second.Skipped)
}

func TestParse_UnknownTypeIgnored(t *testing.T) {
	text := `<webArtifact id="a" title="A">
<webAction type="deploy">vercel</webAction>
<webAction type="shell">npm install</webAction>
</webArtifact>`

	art, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, art.Actions, 1)
	assert.Equal(t, KindShell, art.Actions[0].Kind)
	require.Len(t, art.Skipped, 1)
	assert.Contains(t, art.Skipped[0].Reason, "deploy")
}

func TestParse_MalformedAttributesContributeNothing(t *testing.T) {
	text := `<webArtifact id="a" title="A">
<webAction type=file filePath="x.txt">unquoted</webAction>
<webAction type="file" filePath="ok.txt">kept</webAction>
<webAction type="file">missing path</webAction>
</webArtifact>`

	art, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, art.Actions, 1)
	assert.Equal(t, "ok.txt", art.Actions[0].Path)
	assert.Equal(t, "kept", art.Actions[0].Content)
	assert.Len(t, art.Skipped, 2)
}

func TestParse_AttributeOrderAndQuotes(t *testing.T) {
	text := `<webArtifact title='Quoted' id="q">
<webAction filePath='src/main.tsx' type="file">main</webAction>
</webArtifact>`

	art, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "q", art.ID)
	assert.Equal(t, "Quoted", art.Title)
	require.Len(t, art.Files(), 1)
	assert.Equal(t, "src/main.tsx", art.Files()[0].Path)
}

func TestParse_SelfClosingAction(t *testing.T) {
	text := `<webArtifact id="a" title="A"><webAction type="shell"/><webAction type="shell">npm ci</webAction></webArtifact>`

	art, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, art.Actions, 2)
	assert.Equal(t, []string{"npm ci"}, art.ShellCommands())
}

func TestCommands_Defaults(t *testing.T) {
	art, err := Parse(`<webArtifact id="a" title="A"></webArtifact>`)
	require.NoError(t, err)

	cs := art.Commands()
	assert.Equal(t, []string{DefaultInstallCommand}, cs.Install)
	assert.Equal(t, DefaultStartCommand, cs.Start)
}

func TestFile_LastWriteWins(t *testing.T) {
	text := `<webArtifact id="a" title="A">
<webAction type="file" filePath="package.json">{"v":1}</webAction>
<webAction type="file" filePath="package.json">{"v":2}</webAction>
</webArtifact>`

	art, err := Parse(text)
	require.NoError(t, err)

	content, ok := art.File("package.json")
	assert.True(t, ok)
	assert.Equal(t, `{"v":2}`, content)

	_, ok = art.File("missing.json")
	assert.False(t, ok)
}
