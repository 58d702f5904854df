package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrderAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&ReadLocalFile{})
	reg.Register(&Terminal{})

	assert.Equal(t, []string{"read_local_file", "terminal"}, reg.Names())

	tool, ok := reg.Get("terminal")
	require.True(t, ok)
	assert.Equal(t, "terminal", tool.Name())

	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestDefaultRegistryIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
	assert.Contains(t, Default().Names(), "read_local_file")
	assert.Contains(t, Default().Names(), "web_search")
}

func TestFileTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	ctx := context.Background()

	write := &WriteLocalFile{}
	out, err := write.Invoke(ctx, map[string]any{"path": path, "content": "hello world"})
	require.NoError(t, err)
	assert.Contains(t, out, "11 bytes")

	read := &ReadLocalFile{}
	out, err = read.Invoke(ctx, map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	repl := &ReplaceTextInFile{}
	_, err = repl.Invoke(ctx, map[string]any{"path": path, "old_text": "world", "new_text": "there"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(data))

	_, err = repl.Invoke(ctx, map[string]any{"path": path, "old_text": "absent", "new_text": "x"})
	assert.Error(t, err)

	_, err = read.Invoke(ctx, map[string]any{"path": filepath.Join(dir, "missing.txt")})
	assert.Error(t, err)
}

func TestTerminalTool(t *testing.T) {
	term := &Terminal{}
	out, err := term.Invoke(context.Background(), map[string]any{"command": "printf astro"})
	require.NoError(t, err)
	assert.Equal(t, "astro", out)

	_, err = term.Invoke(context.Background(), map[string]any{})
	assert.Error(t, err)
}

type stubWriter struct{ path, content string }

func (s *stubWriter) AddMemory(path, content string) error {
	s.path, s.content = path, content
	return nil
}

func TestSaveMemoryTool(t *testing.T) {
	w := &stubWriter{}
	save := &SaveMemory{Writer: w}

	out, err := save.Invoke(context.Background(), map[string]any{"path": "prefs/editor", "content": "uses vim"})
	require.NoError(t, err)
	assert.Contains(t, out, "prefs/editor")
	assert.Equal(t, "uses vim", w.content)

	_, err = save.Invoke(context.Background(), map[string]any{"path": "", "content": "x"})
	assert.Error(t, err)
}

func TestStripHTML(t *testing.T) {
	html := `<html><head><script>var x=1;</script><style>p{}</style></head>
<body><h1>Title</h1><p>Hello &amp; welcome</p></body></html>`
	text := stripHTML(html)
	assert.Contains(t, text, "Title")
	assert.Contains(t, text, "Hello & welcome")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "<p>")
}
