// ABOUTME: Tests for the files pack: root confinement, hidden file filtering,
// ABOUTME: and the size cap on reads.

package toolpacks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/session"
)

func setupFilesRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hello world"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("secret"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("nested"), 0644))
	return root
}

func TestListFiles(t *testing.T) {
	root := setupFilesRoot(t)
	pack := Files(root, 1024)
	sess := &session.Session{}

	t.Run("default listing hides dotfiles", func(t *testing.T) {
		res := callTool(t, pack, "list_files", `{}`, sess)
		require.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "readme.txt")
		assert.Contains(t, res.Content[0].Text, "sub")
		assert.NotContains(t, res.Content[0].Text, ".hidden")
	})

	t.Run("include_hidden shows dotfiles", func(t *testing.T) {
		res := callTool(t, pack, "list_files", `{"include_hidden":true}`, sess)
		require.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, ".hidden")
	})

	t.Run("subdirectory listing", func(t *testing.T) {
		res := callTool(t, pack, "list_files", `{"path":"sub"}`, sess)
		require.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "nested.txt")
	})

	t.Run("escape attempt is denied", func(t *testing.T) {
		res := callTool(t, pack, "list_files", `{"path":"../"}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "Access denied")
	})
}

func TestReadFile(t *testing.T) {
	root := setupFilesRoot(t)
	pack := Files(root, 1024)
	sess := &session.Session{}

	t.Run("reads file content", func(t *testing.T) {
		res := callTool(t, pack, "read_file", `{"path":"readme.txt"}`, sess)
		require.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "hello world")
		assert.Contains(t, res.Content[0].Text, "Size: 11 bytes")
	})

	t.Run("missing file", func(t *testing.T) {
		res := callTool(t, pack, "read_file", `{"path":"nope.txt"}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "File not found")
	})

	t.Run("escape attempt is denied", func(t *testing.T) {
		res := callTool(t, pack, "read_file", `{"path":"../../etc/passwd"}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "Access denied")
	})

	t.Run("pack size cap", func(t *testing.T) {
		small := Files(root, 5)
		res := callTool(t, small, "read_file", `{"path":"readme.txt"}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "File too large")
	})

	t.Run("caller max_size below the cap", func(t *testing.T) {
		res := callTool(t, pack, "read_file", `{"path":"readme.txt","max_size":5}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "File too large")
	})

	t.Run("directory is rejected", func(t *testing.T) {
		res := callTool(t, pack, "read_file", `{"path":"sub"}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "Not a file")
	})
}
