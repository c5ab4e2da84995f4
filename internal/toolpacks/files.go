// ABOUTME: Files tool pack: directory listing and file reading confined to a root.
// ABOUTME: Path escapes and oversized files come back as isError results.

package toolpacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/tools"
)

// Files builds the files pack. All paths resolve relative to root; anything
// escaping it is denied. maxFileSize caps read_file unless the caller asks
// for less.
func Files(root string, maxFileSize int64) *tools.Pack {
	p := &filesPack{maxFileSize: maxFileSize}
	if abs, err := filepath.Abs(root); err == nil {
		p.root = abs
	} else {
		p.root = root
	}

	return &tools.Pack{
		ID: "files",
		Tools: []tools.Tool{
			{
				Definition: tools.Definition{
					Name:        "list_files",
					Description: "List files in a directory under the server root",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path, relative to the server root","default":"."},"include_hidden":{"type":"boolean","default":false}}}`),
				},
				Handler: p.listFiles,
			},
			{
				Definition: tools.Definition{
					Name:        "read_file",
					Description: "Read a text file under the server root",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path, relative to the server root"},"max_size":{"type":"integer","description":"Maximum file size in bytes"}},"required":["path"]}`),
				},
				Handler: p.readFile,
			},
		},
	}
}

type filesPack struct {
	root        string
	maxFileSize int64
}

// resolve maps a client path to an absolute path and reports whether it stays
// inside the root.
func (p *filesPack) resolve(path string) (string, bool) {
	if path == "" {
		path = "."
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	rel, err := filepath.Rel(p.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

func (p *filesPack) listFiles(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		Path          string `json:"path"`
		IncludeHidden bool   `json:"include_hidden"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}

	abs, ok := p.resolve(in.Path)
	if !ok {
		return tools.Error("❌ Access denied: Path outside working directory"), nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return tools.Error("❌ Error listing files: %v", err), nil
	}

	type fileInfo struct {
		name  string
		dir   bool
		size  int64
		mode  os.FileMode
		mtime time.Time
	}

	var files []fileInfo
	for _, entry := range entries {
		if !in.IncludeHidden && strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fi := fileInfo{
			name:  entry.Name(),
			dir:   entry.IsDir(),
			mode:  info.Mode(),
			mtime: info.ModTime(),
		}
		if !fi.dir {
			fi.size = info.Size()
		}
		files = append(files, fi)
	}

	// Directories first, then case-insensitive by name.
	sort.Slice(files, func(i, j int) bool {
		if files[i].dir != files[j].dir {
			return files[i].dir
		}
		return strings.ToLower(files[i].name) < strings.ToLower(files[j].name)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "📁 Directory: %s\n\n", abs)
	for _, fi := range files {
		icon := "📄"
		sizeStr := fmt.Sprintf(" %d bytes", fi.size)
		if fi.dir {
			icon = "📁"
			sizeStr = ""
		}
		fmt.Fprintf(&b, "%s %s (%s)%s\n", icon, fi.name, fi.mode.Perm(), sizeStr)
	}

	return tools.Text(b.String()), nil
}

func (p *filesPack) readFile(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		Path    string `json:"path"`
		MaxSize int64  `json:"max_size"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}
	if in.Path == "" {
		return tools.Error("❌ File path is required"), nil
	}

	maxSize := p.maxFileSize
	if in.MaxSize > 0 && in.MaxSize < maxSize {
		maxSize = in.MaxSize
	}

	abs, ok := p.resolve(in.Path)
	if !ok {
		return tools.Error("❌ Access denied: File outside working directory"), nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.Error("❌ File not found: %s", in.Path), nil
		}
		return tools.Error("❌ Error reading file: %v", err), nil
	}
	if info.IsDir() {
		return tools.Error("❌ Not a file: %s", in.Path), nil
	}
	if info.Size() > maxSize {
		return tools.Error("❌ File too large: %d bytes (max: %d)", info.Size(), maxSize), nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return tools.Error("❌ Error reading file: %v", err), nil
	}

	return tools.Textf("📄 File: %s\nSize: %d bytes\n\n%s", abs, len(content), content), nil
}
