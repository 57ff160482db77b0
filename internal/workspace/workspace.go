// Package workspace confines plan files and worker artifacts to one output
// directory. Every caller-supplied path is checked lexically before the
// filesystem is touched, and file access goes through an os.Root so that
// symlinks cannot lead outside the directory either.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrPathTraversal is returned for paths that would leave the workspace.
	ErrPathTraversal = errors.New("path escapes workspace")
	// ErrNotFile is returned when a path names a directory.
	ErrNotFile = errors.New("not a regular file")
)

// Workspace is a directory holding the plan and everything workers produce.
type Workspace struct {
	dir  string
	root *os.Root
}

// FileInfo describes one artifact for listings.
type FileInfo struct {
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	SizeBytes  int64   `json:"size_bytes"`
	ModifiedAt float64 `json:"modified_at"`
}

// Open creates dir if needed and opens it as a workspace.
func Open(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	return &Workspace{dir: abs, root: root}, nil
}

// Close releases the directory handle.
func (w *Workspace) Close() error { return w.root.Close() }

// Sub opens the child directory name as its own workspace, creating it if
// needed. Each session runs in its own child so checklists are never shared.
func (w *Workspace) Sub(name string) (*Workspace, error) {
	clean, err := Clean(name)
	if err != nil {
		return nil, err
	}
	if err := w.root.MkdirAll(clean, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", clean, err)
	}
	root, err := w.root.OpenRoot(clean)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", clean, err)
	}
	return &Workspace{dir: filepath.Join(w.dir, clean), root: root}, nil
}

// Dir returns the absolute workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Clean validates rel and returns it in canonical slash-free form. It never
// touches the filesystem.
func Clean(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return filepath.Clean(rel), nil
}

// Path returns the absolute path of rel inside the workspace.
func (w *Workspace) Path(rel string) (string, error) {
	clean, err := Clean(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.dir, clean), nil
}

// List returns the regular files of the workspace, newest first. Files in
// child directories are included with their slash-separated relative path.
func (w *Workspace) List() ([]FileInfo, error) {
	var files []FileInfo
	err := fs.WalkDir(w.root.FS(), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{
			Name:       d.Name(),
			Path:       path,
			SizeBytes:  info.Size(),
			ModifiedAt: float64(info.ModTime().UnixNano()) / 1e9,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	if files == nil {
		files = []FileInfo{}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].ModifiedAt > files[j].ModifiedAt })
	return files, nil
}

// OpenFile opens rel for reading. The caller closes the file.
func (w *Workspace) OpenFile(rel string) (*os.File, fs.FileInfo, error) {
	clean, err := Clean(rel)
	if err != nil {
		return nil, nil, err
	}
	f, err := w.root.Open(clean)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFile, rel)
	}
	return f, info, nil
}

// ReadFile returns the contents of rel.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	f, _, err := w.OpenFile(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile replaces rel with data, creating parent directories.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	clean, err := Clean(rel)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(clean); dir != "." {
		if err := w.root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	f, err := w.root.OpenFile(clean, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Exists reports whether rel names a regular file in the workspace.
func (w *Workspace) Exists(rel string) bool {
	clean, err := Clean(rel)
	if err != nil {
		return false
	}
	info, err := w.root.Stat(clean)
	return err == nil && info.Mode().IsRegular()
}

// ContentType guesses the media type of name from its extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown; charset=utf-8"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	case ".csv":
		return "text/csv; charset=utf-8"
	}
	return "application/octet-stream"
}

// IsText reports whether a media type should be rendered as text.
func IsText(contentType string) bool {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.TrimSpace(base)
	return strings.HasPrefix(base, "text/") || base == "application/json" || base == "application/xml"
}

// DecodeText returns data as UTF-8, reading it as Latin-1 when it is not
// valid UTF-8.
func DecodeText(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ReadInputs concatenates the named input files into one blob, each section
// headed by its filename. The "none" sentinel and blanks are skipped.
func (w *Workspace) ReadInputs(names []string) (string, error) {
	var b strings.Builder
	for _, name := range names {
		if strings.TrimSpace(name) == "" || strings.EqualFold(strings.TrimSpace(name), "none") {
			continue
		}
		data, err := w.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("read input %s: %w", name, err)
		}
		text, err := DecodeText(data)
		if err != nil {
			return "", fmt.Errorf("decode input %s: %w", name, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, text)
	}
	return b.String(), nil
}
