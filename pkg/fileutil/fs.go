package fileutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem abstracts real and embedded file systems behind one interface
// so assets load the same way from disk and from an embed.FS.
type FileSystem interface {
	// Open opens the named file, ignoring case.
	Open(name string) (fs.File, error)
	// ReadFile reads the named file, ignoring case.
	ReadFile(name string) ([]byte, error)
	// FindFile searches dir for filename ignoring case and returns the
	// actual path.
	FindFile(dir, filename string) (string, error)
	// BasePath returns the base path all names resolve against.
	BasePath() string
}

// RealFS provides access to the operating system's file system.
type RealFS struct {
	basePath string
}

// NewRealFS creates a FileSystem rooted at basePath (empty for the working
// directory).
func NewRealFS(basePath string) *RealFS {
	return &RealFS{basePath: basePath}
}

func (r *RealFS) Open(name string) (fs.File, error) {
	actualPath, err := r.findFileCaseInsensitive(r.resolvePath(name))
	if err != nil {
		return nil, err
	}
	return os.Open(actualPath)
}

func (r *RealFS) ReadFile(name string) ([]byte, error) {
	actualPath, err := r.findFileCaseInsensitive(r.resolvePath(name))
	if err != nil {
		return nil, err
	}
	return os.ReadFile(actualPath)
}

func (r *RealFS) FindFile(dir, filename string) (string, error) {
	searchDir := dir
	if r.basePath != "" && !filepath.IsAbs(dir) {
		searchDir = filepath.Join(r.basePath, dir)
	}
	return FindFileCaseInsensitive(searchDir, filename)
}

func (r *RealFS) BasePath() string {
	return r.basePath
}

func (r *RealFS) resolvePath(name string) string {
	cleanName := strings.TrimPrefix(strings.TrimPrefix(name, "/"), "\\")
	if r.basePath != "" && !filepath.IsAbs(name) {
		return filepath.Join(r.basePath, cleanName)
	}
	return name
}

func (r *RealFS) findFileCaseInsensitive(path string) (string, error) {
	// Direct access first.
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return FindFileCaseInsensitive(filepath.Dir(path), filepath.Base(path))
}

// EmbedFS provides access to an embedded file system.
type EmbedFS struct {
	fsys     fs.FS
	basePath string
}

// NewEmbedFS creates a FileSystem over fsys rooted at basePath.
func NewEmbedFS(fsys fs.FS, basePath string) *EmbedFS {
	return &EmbedFS{fsys: fsys, basePath: basePath}
}

func (e *EmbedFS) Open(name string) (fs.File, error) {
	actualPath, err := e.findFileCaseInsensitive(e.resolvePath(name))
	if err != nil {
		return nil, err
	}
	return e.fsys.Open(actualPath)
}

func (e *EmbedFS) ReadFile(name string) ([]byte, error) {
	actualPath, err := e.findFileCaseInsensitive(e.resolvePath(name))
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(e.fsys, actualPath)
}

func (e *EmbedFS) FindFile(dir, filename string) (string, error) {
	searchDir := dir
	if e.basePath != "" {
		searchDir = e.basePath + "/" + dir
	}
	return FindFileCaseInsensitiveFS(e.fsys, searchDir, filename)
}

func (e *EmbedFS) BasePath() string {
	return e.basePath
}

func (e *EmbedFS) resolvePath(name string) string {
	cleanName := strings.TrimPrefix(strings.TrimPrefix(name, "/"), "\\")
	if cleanName == "." || cleanName == "" {
		if e.basePath != "" {
			return e.basePath
		}
		return "."
	}
	if e.basePath != "" {
		return e.basePath + "/" + cleanName
	}
	return cleanName
}

func (e *EmbedFS) findFileCaseInsensitive(path string) (string, error) {
	if f, err := e.fsys.Open(path); err == nil {
		f.Close()
		return path, nil
	}
	dir := strings.ReplaceAll(filepath.Dir(path), "\\", "/")
	return FindFileCaseInsensitiveFS(e.fsys, dir, filepath.Base(path))
}
