package prefetch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/susamn/treecached/internal/cache"
	"github.com/susamn/treecached/internal/pathutil"
)

// DirectoryAdapter loads a single directory's immediate metadata plus
// its immediate children, never recursing into grandchildren. Rooted is
// implemented by LocalFilesystemAdapter; other backends (object storage,
// a remote API) can satisfy the same interface.
type DirectoryAdapter interface {
	LoadDirectory(ctx context.Context, path string) (*cache.DirectoryNode, time.Time, error)
}

// LocalFilesystemAdapter loads directories off local disk, rooted at
// basePath, rejecting any path that would resolve outside of it.
type LocalFilesystemAdapter struct {
	basePath string
}

// NewLocalFilesystemAdapter returns an adapter rooted at basePath, which
// must already exist.
func NewLocalFilesystemAdapter(basePath string) (*LocalFilesystemAdapter, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if _, err := os.Stat(basePath); err != nil {
		return nil, fmt.Errorf("base path does not exist: %w", err)
	}
	return &LocalFilesystemAdapter{basePath: basePath}, nil
}

// LoadDirectory stats path and, if it is a directory, scans its immediate
// children into file-summary or directory-stub Child records.
func (a *LocalFilesystemAdapter) LoadDirectory(ctx context.Context, relPath string) (*cache.DirectoryNode, time.Time, error) {
	cleanPath, err := pathutil.ValidateWithinBase(relPath, a.basePath)
	if err != nil {
		return nil, time.Time{}, &cache.AdapterFailureError{Path: relPath, Err: err}
	}

	fullPath := a.fullPath(cleanPath)
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, time.Time{}, &cache.AdapterFailureError{Path: cleanPath, Err: err}
	}
	if !info.IsDir() {
		return nil, time.Time{}, &cache.AdapterFailureError{Path: cleanPath, Err: fmt.Errorf("not a directory")}
	}

	node := &cache.DirectoryNode{
		Path:       cleanPath,
		ParentPath: pathutil.Parent(cleanPath),
		Name:       pathutil.Name(cleanPath),
		Depth:      pathutil.Depth(cleanPath),
		IsLoaded:   true,
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, time.Time{}, &cache.AdapterFailureError{Path: cleanPath, Err: err}
	}

	children := make([]cache.Child, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") && !entry.IsDir() {
			continue
		}
		childPath := pathutil.Join(cleanPath, entry.Name())
		childInfo, err := entry.Info()
		if err != nil {
			continue
		}

		child := cache.Child{
			Name:       entry.Name(),
			Path:       childPath,
			Depth:      node.Depth + 1,
			ParentPath: cleanPath,
		}
		mtime := childInfo.ModTime()
		if entry.IsDir() {
			child.Kind = cache.ChildDirectory
			child.IsLoaded = false
		} else {
			child.Kind = cache.ChildFile
			size := childInfo.Size()
			child.Size = &size
			child.MTime = &mtime
		}
		children = append(children, child)
	}
	node.Children = children

	select {
	case <-ctx.Done():
		return nil, time.Time{}, ctx.Err()
	default:
	}

	return node, info.ModTime(), nil
}

func (a *LocalFilesystemAdapter) fullPath(relPath string) string {
	if relPath == "" {
		return a.basePath
	}
	return a.basePath + "/" + relPath
}
