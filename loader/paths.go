package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/manifest"
)

// resolvePath finds p on disk. Absolute paths are used as-is; relative ones
// are tried against each execution path in registration order and finally
// against the working directory. The first candidate that is a file wins.
func resolvePath(p string, searchPaths []string) (string, error) {
	var candidates []string
	if filepath.IsAbs(p) {
		candidates = []string{p}
	} else {
		for _, dir := range searchPaths {
			candidates = append(candidates, filepath.Join(dir, p))
		}
		candidates = append(candidates, p)
	}

	// A directory or an unreadable entry only counts when no later candidate
	// is a file.
	var blocked error
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) && blocked == nil {
				blocked = &core.LoaderError{Kind: core.NotAFileOrPermissionDenied, Path: c, Err: err}
			}
			continue
		}
		if info.IsDir() {
			if blocked == nil {
				blocked = &core.LoaderError{Kind: core.NotAFileOrPermissionDenied, Path: c, Err: errors.New("is a directory")}
			}
			continue
		}
		abs, err := filepath.Abs(c)
		if err != nil {
			return "", &core.LoaderError{Kind: core.NotAFileOrPermissionDenied, Path: c, Err: err}
		}
		return abs, nil
	}

	if blocked != nil {
		return "", blocked
	}
	return "", &core.LoaderError{
		Kind: core.FileNotFound,
		Path: p,
		Err:  fmt.Errorf("searched %d location(s)", len(candidates)),
	}
}

// resolvePackage returns the library artifact for a package path. A directory
// must hold a manifest declaring a dynamically loadable library target; a file
// is taken to be the artifact.
func resolvePackage(p string, searchPaths []string) (string, error) {
	dir := p
	if !filepath.IsAbs(p) {
		dir = ""
		for _, sp := range append(append([]string{}, searchPaths...), ".") {
			c := filepath.Join(sp, p)
			if _, err := os.Stat(c); err == nil {
				dir = c
				break
			}
		}
		if dir == "" {
			return "", &core.LoaderError{Kind: core.FromPackageFailure, Path: p, Err: fs.ErrNotExist}
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return "", &core.LoaderError{Kind: core.FromPackageFailure, Path: p, Err: err}
	}
	if !info.IsDir() {
		return filepath.Abs(dir)
	}

	m, err := manifest.Load(dir)
	if err != nil {
		return "", &core.LoaderError{Kind: core.FromPackageFailure, Path: dir, Err: err}
	}
	artifact, err := m.LibraryTarget()
	if err != nil {
		return "", &core.LoaderError{Kind: core.FromPackageFailure, Path: dir, Err: err}
	}
	if _, err := os.Stat(artifact); err != nil {
		return "", &core.LoaderError{
			Kind: core.FromPackageFailure,
			Path: dir,
			Err:  fmt.Errorf("library %s of package %s is not built: %w", artifact, m.Package.Name, err),
		}
	}
	return artifact, nil
}
