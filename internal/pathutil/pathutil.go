// Package pathutil implements the loader's path-resolution and directory
// scanning helpers (spec §4.1 "Path resolution", §6.3 filesystem layout).
package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultExtension is the platform's default plugin file extension
// (spec §6.3). purego loads .so on linux, .dylib on darwin, .dll on
// windows, mirroring the teacher's getDlopenFlags platform switch.
func DefaultExtension() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// ResolveDir resolves path against hostLibrary's directory when path is
// relative, normalizes separators to the platform's native form, and
// appends a trailing separator (spec §4.1).
func ResolveDir(hostLibrary, path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(hostLibrary), path)
	}
	path = filepath.FromSlash(path)
	if !strings.HasSuffix(path, string(filepath.Separator)) {
		path += string(filepath.Separator)
	}
	return path
}

// ScanDir enumerates files under dir whose name ends with extension,
// optionally descending into subdirectories. The returned paths are
// sorted by directory-walk order (os.ReadDir's lexical order at each
// level).
func ScanDir(dir, extension string, recursive bool) ([]string, error) {
	var out []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if recursive {
				sub, err := ScanDir(full, extension, recursive)
				if err != nil {
					return nil, err
				}
				out = append(out, sub...)
			}
			continue
		}
		if strings.HasSuffix(e.Name(), extension) {
			out = append(out, full)
		}
	}
	return out, nil
}

// SplitNameList splits a comma/semicolon/whitespace-separated list of
// plugin names (spec §4.1, §8 boundary: all-separators yields zero
// names) and appends ".plugin" plus the default plugin extension to any
// name that doesn't already carry an extension.
func SplitNameList(list string) []string {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		if filepath.Ext(f) == "" {
			f += ".plugin" + DefaultExtension()
		}
		out = append(out, f)
	}
	return out
}
