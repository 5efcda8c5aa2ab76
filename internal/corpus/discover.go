package corpus

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSuffix matches DataCite batch files.
const DefaultSuffix = ".jsonl.gz"

// Discover walks root recursively and returns every regular file whose name
// ends in suffix, sorted lexically. Unreadable subdirectories abort the walk.
func Discover(root, suffix string) ([]string, error) {
	if strings.TrimSpace(suffix) == "" {
		suffix = DefaultSuffix
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover corpus files in %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}
