package jshost

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// MapLoader serves modules from memory, keyed by normalized name.
type MapLoader map[string]string

// LoadModule returns the source registered under name.
func (m MapLoader) LoadModule(name string) (string, error) {
	src, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return src, nil
}

// FileLoader serves modules from fsys. Names are cleaned and a missing
// extension falls back to ".js".
func FileLoader(fsys fs.FS) ModuleLoader {
	return ModuleLoaderFunc(func(name string) (string, error) {
		p := strings.TrimPrefix(path.Clean("/"+name), "/")
		candidates := []string{p}
		if path.Ext(p) == "" {
			candidates = append(candidates, p+".js", p+".ts")
		}
		for _, c := range candidates {
			b, err := fs.ReadFile(fsys, c)
			if err == nil {
				return string(b), nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("reading module %s: %w", name, err)
			}
		}
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	})
}
