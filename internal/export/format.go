package export

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Format creates file sinks of one kind.
type Format interface {
	Name() string
	Extensions() []string
	Create(path string) (Sink, error)
}

var (
	registry    = make(map[string]Format)
	extRegistry = make(map[string]Format)
)

// Register adds a format to the registry.
func Register(f Format) {
	registry[strings.ToLower(f.Name())] = f
	for _, ext := range f.Extensions() {
		extRegistry[strings.ToLower(ext)] = f
	}
}

// Get returns a format by name.
func Get(name string) (Format, bool) {
	f, ok := registry[strings.ToLower(name)]
	return f, ok
}

// GetByPath returns a format based on the file's extension.
func GetByPath(path string) (Format, bool) {
	f, ok := extRegistry[strings.ToLower(filepath.Ext(path))]
	return f, ok
}

// Names lists registered format names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a file sink. An empty format is inferred from the path's
// extension and falls back to CSV.
func Open(path, format string) (Sink, error) {
	var (
		f  Format
		ok bool
	)
	if format != "" {
		f, ok = Get(format)
		if !ok {
			return nil, fmt.Errorf("unknown export format %q (supported: %s)", format, strings.Join(Names(), ", "))
		}
	} else if f, ok = GetByPath(path); !ok {
		f, _ = Get("csv")
	}

	sink, err := f.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open %s export %s: %w", f.Name(), path, err)
	}
	return sink, nil
}
