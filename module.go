package jsbridge

import (
	"fmt"
	"os"
	"path/filepath"
)

// scriptExtensions lists the file extensions LoadModuleDir will pick up.
// Everything else in the directory is skipped.
var scriptExtensions = map[string]bool{
	".js":  true,
	".mjs": true,
	".ts":  true,
	".mts": true,
}

// Module is an immutable piece of script source for execution. Relative
// filenames are resolved against the runtime's working directory at load
// time, not at construction.
type Module struct {
	filename string
	contents string
}

// NewModule creates a module from inline source text.
func NewModule(filename, contents string) Module {
	return Module{filename: filename, contents: contents}
}

// LoadModule reads a module's source from a file.
func LoadModule(filename string) (Module, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Module{}, wrapError(KindModuleNotFound, err, "loading %s", filename)
	}
	return Module{filename: filename, contents: string(data)}, nil
}

// LoadModuleDir loads every script file in a directory. Non-script
// extensions are skipped; any unreadable script file fails the whole load.
func LoadModuleDir(dir string) ([]Module, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapError(KindModuleNotFound, err, "reading directory %s", dir)
	}

	var modules []Module
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !scriptExtensions[filepath.Ext(entry.Name())] {
			continue
		}
		m, err := LoadModule(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, nil
}

// Filename returns the module's filename as given at construction.
func (m Module) Filename() string { return m.filename }

// Contents returns the module's source text.
func (m Module) Contents() string { return m.contents }

func (m Module) String() string {
	return fmt.Sprintf("Module(%s)", m.filename)
}
