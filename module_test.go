package jsbridge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewModule(t *testing.T) {
	m := NewModule("main.js", "export const x = 1;")
	if m.Filename() != "main.js" {
		t.Fatalf("Filename = %q", m.Filename())
	}
	if m.Contents() != "export const x = 1;" {
		t.Fatalf("Contents = %q", m.Contents())
	}
	if m.String() != "Module(main.js)" {
		t.Fatalf("String = %q", m.String())
	}
}

func TestLoadModuleReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.js")
	if err := os.WriteFile(path, []byte("globalThis.x = 9;"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadModule(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Filename() != path {
		t.Fatalf("Filename = %q, want %q", m.Filename(), path)
	}
	if m.Contents() != "globalThis.x = 9;" {
		t.Fatalf("Contents = %q", m.Contents())
	}
}

func TestLoadModuleMissingFile(t *testing.T) {
	_, err := LoadModule(filepath.Join(t.TempDir(), "absent.js"))
	if !IsKind(err, KindModuleNotFound) {
		t.Fatalf("err = %v, want KindModuleNotFound", err)
	}
}

func TestLoadModuleDirSkipsNonScripts(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.js":       "// a",
		"b.ts":       "// b",
		"c.mjs":      "// c",
		"d.mts":      "// d",
		"readme.md":  "not a script",
		"data.json":  "{}",
		"styles.css": "body {}",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	modules, err := LoadModuleDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(modules) != 4 {
		t.Fatalf("loaded %d modules, want 4: %v", len(modules), modules)
	}
	for _, m := range modules {
		ext := filepath.Ext(m.Filename())
		if ext != ".js" && ext != ".ts" && ext != ".mjs" && ext != ".mts" {
			t.Errorf("unexpected module %s", m.Filename())
		}
	}
}

func TestLoadModuleDirMissing(t *testing.T) {
	_, err := LoadModuleDir(filepath.Join(t.TempDir(), "absent"))
	if !IsKind(err, KindModuleNotFound) {
		t.Fatalf("err = %v, want KindModuleNotFound", err)
	}
}
