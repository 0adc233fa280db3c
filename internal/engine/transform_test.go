package engine

import (
	"strings"
	"testing"
)

const mainURL = "file:///src/main.js"

func TestLowerESMNamedImport(t *testing.T) {
	out := lowerESM(`import { add, mul as times } from "./math.js";`, mainURL)
	want := `const { add, mul: times } = globalThis.__bridge.require("./math.js", "file:///src/main.js");`
	if !strings.Contains(out, want) {
		t.Fatalf("lowered output missing %q:\n%s", want, out)
	}
}

func TestLowerESMDefaultImport(t *testing.T) {
	out := lowerESM(`import calc from "./calc.js";`, mainURL)
	want := `const calc = globalThis.__bridge.require("./calc.js", "file:///src/main.js").default;`
	if !strings.Contains(out, want) {
		t.Fatalf("lowered output missing %q:\n%s", want, out)
	}
}

func TestLowerESMNamespaceImport(t *testing.T) {
	out := lowerESM(`import * as math from "./math.js";`, mainURL)
	want := `const math = globalThis.__bridge.require("./math.js", "file:///src/main.js");`
	if !strings.Contains(out, want) {
		t.Fatalf("lowered output missing %q:\n%s", want, out)
	}
}

func TestLowerESMDefaultAndNamedImport(t *testing.T) {
	out := lowerESM(`import calc, { add, mul as times } from "./math.js";`, mainURL)
	want := `const { default: calc, add, mul: times } = globalThis.__bridge.require("./math.js", "file:///src/main.js");`
	if !strings.Contains(out, want) {
		t.Fatalf("lowered output missing %q:\n%s", want, out)
	}
}

func TestLowerESMBareImport(t *testing.T) {
	out := lowerESM(`import "./setup.js";`, mainURL)
	want := `globalThis.__bridge.require("./setup.js", "file:///src/main.js");`
	if !strings.Contains(out, want) {
		t.Fatalf("lowered output missing %q:\n%s", want, out)
	}
	if strings.Contains(out, "import") {
		t.Fatalf("import statement survived lowering:\n%s", out)
	}
}

func TestLowerESMExportedDeclarations(t *testing.T) {
	src := "export function add(a, b) { return a + b; }\n" +
		"export const answer = 42;\n" +
		"export class Counter {}\n"
	out := lowerESM(src, mainURL)

	for _, want := range []string{
		"function add(a, b)",
		"const answer = 42;",
		"class Counter {}",
		"exports.add = add;",
		"exports.answer = answer;",
		"exports.Counter = Counter;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("lowered output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "export ") {
		t.Fatalf("export keyword survived lowering:\n%s", out)
	}
}

func TestLowerESMExportDefault(t *testing.T) {
	out := lowerESM(`export default function main() { return 1; }`, mainURL)
	if !strings.Contains(out, "exports.default = function main()") {
		t.Fatalf("default export not lowered:\n%s", out)
	}
}

func TestLowerESMExportBlockWithRename(t *testing.T) {
	src := "const inner = 3;\nexport { inner as outer };"
	out := lowerESM(src, mainURL)
	if !strings.Contains(out, "exports.outer = inner;") {
		t.Fatalf("renamed export not lowered:\n%s", out)
	}
}

func TestLowerESMReExports(t *testing.T) {
	out := lowerESM(`export * from "./all.js";`, mainURL)
	if !strings.Contains(out, `Object.assign(exports, globalThis.__bridge.require("./all.js", "file:///src/main.js"));`) {
		t.Fatalf("star re-export not lowered:\n%s", out)
	}

	out = lowerESM(`export { a, b as c } from "./dep.js";`, mainURL)
	for _, want := range []string{"exports.a = __m.a;", "exports.c = __m.b;"} {
		if !strings.Contains(out, want) {
			t.Errorf("named re-export missing %q:\n%s", want, out)
		}
	}
}

func TestDestructurePattern(t *testing.T) {
	got := destructurePattern(" a, b as c , default as d ")
	want := "a, b: c, default: d"
	if got != want {
		t.Fatalf("destructurePattern = %q, want %q", got, want)
	}
}

func TestContentHashDistinguishesInputs(t *testing.T) {
	a := contentHash("a.js", "x")
	if a != contentHash("a.js", "x") {
		t.Fatal("hash not deterministic")
	}
	if a == contentHash("b.js", "x") {
		t.Fatal("hash ignores filename")
	}
	if a == contentHash("a.js", "y") {
		t.Fatal("hash ignores source")
	}
	// The separator keeps (ab, c) and (a, bc) apart.
	if contentHash("ab", "c") == contentHash("a", "bc") {
		t.Fatal("hash boundary is ambiguous")
	}
}

type mapCache map[string]string

func (c mapCache) Get(key string) (string, bool) { v, ok := c[key]; return v, ok }
func (c mapCache) Set(key, code string) error    { c[key] = code; return nil }

func TestLowerModuleTypeScript(t *testing.T) {
	e := &Engine{opts: Options{}}
	out, err := e.lowerModule("main.ts", mainURL, `export const n: number = 7;`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, ": number") {
		t.Fatalf("type annotation survived transform:\n%s", out)
	}
	if !strings.Contains(out, "exports.n = n;") {
		t.Fatalf("export not lowered:\n%s", out)
	}
}

func TestLowerModuleSyntaxError(t *testing.T) {
	e := &Engine{opts: Options{}}
	if _, err := e.lowerModule("bad.js", mainURL, `export const = ;`); err == nil {
		t.Fatal("expected a transform error")
	}
}

func TestLowerModuleUsesCache(t *testing.T) {
	cache := mapCache{}
	e := &Engine{opts: Options{Cache: cache}}

	first, err := e.lowerModule("m.js", mainURL, `export const x = 1;`)
	if err != nil {
		t.Fatal(err)
	}
	if len(cache) != 1 {
		t.Fatalf("cache has %d entries, want 1", len(cache))
	}

	// Poison the cached entry to prove the second call reads it.
	for k := range cache {
		cache[k] = "cached"
	}
	second, err := e.lowerModule("m.js", mainURL, `export const x = 1;`)
	if err != nil {
		t.Fatal(err)
	}
	if second != "cached" {
		t.Fatalf("cache bypassed: got %q", second)
	}
	if first == second {
		t.Fatal("poisoned entry should differ from the first result")
	}
}
