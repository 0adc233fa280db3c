package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// lowerModule turns ES module source into a classic script body whose
// exports are assigned to an `exports` parameter and whose imports go
// through __bridge.require. Results are cached by content hash.
func (e *Engine) lowerModule(filename, url, source string) (string, error) {
	key := contentHash(filename, source)
	if e.opts.Cache != nil {
		if code, ok := e.opts.Cache.Get(key); ok {
			return code, nil
		}
	}

	loader := esbuild.LoaderJS
	switch filepath.Ext(filename) {
	case ".ts", ".mts":
		loader = esbuild.LoaderTS
	}

	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader:     loader,
		Format:     esbuild.FormatESModule,
		Target:     esbuild.ES2022,
		Sourcefile: filename,
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, m := range result.Errors {
			msgs = append(msgs, m.Text)
		}
		return "", fmt.Errorf("transforming %s: %s", filename, strings.Join(msgs, "; "))
	}

	lowered := lowerESM(string(result.Code), url)

	if e.opts.Cache != nil {
		if err := e.opts.Cache.Set(key, lowered); err != nil {
			return "", fmt.Errorf("caching %s: %w", filename, err)
		}
	}
	return lowered, nil
}

func contentHash(filename, source string) string {
	h := sha256.New()
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

// Import statement shapes, in matching order. esbuild's ESM output
// normalizes imports onto their own lines, which is what these rely on.
var (
	reImportAll        = regexp.MustCompile(`(?m)^import\s*\*\s*as\s+([A-Za-z_$][\w$]*)\s+from\s*['"]([^'"]+)['"];?\s*$`)
	reImportDefAndAll  = regexp.MustCompile(`(?m)^import\s+([A-Za-z_$][\w$]*)\s*,\s*\*\s*as\s+([A-Za-z_$][\w$]*)\s+from\s*['"]([^'"]+)['"];?\s*$`)
	reImportDefAndName = regexp.MustCompile(`(?m)^import\s+([A-Za-z_$][\w$]*)\s*,\s*\{([^}]*)\}\s*from\s*['"]([^'"]+)['"];?\s*$`)
	reImportNamed      = regexp.MustCompile(`(?m)^import\s*\{([^}]*)\}\s*from\s*['"]([^'"]+)['"];?\s*$`)
	reImportDefault    = regexp.MustCompile(`(?m)^import\s+([A-Za-z_$][\w$]*)\s+from\s*['"]([^'"]+)['"];?\s*$`)
	reImportBare       = regexp.MustCompile(`(?m)^import\s*['"]([^'"]+)['"];?\s*$`)
)

// Export statement shapes.
var (
	reExportStarFrom = regexp.MustCompile(`(?m)^export\s*\*\s*from\s*['"]([^'"]+)['"];?\s*$`)
	reExportFrom     = regexp.MustCompile(`(?m)^export\s*\{([^}]*)\}\s*from\s*['"]([^'"]+)['"];?\s*$`)
	reExportDefault  = regexp.MustCompile(`(?m)^export\s+default\s+`)
	reExportDecl     = regexp.MustCompile(`(?m)^export\s+(async\s+function\s*\*?|function\s*\*?|class|const|let|var)\s+([A-Za-z_$][\w$]*)`)
	reExportBlock    = regexp.MustCompile(`(?m)^export\s*\{([^}]*)\};?\s*$`)
)

// lowerESM rewrites a transformed ES module into a classic script body.
// The same line-oriented surgery the engine's script wrapper has always
// done, extended to cover every import/export clause esbuild emits.
func lowerESM(code, url string) string {
	ref := strconv.Quote(url)
	req := func(spec string) string {
		return "globalThis.__bridge.require(" + strconv.Quote(spec) + ", " + ref + ")"
	}

	out := code

	// Imports.
	out = reImportDefAndAll.ReplaceAllStringFunc(out, func(m string) string {
		p := reImportDefAndAll.FindStringSubmatch(m)
		return "const " + p[2] + " = " + req(p[3]) + ", " + p[1] + " = " + p[2] + ".default;"
	})
	out = reImportDefAndName.ReplaceAllStringFunc(out, func(m string) string {
		p := reImportDefAndName.FindStringSubmatch(m)
		pattern := destructurePattern(p[2])
		return "const { default: " + p[1] + ", " + pattern + " } = " + req(p[3]) + ";"
	})
	out = reImportAll.ReplaceAllStringFunc(out, func(m string) string {
		p := reImportAll.FindStringSubmatch(m)
		return "const " + p[1] + " = " + req(p[2]) + ";"
	})
	out = reImportNamed.ReplaceAllStringFunc(out, func(m string) string {
		p := reImportNamed.FindStringSubmatch(m)
		return "const { " + destructurePattern(p[1]) + " } = " + req(p[2]) + ";"
	})
	out = reImportDefault.ReplaceAllStringFunc(out, func(m string) string {
		p := reImportDefault.FindStringSubmatch(m)
		return "const " + p[1] + " = " + req(p[2]) + ".default;"
	})
	out = reImportBare.ReplaceAllStringFunc(out, func(m string) string {
		p := reImportBare.FindStringSubmatch(m)
		return req(p[1]) + ";"
	})

	// Re-exports.
	out = reExportStarFrom.ReplaceAllStringFunc(out, func(m string) string {
		p := reExportStarFrom.FindStringSubmatch(m)
		return "Object.assign(exports, " + req(p[1]) + ");"
	})
	out = reExportFrom.ReplaceAllStringFunc(out, func(m string) string {
		p := reExportFrom.FindStringSubmatch(m)
		var stmts []string
		for _, entry := range exportEntries(p[1]) {
			stmts = append(stmts, "exports."+entry.exported+" = __m."+entry.local+";")
		}
		return "(function(__m){ " + strings.Join(stmts, " ") + " })(" + req(p[2]) + ");"
	})

	// Default export.
	out = reExportDefault.ReplaceAllString(out, "exports.default = ")

	// Inline declaration exports: strip the keyword, assign at the end.
	var declared []string
	out = reExportDecl.ReplaceAllStringFunc(out, func(m string) string {
		p := reExportDecl.FindStringSubmatch(m)
		declared = append(declared, p[2])
		return p[1] + " " + p[2]
	})

	// Export blocks.
	out = reExportBlock.ReplaceAllStringFunc(out, func(m string) string {
		p := reExportBlock.FindStringSubmatch(m)
		var stmts []string
		for _, entry := range exportEntries(p[1]) {
			stmts = append(stmts, "exports."+entry.exported+" = "+entry.local+";")
		}
		return strings.Join(stmts, " ")
	})

	for _, name := range declared {
		out += "\nexports." + name + " = " + name + ";"
	}
	return out
}

// destructurePattern turns an import clause body ("a, b as c, default as d")
// into a destructuring pattern ("a, b: c, default: d").
func destructurePattern(block string) string {
	var parts []string
	for _, entry := range strings.Split(block, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		if len(fields) == 3 && fields[1] == "as" {
			parts = append(parts, fields[0]+": "+fields[2])
		} else {
			parts = append(parts, fields[0])
		}
	}
	return strings.Join(parts, ", ")
}

type exportEntry struct {
	local    string
	exported string
}

// exportEntries parses an export clause body into (local, exported) pairs.
func exportEntries(block string) []exportEntry {
	var entries []exportEntry
	for _, entry := range strings.Split(block, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		local, exported := fields[0], fields[0]
		if len(fields) == 3 && fields[1] == "as" {
			exported = fields[2]
		}
		entries = append(entries, exportEntry{local: local, exported: exported})
	}
	return entries
}
