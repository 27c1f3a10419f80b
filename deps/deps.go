//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package deps statically extracts third-party package names from a
// code block's import statements. Extraction is heuristic and never
// fails: unrecognized syntax yields nothing, and standard-library
// modules are filtered so they are never handed to an installer.
package deps

import (
	"regexp"
	"sort"
	"strings"
)

// Extract returns the third-party packages a code block appears to
// depend on, suitable for the language's installer. Builtins and
// relative imports are excluded. Languages without a package ecosystem
// yield nothing.
func Extract(language, source string) []string {
	var names []string
	switch language {
	case "python":
		names = extractPython(source)
	case "javascript", "typescript":
		names = extractNode(source)
	case "rust":
		names = extractRust(source)
	}
	if len(names) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PackageFor maps a module name reported by a runtime error to the
// name the language's installer expects. It returns false for builtin
// modules and for names that are not installable, such as relative
// paths.
func PackageFor(language, module string) (string, bool) {
	switch language {
	case "python":
		if module == "" || pythonStdlib[module] {
			return "", false
		}
		if alias, ok := pipAliases[module]; ok {
			return alias, true
		}
		return module, true
	case "javascript", "typescript":
		out := extractNode(`require("` + module + `")`)
		if len(out) == 0 {
			return "", false
		}
		return out[0], true
	}
	return "", false
}

var (
	pythonImportRe = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_]*)`)

	nodeRequireRe = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	nodeImportRe  = regexp.MustCompile(`(?m)^\s*import\s+(?:[^'"]*?\s+from\s+)?['"]([^'"]+)['"]`)

	rustUseRe    = regexp.MustCompile(`(?m)^\s*use\s+([a-z_][a-z0-9_]*)\s*::`)
	rustExternRe = regexp.MustCompile(`(?m)^\s*extern\s+crate\s+([a-z_][a-z0-9_]*)`)
)

// pipAliases maps Python import names to their PyPI package names when
// the two differ.
var pipAliases = map[string]string{
	"cv2":      "opencv-python",
	"PIL":      "pillow",
	"sklearn":  "scikit-learn",
	"bs4":      "beautifulsoup4",
	"yaml":     "pyyaml",
	"dotenv":   "python-dotenv",
	"dateutil": "python-dateutil",
	"Crypto":   "pycryptodome",
}

func extractPython(source string) []string {
	var out []string
	for _, m := range pythonImportRe.FindAllStringSubmatch(source, -1) {
		name := m[1]
		if pythonStdlib[name] {
			continue
		}
		if alias, ok := pipAliases[name]; ok {
			name = alias
		}
		out = append(out, name)
	}
	return out
}

func extractNode(source string) []string {
	var raw []string
	for _, m := range nodeRequireRe.FindAllStringSubmatch(source, -1) {
		raw = append(raw, m[1])
	}
	for _, m := range nodeImportRe.FindAllStringSubmatch(source, -1) {
		raw = append(raw, m[1])
	}
	var out []string
	for _, name := range raw {
		if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "/") {
			continue
		}
		if strings.HasPrefix(name, "node:") {
			continue
		}
		// @scope/name keeps two segments, plain names keep one.
		parts := strings.Split(name, "/")
		if strings.HasPrefix(name, "@") {
			if len(parts) < 2 {
				continue
			}
			name = parts[0] + "/" + parts[1]
		} else {
			name = parts[0]
		}
		if nodeBuiltins[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

func extractRust(source string) []string {
	var out []string
	for _, m := range rustUseRe.FindAllStringSubmatch(source, -1) {
		out = append(out, m[1])
	}
	for _, m := range rustExternRe.FindAllStringSubmatch(source, -1) {
		out = append(out, m[1])
	}
	var filtered []string
	for _, name := range out {
		if rustBuiltins[name] {
			continue
		}
		filtered = append(filtered, name)
	}
	return filtered
}
