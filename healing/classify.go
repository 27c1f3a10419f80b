//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package healing

import (
	"regexp"
	"strings"

	"trpc.group/trpc-go/trpc-codex-go/deps"
)

// Missing-module message shapes emitted by CPython and Node. The
// classifier only needs the module name; everything else on the line
// is noise.
var missingModulePatterns = map[string][]*regexp.Regexp{
	"python": {
		regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
		regexp.MustCompile(`ImportError: No module named ([A-Za-z_][A-Za-z0-9_.]*)`),
	},
	"javascript": {
		regexp.MustCompile(`Cannot find module '([^']+)'`),
		regexp.MustCompile(`Cannot find package '([^']+)'`),
	},
}

func init() {
	// ts-node surfaces Node's loader errors verbatim.
	missingModulePatterns["typescript"] = missingModulePatterns["javascript"]
}

// DefaultClassifier recognizes missing-module failures from the
// CPython and Node runtimes and maps the reported module to the
// package its installer expects.
func DefaultClassifier(language, stderr string) ([]string, bool) {
	patterns, ok := missingModulePatterns[language]
	if !ok {
		return nil, false
	}
	seen := map[string]bool{}
	var pkgs []string
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(stderr, -1) {
			module := m[1]
			if language == "python" {
				// Dotted submodule errors name the top-level package.
				module = strings.SplitN(module, ".", 2)[0]
			}
			pkg, ok := deps.PackageFor(language, module)
			if !ok || seen[pkg] {
				continue
			}
			seen[pkg] = true
			pkgs = append(pkgs, pkg)
		}
	}
	return pkgs, len(pkgs) > 0
}
