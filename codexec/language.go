//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package codexec

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// ErrUnsupportedLanguage is returned by Resolve for unknown tags.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Placeholders bound when a LanguageSpec template is instantiated.
// {file} and {bin} are bound by the executor; {python}, {isolation} and
// {package} by the environment manager; {port} by the serve path.
const (
	PlaceholderFile      = "{file}"
	PlaceholderBin       = "{bin}"
	PlaceholderPython    = "{python}"
	PlaceholderIsolation = "{isolation}"
	PlaceholderPackage   = "{package}"
	PlaceholderPort      = "{port}"
)

// LanguageSpec describes one supported toolchain. All per-language
// knowledge lives here; no other package branches on language identity.
type LanguageSpec struct {
	// Name is the canonical lower-case tag.
	Name string
	// Aliases are alternative tags resolving to this spec.
	Aliases []string
	// Extension is the staged source file extension, dot included.
	Extension string
	// FileMode is the mode staged sources are written with.
	FileMode fs.FileMode

	// SetupArgv creates the isolation root; empty means no setup step.
	SetupArgv []string
	// InstallArgv installs {package} into the isolation root; empty
	// means the language has no package ecosystem.
	InstallArgv []string
	// BootstrapPackages are installed once right after setup.
	BootstrapPackages []string
	// BuildArgv compiles {file} into {bin}; empty means interpreted.
	BuildArgv []string
	// RunArgv executes the staged (or built) code block.
	RunArgv []string
	// ServeArgv starts a long-lived server on {port}; empty when the
	// language has no serve mode.
	ServeArgv []string
	// RunEnv holds extra environment variables (placeholder-expanded)
	// injected when running a block, e.g. module resolution paths.
	RunEnv map[string]string

	// IsolationDir is the directory name holding installed
	// dependencies under the environment root; empty when the
	// language needs no isolation state.
	IsolationDir string
	// InterpreterRel is the interpreter path relative to the
	// isolation root, bound to {python}; empty when the toolchain is
	// found on PATH.
	InterpreterRel string
	// Manifest is the conventional dependency manifest file name.
	Manifest string
}

// HasEcosystem reports whether the language supports package installs.
func (s LanguageSpec) HasEcosystem() bool {
	return len(s.InstallArgv) > 0
}

// Compiled reports whether a build step precedes the run step.
func (s LanguageSpec) Compiled() bool {
	return len(s.BuildArgv) > 0
}

// Expand substitutes placeholder bindings into an argv template.
func Expand(argv []string, bindings map[string]string) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		for k, v := range bindings {
			a = strings.ReplaceAll(a, k, v)
		}
		out = append(out, a)
	}
	return out
}

var registry = map[string]LanguageSpec{}

func register(spec LanguageSpec) {
	registry[spec.Name] = spec
	for _, a := range spec.Aliases {
		registry[a] = spec
	}
}

func init() {
	register(LanguageSpec{
		Name:              "python",
		Aliases:           []string{"py", "python3"},
		Extension:         ".py",
		FileMode:          0o644,
		SetupArgv:         []string{"python3", "-m", "venv", PlaceholderIsolation},
		InstallArgv:       []string{PlaceholderPython, "-m", "pip", "install", PlaceholderPackage},
		RunArgv:           []string{PlaceholderPython, PlaceholderFile},
		ServeArgv:         []string{PlaceholderPython, "-m", "http.server", PlaceholderPort},
		IsolationDir:      "venv",
		InterpreterRel:    venvInterpreterRel(),
		Manifest:          "requirements.txt",
	})
	register(LanguageSpec{
		Name:         "javascript",
		Aliases:      []string{"js", "node"},
		Extension:    ".js",
		FileMode:     0o644,
		SetupArgv:    []string{"npm", "init", "-y"},
		InstallArgv:  []string{"npm", "install", PlaceholderPackage},
		RunArgv:      []string{"node", PlaceholderFile},
		RunEnv:       map[string]string{"NODE_PATH": PlaceholderIsolation},
		IsolationDir: "node_modules",
		Manifest:     "package.json",
	})
	register(LanguageSpec{
		Name:              "typescript",
		Aliases:           []string{"ts"},
		Extension:         ".ts",
		FileMode:          0o644,
		SetupArgv:         []string{"npm", "init", "-y"},
		InstallArgv:       []string{"npm", "install", PlaceholderPackage},
		BootstrapPackages: []string{"typescript", "ts-node"},
		RunArgv:           []string{filepath.Join(PlaceholderIsolation, tsNodeRel()), PlaceholderFile},
		RunEnv:            map[string]string{"NODE_PATH": PlaceholderIsolation},
		IsolationDir:      "node_modules",
		Manifest:          "package.json",
	})
	register(LanguageSpec{
		Name:      "rust",
		Aliases:   []string{"rs"},
		Extension: ".rs",
		FileMode:  0o644,
		BuildArgv: []string{"rustc", PlaceholderFile, "-o", PlaceholderBin},
		RunArgv:   []string{PlaceholderBin},
	})
	register(LanguageSpec{
		Name:      "bash",
		Aliases:   []string{"sh", "shell"},
		Extension: ".sh",
		FileMode:  0o755,
		RunArgv:   []string{"bash", PlaceholderFile},
	})
	register(LanguageSpec{
		Name:      "html",
		Extension: ".html",
		FileMode:  0o644,
		RunArgv:   append(openerArgv(), PlaceholderFile),
	})
}

// venvInterpreterRel returns the interpreter location inside a Python
// virtual environment for the current platform.
func venvInterpreterRel() string {
	if runtime.GOOS == "windows" {
		return "Scripts\\python.exe"
	}
	return "bin/python"
}

// tsNodeRel returns the ts-node launcher location npm links inside the
// isolation directory. Running it directly keeps execution inside the
// cached environment; npx would resolve from the workdir and PATH and
// fall back to the registry.
func tsNodeRel() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(".bin", "ts-node.cmd")
	}
	return filepath.Join(".bin", "ts-node")
}

// openerArgv returns the platform command that opens a file with the
// default handler, used for HTML blocks.
func openerArgv() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"cmd", "/C", "start"}
	default:
		return []string{"xdg-open"}
	}
}

// Resolve maps a language tag to its LanguageSpec. Tags are
// case-insensitive and alias-aware. Unknown tags return
// ErrUnsupportedLanguage.
func Resolve(tag string) (LanguageSpec, error) {
	spec, ok := registry[strings.ToLower(strings.TrimSpace(tag))]
	if !ok {
		return LanguageSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, tag)
	}
	return spec, nil
}

// Supported returns the canonical names of all registered languages.
func Supported() []string {
	seen := map[string]bool{}
	var names []string
	for _, s := range registry {
		if !seen[s.Name] {
			seen[s.Name] = true
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}
