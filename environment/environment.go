//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package environment creates and caches isolated execution
// environments, one per (workdir, language) pair, and installs
// dependencies into them. The Manager is the only component that
// mutates an Env.
package environment

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-codex-go/codexec"
	"trpc.group/trpc-go/trpc-codex-go/log"
)

// EnvDirName is the hidden directory under a workdir holding all
// per-language isolation roots.
const EnvDirName = ".codex"

// Env is one isolated execution environment. Root holds staged
// sources and metadata; Isolation holds installed dependencies for
// languages that have a package ecosystem.
type Env struct {
	Workdir   string
	Spec      codexec.LanguageSpec
	Root      string
	Isolation string
	CreatedAt time.Time

	mu        sync.Mutex
	installed map[string]bool
}

// SrcDir is where the executor stages source files.
func (e *Env) SrcDir() string {
	return filepath.Join(e.Root, "src")
}

// Bindings returns the placeholder bindings this environment
// contributes to argv templates.
func (e *Env) Bindings() map[string]string {
	b := map[string]string{}
	if e.Isolation != "" {
		b[codexec.PlaceholderIsolation] = e.Isolation
	}
	if e.Spec.InterpreterRel != "" && e.Isolation != "" {
		b[codexec.PlaceholderPython] = filepath.Join(e.Isolation, e.Spec.InterpreterRel)
	}
	return b
}

// Installed reports whether a package is recorded as installed.
func (e *Env) Installed(pkg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installed[pkg]
}

// CreateError reports a failed environment creation. It is terminal
// for the execution request.
type CreateError struct {
	Language string
	Workdir  string
	Output   string
	Err      error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("creating %s environment in %s: %v: %s",
		e.Language, e.Workdir, e.Err, e.Output)
}

func (e *CreateError) Unwrap() error { return e.Err }

// InstallError reports a failed package installation, naming the
// package and carrying the installer's diagnostic output.
type InstallError struct {
	Package string
	Output  string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %s: %v: %s", e.Package, e.Err, e.Output)
}

func (e *InstallError) Unwrap() error { return e.Err }

// CommandRunner runs one toolchain command in a directory and returns
// its combined output. Injectable for tests.
type CommandRunner func(ctx context.Context, dir string, argv []string) ([]byte, error)

func defaultRunner(ctx context.Context, dir string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Manager owns the environment cache. Concurrent Acquire calls for
// the same key serialize on creation; the first writer wins and later
// callers reuse its environment.
type Manager struct {
	mu    sync.Mutex
	envs  map[string]*Env
	locks map[string]*sync.Mutex

	run CommandRunner
}

// Option configures a Manager.
type Option func(*Manager)

// WithCommandRunner replaces the subprocess runner, mainly for tests.
func WithCommandRunner(run CommandRunner) Option {
	return func(m *Manager) { m.run = run }
}

// NewManager creates an empty environment Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		envs:  map[string]*Env{},
		locks: map[string]*sync.Mutex{},
		run:   defaultRunner,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func envKey(workdir, language string) string {
	return workdir + "\x00" + language
}

// Acquire returns the environment for (workdir, language), creating
// it on first use. Creation failure is surfaced to the caller and not
// retried here.
func (m *Manager) Acquire(ctx context.Context, workdir, language string) (*Env, error) {
	spec, err := codexec.Resolve(language)
	if err != nil {
		return nil, err
	}
	if workdir == "" {
		workdir = "."
	}
	if abs, err := filepath.Abs(workdir); err == nil {
		workdir = abs
	}
	key := envKey(workdir, spec.Name)

	m.mu.Lock()
	if env, ok := m.envs[key]; ok {
		m.mu.Unlock()
		return env, nil
	}
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Re-check after winning the creation lock.
	m.mu.Lock()
	if env, ok := m.envs[key]; ok {
		m.mu.Unlock()
		return env, nil
	}
	m.mu.Unlock()

	env, err := m.create(ctx, workdir, spec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.envs[key] = env
	m.mu.Unlock()
	return env, nil
}

func (m *Manager) create(ctx context.Context, workdir string, spec codexec.LanguageSpec) (*Env, error) {
	root := filepath.Join(workdir, EnvDirName, spec.Name)
	env := &Env{
		Workdir:   workdir,
		Spec:      spec,
		Root:      root,
		CreatedAt: time.Now(),
		installed: map[string]bool{},
	}
	if spec.IsolationDir != "" {
		env.Isolation = filepath.Join(root, spec.IsolationDir)
	}
	if err := os.MkdirAll(env.SrcDir(), 0o755); err != nil {
		return nil, &CreateError{Language: spec.Name, Workdir: workdir, Err: err}
	}

	if len(spec.SetupArgv) > 0 && !m.setupDone(env) {
		log.Debugf("setting up %s environment in %s", spec.Name, root)
		argv := codexec.Expand(spec.SetupArgv, env.Bindings())
		out, err := m.run(ctx, root, argv)
		if err != nil {
			return nil, &CreateError{
				Language: spec.Name,
				Workdir:  workdir,
				Output:   string(out),
				Err:      err,
			}
		}
	}

	// Inherit the install cache a previous process may have written.
	md, err := loadMetadata(root)
	if err == nil {
		for _, p := range md.Installed {
			env.installed[p] = true
		}
	}

	if err := m.ensureInstalled(ctx, env, spec.BootstrapPackages); err != nil {
		return nil, &CreateError{
			Language: spec.Name,
			Workdir:  workdir,
			Output:   err.Error(),
			Err:      fmt.Errorf("bootstrap install failed"),
		}
	}
	return env, nil
}

// setupDone reports whether the isolation state already exists, so
// re-acquiring across processes does not re-run setup.
func (m *Manager) setupDone(env *Env) bool {
	if env.Spec.Manifest != "" {
		if _, err := os.Stat(filepath.Join(env.Root, env.Spec.Manifest)); err == nil {
			return true
		}
	}
	if env.Isolation == "" {
		return false
	}
	_, err := os.Stat(env.Isolation)
	return err == nil
}

// EnsureInstalled installs every package not already recorded in the
// environment's cache. Installation is best-effort and idempotent: an
// already-recorded package triggers no subprocess. A failed install is
// returned as *InstallError and the package stays unmarked so a retry
// re-attempts it.
func (m *Manager) EnsureInstalled(ctx context.Context, env *Env, packages []string) error {
	if env == nil || !env.Spec.HasEcosystem() || len(packages) == 0 {
		return nil
	}
	return m.ensureInstalled(ctx, env, packages)
}

func (m *Manager) ensureInstalled(ctx context.Context, env *Env, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	env.mu.Lock()
	defer env.mu.Unlock()

	bindings := env.Bindings()
	for _, pkg := range packages {
		if env.installed[pkg] {
			continue
		}
		bindings[codexec.PlaceholderPackage] = pkg
		argv := codexec.Expand(env.Spec.InstallArgv, bindings)
		log.Infof("installing %s package %s", env.Spec.Name, pkg)
		out, err := m.run(ctx, env.Root, argv)
		if err != nil {
			return &InstallError{Package: pkg, Output: string(out), Err: err}
		}
		env.installed[pkg] = true
	}
	return saveMetadataLocked(env)
}
