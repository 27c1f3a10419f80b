//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package environment_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/codexec"
	"trpc.group/trpc-go/trpc-codex-go/environment"
)

// fakeRunner records every toolchain invocation instead of running it.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fail  func(argv []string) error
}

func (f *fakeRunner) run(_ context.Context, _ string, argv []string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(argv); err != nil {
			return []byte("simulated tool failure"), err
		}
	}
	return nil, nil
}

func (f *fakeRunner) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, argv := range f.calls {
		if strings.Contains(strings.Join(argv, " "), sub) {
			n++
		}
	}
	return n
}

func TestAcquire_Idempotent(t *testing.T) {
	fr := &fakeRunner{}
	m := environment.NewManager(environment.WithCommandRunner(fr.run))
	ctx := context.Background()
	workdir := t.TempDir()

	env1, err := m.Acquire(ctx, workdir, "python")
	require.NoError(t, err)
	env2, err := m.Acquire(ctx, workdir, "py")
	require.NoError(t, err)

	assert.Same(t, env1, env2, "same key must return the same environment")
	assert.Equal(t, 1, fr.count("venv"), "setup must run exactly once")
	assert.NotEmpty(t, env1.Isolation)
}

func TestAcquire_DistinctKeys(t *testing.T) {
	fr := &fakeRunner{}
	m := environment.NewManager(environment.WithCommandRunner(fr.run))
	ctx := context.Background()

	envA, err := m.Acquire(ctx, t.TempDir(), "python")
	require.NoError(t, err)
	envB, err := m.Acquire(ctx, t.TempDir(), "python")
	require.NoError(t, err)
	assert.NotSame(t, envA, envB)
}

func TestAcquire_Unsupported(t *testing.T) {
	m := environment.NewManager()
	_, err := m.Acquire(context.Background(), t.TempDir(), "fortran")
	require.Error(t, err)
	assert.True(t, errors.Is(err, codexec.ErrUnsupportedLanguage))
}

func TestAcquire_SetupFailureIsTerminal(t *testing.T) {
	fr := &fakeRunner{fail: func(argv []string) error {
		if strings.Contains(strings.Join(argv, " "), "venv") {
			return fmt.Errorf("python3 not found")
		}
		return nil
	}}
	m := environment.NewManager(environment.WithCommandRunner(fr.run))

	_, err := m.Acquire(context.Background(), t.TempDir(), "python")
	require.Error(t, err)
	var ce *environment.CreateError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "python", ce.Language)
	assert.Contains(t, ce.Output, "simulated tool failure")
}

func TestAcquire_ConcurrentSameKey(t *testing.T) {
	fr := &fakeRunner{}
	m := environment.NewManager(environment.WithCommandRunner(fr.run))
	workdir := t.TempDir()

	const n = 8
	envs := make([]*environment.Env, n)
	var wg sync.WaitGroup
	var failed atomic.Bool
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := m.Acquire(context.Background(), workdir, "python")
			if err != nil {
				failed.Store(true)
				return
			}
			envs[i] = env
		}(i)
	}
	wg.Wait()
	require.False(t, failed.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, envs[0], envs[i])
	}
	assert.Equal(t, 1, fr.count("venv"), "first writer wins, setup runs once")
}

func TestEnsureInstalled_Idempotent(t *testing.T) {
	fr := &fakeRunner{}
	m := environment.NewManager(environment.WithCommandRunner(fr.run))
	ctx := context.Background()

	env, err := m.Acquire(ctx, t.TempDir(), "python")
	require.NoError(t, err)

	require.NoError(t, m.EnsureInstalled(ctx, env, []string{"requests"}))
	assert.True(t, env.Installed("requests"))
	assert.Equal(t, 1, fr.count("pip install requests"))

	// Already recorded: no subprocess invocation.
	require.NoError(t, m.EnsureInstalled(ctx, env, []string{"requests"}))
	assert.Equal(t, 1, fr.count("pip install requests"))
}

func TestEnsureInstalled_FailureLeavesPackageUnmarked(t *testing.T) {
	boom := errors.New("exit status 1")
	fr := &fakeRunner{fail: func(argv []string) error {
		if strings.Contains(strings.Join(argv, " "), "leftpad") {
			return boom
		}
		return nil
	}}
	m := environment.NewManager(environment.WithCommandRunner(fr.run))
	ctx := context.Background()

	env, err := m.Acquire(ctx, t.TempDir(), "python")
	require.NoError(t, err)

	err = m.EnsureInstalled(ctx, env, []string{"leftpad"})
	require.Error(t, err)
	var ie *environment.InstallError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "leftpad", ie.Package)
	assert.Contains(t, ie.Output, "simulated tool failure")
	assert.False(t, env.Installed("leftpad"))

	// A later retry re-attempts the installation.
	_ = m.EnsureInstalled(ctx, env, []string{"leftpad"})
	assert.Equal(t, 2, fr.count("install leftpad"))
}

func TestEnsureInstalled_NoEcosystem(t *testing.T) {
	fr := &fakeRunner{}
	m := environment.NewManager(environment.WithCommandRunner(fr.run))
	ctx := context.Background()

	env, err := m.Acquire(ctx, t.TempDir(), "bash")
	require.NoError(t, err)
	require.NoError(t, m.EnsureInstalled(ctx, env, []string{"anything"}))
	assert.Empty(t, fr.calls)
}

func TestInstallCache_SurvivesRestart(t *testing.T) {
	workdir := t.TempDir()
	ctx := context.Background()

	fr1 := &fakeRunner{}
	m1 := environment.NewManager(environment.WithCommandRunner(fr1.run))
	env, err := m1.Acquire(ctx, workdir, "python")
	require.NoError(t, err)
	require.NoError(t, m1.EnsureInstalled(ctx, env, []string{"numpy"}))

	// A fresh Manager in the same workdir inherits the cache from
	// the isolation root's metadata.
	fr2 := &fakeRunner{}
	m2 := environment.NewManager(environment.WithCommandRunner(fr2.run))
	env2, err := m2.Acquire(ctx, workdir, "python")
	require.NoError(t, err)
	assert.True(t, env2.Installed("numpy"))

	require.NoError(t, m2.EnsureInstalled(ctx, env2, []string{"numpy"}))
	assert.Equal(t, 0, fr2.count("pip install numpy"))
}

func TestEnv_Bindings(t *testing.T) {
	fr := &fakeRunner{}
	m := environment.NewManager(environment.WithCommandRunner(fr.run))
	env, err := m.Acquire(context.Background(), t.TempDir(), "python")
	require.NoError(t, err)

	b := env.Bindings()
	assert.Contains(t, b[codexec.PlaceholderPython], "venv")
	assert.Equal(t, env.Isolation, b[codexec.PlaceholderIsolation])
	assert.WithinDuration(t, time.Now(), env.CreatedAt, time.Minute)
}
