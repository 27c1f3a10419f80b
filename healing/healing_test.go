//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package healing_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/codexec"
	"trpc.group/trpc-go/trpc-codex-go/environment"
	"trpc.group/trpc-go/trpc-codex-go/executor"
	"trpc.group/trpc-go/trpc-codex-go/healing"
)

type fakeCollab struct {
	reply string
	err   error
	calls int
	reqs  []healing.FixRequest
}

func (f *fakeCollab) ProposeFix(_ context.Context, req healing.FixRequest) (string, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available in test environment")
	}
}

func newController(t *testing.T, opts ...healing.Option) *healing.Controller {
	t.Helper()
	return healing.New(environment.NewManager(), executor.New(), opts...)
}

func TestHeal_SucceedsFirstTry(t *testing.T) {
	requireBash(t)
	collab := &fakeCollab{}
	h := newController(t, healing.WithCollaborator(collab))

	sess, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "bash",
		Code:     "echo all good",
		Workdir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, healing.StateSucceeded, sess.State)
	require.Len(t, sess.Attempts, 1)
	require.Equal(t, healing.RemedyNone, sess.Attempts[0].Remedy)
	require.Contains(t, sess.Final().Stdout, "all good")
	require.Zero(t, collab.calls)
}

func TestHeal_CollaboratorRewrite(t *testing.T) {
	requireBash(t)
	collab := &fakeCollab{reply: "Try this instead:\n```bash\necho fixed\n```\n"}
	h := newController(t, healing.WithCollaborator(collab))

	sess, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "bash",
		Code:     "echo broken >&2\nexit 7",
		Workdir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, healing.StateSucceeded, sess.State)
	require.Len(t, sess.Attempts, 2)
	require.Equal(t, healing.RemedyRewrite, sess.Attempts[0].Remedy)
	require.Equal(t, 7, sess.Attempts[0].Result.ExitCode)
	require.Contains(t, sess.Final().Stdout, "fixed")

	require.Equal(t, 1, collab.calls)
	require.Equal(t, "bash", collab.reqs[0].Language)
	require.Equal(t, 7, collab.reqs[0].ExitCode)
	require.Contains(t, collab.reqs[0].Stderr, "broken")
}

func TestHeal_RawTextReply(t *testing.T) {
	requireBash(t)
	collab := &fakeCollab{reply: "echo unfenced fix\n"}
	h := newController(t, healing.WithCollaborator(collab))

	sess, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "bash",
		Code:     "exit 1",
		Workdir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, healing.StateSucceeded, sess.State)
	require.Contains(t, sess.Final().Stdout, "unfenced fix")
}

func TestHeal_CollaboratorUnavailable(t *testing.T) {
	requireBash(t)
	collab := &fakeCollab{err: context.DeadlineExceeded}
	h := newController(t, healing.WithCollaborator(collab))

	sess, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "bash",
		Code:     "echo doomed >&2\nexit 3",
		Workdir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, healing.StateNonRetryable, sess.State)
	require.Len(t, sess.Attempts, 1)
	require.Equal(t, 3, sess.Final().ExitCode)
	require.Contains(t, sess.Final().Stderr, "doomed")
}

func TestHeal_NoCollaborator(t *testing.T) {
	requireBash(t)
	h := newController(t)

	sess, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "bash",
		Code:     "exit 1",
		Workdir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, healing.StateNonRetryable, sess.State)
	require.Len(t, sess.Attempts, 1)
}

func TestHeal_ExhaustsRetries(t *testing.T) {
	requireBash(t)
	collab := &fakeCollab{reply: "```bash\nexit 1\n```"}
	h := newController(t,
		healing.WithCollaborator(collab),
		healing.WithMaxAttempts(3),
	)

	sess, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "bash",
		Code:     "exit 1",
		Workdir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, healing.StateExhaustedRetries, sess.State)
	require.Len(t, sess.Attempts, 3)
	require.Equal(t, 2, collab.calls, "terminal attempt must not consult the collaborator")
	require.Equal(t, healing.RemedyNone, sess.Attempts[2].Remedy)
}

func TestHeal_UnsupportedLanguage(t *testing.T) {
	h := newController(t)
	_, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "cobol",
		Code:     "DISPLAY 'HI'.",
		Workdir:  t.TempDir(),
	})
	require.ErrorIs(t, err, codexec.ErrUnsupportedLanguage)
}

// plantFailingPython builds a python environment through a stubbed
// command runner (counting pip invocations) and plants an interpreter
// that always reports the given module as missing.
func plantFailingPython(t *testing.T, workdir, module string) (*environment.Manager, *int) {
	t.Helper()
	requireBash(t)

	installCalls := new(int)
	mgr := environment.NewManager(environment.WithCommandRunner(
		func(_ context.Context, _ string, argv []string) ([]byte, error) {
			if len(argv) > 2 && argv[2] == "pip" {
				*installCalls++
			}
			return nil, nil
		},
	))
	env, err := mgr.Acquire(context.Background(), workdir, "python")
	require.NoError(t, err)

	// The stubbed runner created no venv; plant a fake interpreter.
	interp := env.Bindings()[codexec.PlaceholderPython]
	require.NoError(t, os.MkdirAll(filepath.Dir(interp), 0o755))
	script := "#!/bin/bash\necho \"ModuleNotFoundError: No module named '" + module + "'\" >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(interp, []byte(script), 0o755))
	return mgr, installCalls
}

// TestHeal_InstallRemedy: the interpreter reports a module the code
// never imported, so the pre-pass cached nothing and the first failure
// takes the install path without consulting the collaborator.
func TestHeal_InstallRemedy(t *testing.T) {
	workdir := t.TempDir()
	mgr, installCalls := plantFailingPython(t, workdir, "leftpad")

	collab := &fakeCollab{reply: "```python\nprint('hi')\n```"}
	h := healing.New(mgr, executor.New(),
		healing.WithCollaborator(collab),
		healing.WithMaxAttempts(2),
		healing.WithRunTimeout(10*time.Second),
	)

	sess, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "python",
		Code:     "print(leftpad.pad('x', 3))",
		Workdir:  workdir,
	})
	require.NoError(t, err)
	require.Equal(t, healing.StateExhaustedRetries, sess.State)
	require.Len(t, sess.Attempts, 2)
	require.Equal(t, healing.RemedyInstall, sess.Attempts[0].Remedy)
	require.Equal(t, []string{"leftpad"}, sess.Attempts[0].Packages)
	require.Zero(t, collab.calls)
	require.Equal(t, 1, *installCalls)
}

// TestHeal_CachedInstallEscalates: once the classifier's packages are
// all recorded installed, re-installing cannot change the outcome, so
// later identical failures go to the collaborator instead of looping
// on no-op installs.
func TestHeal_CachedInstallEscalates(t *testing.T) {
	workdir := t.TempDir()
	mgr, installCalls := plantFailingPython(t, workdir, "leftpad")

	collab := &fakeCollab{reply: "```python\nprint('rewritten')\n```"}
	h := healing.New(mgr, executor.New(),
		healing.WithCollaborator(collab),
		healing.WithMaxAttempts(4),
		healing.WithRunTimeout(10*time.Second),
	)

	sess, err := h.Heal(context.Background(), codexec.CodeBlock{
		Language: "python",
		Code:     "print(leftpad.pad('x', 3))",
		Workdir:  workdir,
	})
	require.NoError(t, err)
	require.Equal(t, healing.StateExhaustedRetries, sess.State)
	require.Len(t, sess.Attempts, 4)

	remedies := make([]healing.Remedy, 0, len(sess.Attempts))
	for _, a := range sess.Attempts {
		remedies = append(remedies, a.Remedy)
	}
	require.Equal(t, []healing.Remedy{
		healing.RemedyInstall,
		healing.RemedyRewrite,
		healing.RemedyRewrite,
		healing.RemedyNone,
	}, remedies)
	require.Equal(t, 1, *installCalls, "leftpad is installed exactly once")
	require.Equal(t, 2, collab.calls)
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name     string
		language string
		stderr   string
		want     []string
		ok       bool
	}{
		{
			name:     "python missing module",
			language: "python",
			stderr:   "Traceback (most recent call last):\n  ...\nModuleNotFoundError: No module named 'requests'",
			want:     []string{"requests"},
			ok:       true,
		},
		{
			name:     "python dotted submodule",
			language: "python",
			stderr:   "ModuleNotFoundError: No module named 'matplotlib.pyplot'",
			want:     []string{"matplotlib"},
			ok:       true,
		},
		{
			name:     "python import alias",
			language: "python",
			stderr:   "ModuleNotFoundError: No module named 'cv2'",
			want:     []string{"opencv-python"},
			ok:       true,
		},
		{
			name:     "python stdlib is not installable",
			language: "python",
			stderr:   "ModuleNotFoundError: No module named 'json'",
			ok:       false,
		},
		{
			name:     "node missing module",
			language: "javascript",
			stderr:   "Error: Cannot find module 'axios'\nRequire stack:\n- /tmp/block.js",
			want:     []string{"axios"},
			ok:       true,
		},
		{
			name:     "node esm missing package",
			language: "javascript",
			stderr:   "Error [ERR_MODULE_NOT_FOUND]: Cannot find package 'chalk' imported from /tmp/block.js",
			want:     []string{"chalk"},
			ok:       true,
		},
		{
			name:     "node relative path is not installable",
			language: "javascript",
			stderr:   "Error: Cannot find module './helper'",
			ok:       false,
		},
		{
			name:     "node builtin is not installable",
			language: "javascript",
			stderr:   "Error: Cannot find module 'fs'",
			ok:       false,
		},
		{
			name:     "typescript shares node patterns",
			language: "typescript",
			stderr:   "Error: Cannot find module 'lodash'",
			want:     []string{"lodash"},
			ok:       true,
		},
		{
			name:     "no ecosystem",
			language: "bash",
			stderr:   "bash: line 1: frobnicate: command not found",
			ok:       false,
		},
		{
			name:     "ordinary failure",
			language: "python",
			stderr:   "ZeroDivisionError: division by zero",
			ok:       false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := healing.DefaultClassifier(tt.language, tt.stderr)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSessionFinal_Empty(t *testing.T) {
	var sess healing.Session
	require.Zero(t, sess.Final())
}
