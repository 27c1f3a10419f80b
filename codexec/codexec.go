//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package codexec defines the language registry and the core value types
// shared by the code execution engine: code blocks, execution results and
// the per-language toolchain descriptors everything else is parameterized
// over.
package codexec

import (
	"fmt"
	"strings"
	"time"
)

// CodeBlock is a single fenced block of source text to be executed.
type CodeBlock struct {
	// Language is the declared or inferred language tag.
	Language string
	// Code is the source text.
	Code string
	// Workdir is the directory the block should execute in.
	Workdir string
}

// ExecutionResult is the full outcome of one execution attempt.
type ExecutionResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Success reports whether the process exited cleanly.
func (r ExecutionResult) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// String formats the result for user display.
func (r ExecutionResult) String() string {
	var b strings.Builder
	switch {
	case r.TimedOut:
		b.WriteString("execution timed out")
	case r.ExitCode == 0:
		b.WriteString("execution succeeded")
	default:
		fmt.Fprintf(&b, "execution failed (exit %d)", r.ExitCode)
	}
	fmt.Fprintf(&b, " in %s", r.Duration.Round(time.Millisecond))
	if r.Stdout != "" {
		b.WriteString("\nstdout:\n")
		b.WriteString(r.Stdout)
	}
	if r.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(r.Stderr)
	}
	if r.Truncated {
		b.WriteString("\n(output truncated)")
	}
	return b.String()
}
