//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package executor stages code blocks into their environment and runs
// them as child processes with timeouts and capped output capture.
// It runs once and reports fully: no retries, no installs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-codex-go/codexec"
	"trpc.group/trpc-go/trpc-codex-go/environment"
	atrace "trpc.group/trpc-go/trpc-codex-go/telemetry/trace"
)

// Span and attribute names for the instrumented executor paths.
const (
	SpanRun     = "codexec.executor.run"
	SpanServe   = "codexec.executor.serve"
	SpanCollect = "codexec.executor.collect"

	AttrLanguage = "codexec.language"
	AttrWorkdir  = "codexec.workdir"
	AttrExitCode = "codexec.exit_code"
	AttrTimedOut = "codexec.timed_out"
	AttrCount    = "codexec.count"
)

const (
	defaultOutputLimit = 64 * 1024 // bytes per stream
	defaultRunTimeout  = 30 * time.Second
	defaultServeGrace  = 1500 * time.Millisecond
	truncationMarker   = "\n... [output truncated]"
	stagedFileBaseName = "block"
)

// Runtime executes staged code blocks on the local host.
type Runtime struct {
	outputLimit int
	timeout     time.Duration
	serveGrace  time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithOutputLimit sets the per-stream capture cap in bytes.
func WithOutputLimit(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.outputLimit = n
		}
	}
}

// WithDefaultTimeout sets the timeout used when a caller passes none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithServeGrace sets how long a served process must survive before
// Serve considers it healthy.
func WithServeGrace(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.serveGrace = d
		}
	}
}

// New creates a local Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		outputLimit: defaultOutputLimit,
		timeout:     defaultRunTimeout,
		serveGrace:  defaultServeGrace,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run stages the block into its environment and executes it, blocking
// until exit or timeout. Exit code 0 is success; non-zero exits,
// signals and timeouts are failures reported in the result, not as an
// error. The returned error covers staging problems only.
func (r *Runtime) Run(
	ctx context.Context,
	env *environment.Env,
	block codexec.CodeBlock,
	timeout time.Duration,
) (codexec.ExecutionResult, error) {
	ctx, span := atrace.Tracer.Start(ctx, SpanRun)
	span.SetAttributes(
		attribute.String(AttrLanguage, env.Spec.Name),
		attribute.String(AttrWorkdir, block.Workdir),
	)
	defer span.End()

	file, err := r.stage(env, block)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return codexec.ExecutionResult{}, err
	}

	bindings := env.Bindings()
	bindings[codexec.PlaceholderFile] = file
	bindings[codexec.PlaceholderBin] = binaryPath(file, env.Spec)

	if timeout <= 0 {
		timeout = r.timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workdir := block.Workdir
	if workdir == "" {
		workdir = env.Workdir
	}

	if env.Spec.Compiled() {
		if res, failed := r.build(tctx, env, workdir, bindings); failed {
			span.SetAttributes(attribute.Int(AttrExitCode, res.ExitCode))
			return res, nil
		}
	}

	argv := codexec.Expand(env.Spec.RunArgv, bindings)
	cmd := exec.CommandContext(tctx, argv[0], argv[1:]...) //nolint:gosec
	cmd.Dir = workdir
	cmd.Env = runEnviron(env.Spec, bindings)

	stdout := newCappedBuffer(r.outputLimit)
	stderr := newCappedBuffer(r.outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	dur := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var ee *exec.ExitError
		switch {
		case errors.Is(tctx.Err(), context.DeadlineExceeded):
			// Killed by timeout; the TimedOut flag carries it.
		case errors.As(runErr, &ee):
			exitCode = ee.ExitCode()
		default:
			// Map other spawn errors to -1 for visibility.
			exitCode = -1
			stderr.append(runErr.Error())
		}
	}

	res := codexec.ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		Duration:  dur,
		TimedOut:  errors.Is(tctx.Err(), context.DeadlineExceeded),
		Truncated: stdout.truncated || stderr.truncated,
	}
	span.SetAttributes(
		attribute.Int(AttrExitCode, res.ExitCode),
		attribute.Bool(AttrTimedOut, res.TimedOut),
	)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	return res, nil
}

// stage writes the block's source into the environment's src dir.
// The name is fixed per language so later attempts overwrite it.
func (r *Runtime) stage(env *environment.Env, block codexec.CodeBlock) (string, error) {
	if err := os.MkdirAll(env.SrcDir(), 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	file := filepath.Join(env.SrcDir(), stagedFileBaseName+env.Spec.Extension)
	if err := os.WriteFile(file, []byte(block.Code), env.Spec.FileMode); err != nil {
		return "", fmt.Errorf("stage %s source: %w", env.Spec.Name, err)
	}
	return file, nil
}

// build runs the compile step. A failed compile is reported as a
// failed execution result carrying the compiler diagnostics.
func (r *Runtime) build(
	ctx context.Context,
	env *environment.Env,
	workdir string,
	bindings map[string]string,
) (codexec.ExecutionResult, bool) {
	argv := codexec.Expand(env.Spec.BuildArgv, bindings)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec
	cmd.Dir = workdir

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err == nil {
		return codexec.ExecutionResult{}, false
	}
	exitCode := -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitCode = ee.ExitCode()
	}
	return codexec.ExecutionResult{
		Stderr:   string(out),
		ExitCode: exitCode,
		Duration: time.Since(start),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}, true
}

func binaryPath(file string, spec codexec.LanguageSpec) string {
	bin := strings.TrimSuffix(file, spec.Extension)
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	return bin
}

// runEnviron builds the child environment: current process env plus
// the spec's expanded extras.
func runEnviron(spec codexec.LanguageSpec, bindings map[string]string) []string {
	env := os.Environ()
	for k, tmpl := range spec.RunEnv {
		v := codexec.Expand([]string{tmpl}, bindings)[0]
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// cappedBuffer captures up to max bytes and flags anything beyond.
// Writes never fail so the child is drained to exit.
type cappedBuffer struct {
	max       int
	buf       strings.Builder
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	switch {
	case room >= len(p):
		b.buf.Write(p)
	case room > 0:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		if len(p) > 0 {
			b.truncated = true
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) append(s string) {
	_, _ = b.Write([]byte(s))
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}
