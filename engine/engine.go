//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package engine is the caller-facing surface of the orchestration
// stack: it wires environments, the executor, the healing controller
// and the session tracker behind a small set of operations.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-codex-go/codexec"
	"trpc.group/trpc-go/trpc-codex-go/environment"
	"trpc.group/trpc-go/trpc-codex-go/executor"
	"trpc.group/trpc-go/trpc-codex-go/healing"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/session"
	atrace "trpc.group/trpc-go/trpc-codex-go/telemetry/trace"
)

const defaultConcurrency = 4

// Engine orchestrates code execution end to end.
type Engine struct {
	envs    *environment.Manager
	rt      *executor.Runtime
	healer  *healing.Controller
	tracker *session.Tracker
	pool    *ants.Pool
}

type options struct {
	collab      healing.Collaborator
	classifier  healing.Classifier
	maxAttempts int
	runTimeout  time.Duration
	concurrency int
	envOpts     []environment.Option
	execOpts    []executor.Option
}

// Option configures an Engine.
type Option func(*options)

// WithCollaborator installs the fix proposer used for self-healing.
func WithCollaborator(c healing.Collaborator) Option {
	return func(o *options) { o.collab = c }
}

// WithClassifier replaces the healing failure classifier.
func WithClassifier(c healing.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithMaxAttempts bounds executions per healing session.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithRunTimeout sets the per-execution timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(o *options) { o.runTimeout = d }
}

// WithConcurrency bounds how many blocks execute at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithEnvironmentOptions forwards options to the environment manager.
func WithEnvironmentOptions(opts ...environment.Option) Option {
	return func(o *options) { o.envOpts = append(o.envOpts, opts...) }
}

// WithExecutorOptions forwards options to the executor runtime.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(o *options) { o.execOpts = append(o.execOpts, opts...) }
}

// New builds an Engine.
func New(opts ...Option) (*Engine, error) {
	o := options{concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := ants.NewPool(o.concurrency)
	if err != nil {
		return nil, fmt.Errorf("create execution pool: %w", err)
	}

	envs := environment.NewManager(o.envOpts...)
	rt := executor.New(o.execOpts...)

	var healOpts []healing.Option
	if o.collab != nil {
		healOpts = append(healOpts, healing.WithCollaborator(o.collab))
	}
	if o.classifier != nil {
		healOpts = append(healOpts, healing.WithClassifier(o.classifier))
	}
	if o.maxAttempts > 0 {
		healOpts = append(healOpts, healing.WithMaxAttempts(o.maxAttempts))
	}
	if o.runTimeout > 0 {
		healOpts = append(healOpts, healing.WithRunTimeout(o.runTimeout))
	}

	return &Engine{
		envs:    envs,
		rt:      rt,
		healer:  healing.New(envs, rt, healOpts...),
		tracker: session.NewTracker(),
		pool:    pool,
	}, nil
}

// Execute runs one code block with self-healing and returns the full
// attempt history. Concurrent callers are bounded by the engine's
// execution pool.
func (e *Engine) Execute(ctx context.Context, language, code, workdir string) (*healing.Session, error) {
	ctx, span := atrace.Tracer.Start(ctx, "codexec.engine.execute")
	span.SetAttributes(attribute.String("codexec.language", language))
	defer span.End()

	reqID := uuid.NewString()
	log.Debugf("execute %s: %s block in %s", reqID, language, workdir)

	var (
		sess *healing.Session
		err  error
		done = make(chan struct{})
	)
	submitErr := e.pool.Submit(func() {
		defer close(done)
		sess, err = e.healer.Heal(ctx, codexec.CodeBlock{
			Language: language,
			Code:     code,
			Workdir:  workdir,
		})
	})
	if submitErr != nil {
		span.SetStatus(codes.Error, submitErr.Error())
		return nil, fmt.Errorf("submit execution: %w", submitErr)
	}
	select {
	case <-done:
	case <-ctx.Done():
		// The worker keeps draining; its Run honors the same ctx.
		<-done
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	log.Infof("execute %s: %s after %d attempt(s)", reqID, sess.State, len(sess.Attempts))
	return sess, nil
}

// ExecuteReply extracts every fenced code block from an assistant
// reply and executes them in order. Blocks in unsupported languages
// are skipped. All sessions that ran are returned, even when a later
// block fails.
func (e *Engine) ExecuteReply(ctx context.Context, markdown, workdir string) ([]*healing.Session, error) {
	ctx, span := atrace.Tracer.Start(ctx, "codexec.engine.execute_reply")
	defer span.End()

	blocks := codexec.ExtractCodeBlocks(markdown)
	span.SetAttributes(attribute.Int("codexec.count", len(blocks)))

	var sessions []*healing.Session
	for _, block := range blocks {
		spec, err := codexec.Resolve(block.Language)
		if err != nil {
			log.Debugf("skipping %q block: %v", block.Language, err)
			continue
		}
		sess, err := e.Execute(ctx, spec.Name, block.Code, workdir)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return sessions, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// StartSpec describes a server to launch: either a raw command, or a
// language whose registry entry provides a dev server.
type StartSpec struct {
	Argv     []string
	Language string
	Port     int
	Workdir  string
	Label    string
}

// StartServer launches a long-running process and tracks it. The
// returned id addresses it in ListSessions and StopSession.
func (e *Engine) StartServer(ctx context.Context, spec StartSpec) (string, error) {
	ctx, span := atrace.Tracer.Start(ctx, "codexec.engine.start_server")
	defer span.End()

	var (
		proc *executor.Process
		err  error
	)
	switch {
	case len(spec.Argv) > 0:
		proc, err = e.rt.Serve(ctx, spec.Workdir, spec.Argv)
	case spec.Language != "":
		var env *environment.Env
		env, err = e.envs.Acquire(ctx, spec.Workdir, spec.Language)
		if err == nil {
			proc, err = e.rt.ServeLanguage(ctx, env, spec.Workdir, spec.Port)
		}
	default:
		err = fmt.Errorf("start server: neither command nor language given")
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	label := spec.Label
	if label == "" {
		label = fmt.Sprintf("%v", proc.Argv)
	}
	return e.tracker.Register(proc, label), nil
}

// ListSessions returns snapshots of every tracked server.
func (e *Engine) ListSessions() []session.Snapshot {
	return e.tracker.List()
}

// GetSession returns one tracked server's snapshot.
func (e *Engine) GetSession(id string) (session.Snapshot, error) {
	return e.tracker.Get(id)
}

// CollectOutputs gathers artifact files under workdir matching the
// doublestar patterns, e.g. "*.png" or "out/**/*.csv".
func (e *Engine) CollectOutputs(ctx context.Context, workdir string, patterns []string) ([]executor.OutputFile, error) {
	return e.rt.Collect(ctx, workdir, patterns)
}

// StopSession terminates a tracked server gracefully.
func (e *Engine) StopSession(id string) (session.Snapshot, error) {
	return e.tracker.Terminate(id)
}

// Close stops every tracked server and releases the pool.
func (e *Engine) Close() {
	e.tracker.Close()
	e.pool.Release()
}
