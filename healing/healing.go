//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package healing reruns failed code blocks with remedies applied in
// between: installing packages the runtime reports missing, or asking
// a collaborator model to rewrite the block. The loop is a bounded
// state machine, so every session terminates within the configured
// attempt budget.
package healing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-codex-go/codexec"
	"trpc.group/trpc-go/trpc-codex-go/deps"
	"trpc.group/trpc-go/trpc-codex-go/environment"
	"trpc.group/trpc-go/trpc-codex-go/executor"
	"trpc.group/trpc-go/trpc-codex-go/log"
	atrace "trpc.group/trpc-go/trpc-codex-go/telemetry/trace"
)

// State is the terminal-or-running status of a healing session.
type State string

const (
	StateRunning          State = "running"
	StateSucceeded        State = "succeeded"
	StateExhaustedRetries State = "exhausted_retries"
	StateNonRetryable     State = "non_retryable"
)

// Remedy names what was applied after a failed attempt to produce the
// next one.
type Remedy string

const (
	RemedyNone    Remedy = ""
	RemedyInstall Remedy = "install"
	RemedyRewrite Remedy = "rewrite"
)

// Attempt is one execution within a session: the code that ran, its
// result, and the remedy applied afterwards (none on terminal
// attempts).
type Attempt struct {
	Code     string
	Result   codexec.ExecutionResult
	Remedy   Remedy
	Packages []string
}

// Session is the full record of a healing run.
type Session struct {
	ID       string
	Language string
	Workdir  string
	State    State
	Attempts []Attempt
}

// Final returns the last execution result, zero if nothing ran.
func (s *Session) Final() codexec.ExecutionResult {
	if len(s.Attempts) == 0 {
		return codexec.ExecutionResult{}
	}
	return s.Attempts[len(s.Attempts)-1].Result
}

// ErrCollaboratorUnavailable reports that the collaborator could not
// produce a usable fix: unreachable, empty, or malformed response.
var ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

// FixRequest packages a failed execution for the collaborator.
type FixRequest struct {
	Language string
	Code     string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Collaborator proposes a revised code block for a failed execution.
type Collaborator interface {
	ProposeFix(ctx context.Context, req FixRequest) (string, error)
}

// Classifier inspects a failure's stderr and reports the packages
// whose installation would fix it. ok is false when the failure is
// not setup-fixable.
type Classifier func(language, stderr string) (packages []string, ok bool)

// Controller drives healing sessions over an environment manager and
// an executor runtime.
type Controller struct {
	envs        *environment.Manager
	rt          *executor.Runtime
	collab      Collaborator
	classify    Classifier
	maxAttempts int
	timeout     time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithCollaborator installs a fix proposer for genuine code failures.
// Without one, such failures end the session as non-retryable.
func WithCollaborator(c Collaborator) Option {
	return func(h *Controller) { h.collab = c }
}

// WithClassifier replaces the default failure classifier.
func WithClassifier(c Classifier) Option {
	return func(h *Controller) {
		if c != nil {
			h.classify = c
		}
	}
}

// WithMaxAttempts bounds the number of executions per session.
func WithMaxAttempts(n int) Option {
	return func(h *Controller) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// WithRunTimeout sets the per-execution timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(h *Controller) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a Controller over the given environments and runtime.
func New(envs *environment.Manager, rt *executor.Runtime, opts ...Option) *Controller {
	h := &Controller{
		envs:        envs,
		rt:          rt,
		classify:    DefaultClassifier,
		maxAttempts: 3,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Heal executes the block, applying remedies between attempts until it
// succeeds, the attempt budget runs out, or a failure proves
// non-retryable. The returned session always carries the attempt
// history; the error covers environment and staging problems only.
func (h *Controller) Heal(ctx context.Context, block codexec.CodeBlock) (*Session, error) {
	ctx, span := atrace.Tracer.Start(ctx, "codexec.healing.heal")
	span.SetAttributes(attribute.String("codexec.language", block.Language))
	defer span.End()

	env, err := h.envs.Acquire(ctx, block.Workdir, block.Language)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sess := &Session{
		ID:       uuid.NewString(),
		Language: env.Spec.Name,
		Workdir:  env.Workdir,
		State:    StateRunning,
	}

	// Pre-pass: install what the imports declare before the first run.
	// A failure here is not terminal; the run surfaces what is missing.
	if pkgs := deps.Extract(env.Spec.Name, block.Code); len(pkgs) > 0 {
		if err := h.install(ctx, env, pkgs); err != nil {
			log.Warnf("healing %s: pre-install failed: %v", sess.ID, err)
		}
	}

	code := block.Code
	for attempt := 0; attempt < h.maxAttempts; attempt++ {
		res, err := h.rt.Run(ctx, env, codexec.CodeBlock{
			Language: block.Language,
			Code:     code,
			Workdir:  block.Workdir,
		}, h.timeout)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return sess, err
		}
		rec := Attempt{Code: code, Result: res}

		if res.Success() {
			sess.Attempts = append(sess.Attempts, rec)
			sess.State = StateSucceeded
			break
		}
		if attempt == h.maxAttempts-1 {
			sess.Attempts = append(sess.Attempts, rec)
			sess.State = StateExhaustedRetries
			break
		}

		// A match whose packages are all cached is not setup-fixable:
		// installing again cannot change the outcome, so the failure
		// goes to the collaborator like any genuine one.
		if pkgs, ok := h.classify(env.Spec.Name, res.Stderr); ok && !allInstalled(env, pkgs) {
			if err := h.install(ctx, env, pkgs); err == nil {
				rec.Remedy = RemedyInstall
				rec.Packages = pkgs
				sess.Attempts = append(sess.Attempts, rec)
				log.Infof("healing %s: installed %v, retrying", sess.ID, pkgs)
				continue
			}
			log.Warnf("healing %s: install %v failed, escalating", sess.ID, pkgs)
		}

		fixed, err := h.proposeFix(ctx, env.Spec.Name, code, res)
		if err != nil {
			sess.Attempts = append(sess.Attempts, rec)
			sess.State = StateNonRetryable
			log.Warnf("healing %s: %v", sess.ID, err)
			break
		}
		rec.Remedy = RemedyRewrite
		sess.Attempts = append(sess.Attempts, rec)
		code = fixed
	}

	span.SetAttributes(
		attribute.String("codexec.healing.state", string(sess.State)),
		attribute.Int("codexec.healing.attempts", len(sess.Attempts)),
	)
	if sess.State != StateSucceeded {
		span.SetStatus(codes.Error, string(sess.State))
	}
	return sess, nil
}

func allInstalled(env *environment.Env, pkgs []string) bool {
	for _, p := range pkgs {
		if !env.Installed(p) {
			return false
		}
	}
	return true
}

// install ensures the packages, retrying the installer once on
// failure before giving up.
func (h *Controller) install(ctx context.Context, env *environment.Env, pkgs []string) error {
	err := h.envs.EnsureInstalled(ctx, env, pkgs)
	if err == nil {
		return nil
	}
	var ie *environment.InstallError
	if !errors.As(err, &ie) {
		return err
	}
	log.Warnf("install %v failed once, retrying: %v", pkgs, err)
	return h.envs.EnsureInstalled(ctx, env, pkgs)
}

// proposeFix asks the collaborator for a revised block and extracts
// usable code from its reply.
func (h *Controller) proposeFix(
	ctx context.Context, language, code string, res codexec.ExecutionResult,
) (string, error) {
	if h.collab == nil {
		return "", ErrCollaboratorUnavailable
	}
	reply, err := h.collab.ProposeFix(ctx, FixRequest{
		Language: language,
		Code:     code,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	})
	if err != nil {
		return "", errors.Join(ErrCollaboratorUnavailable, err)
	}
	fixed := replyCode(reply, language)
	if fixed == "" {
		return "", ErrCollaboratorUnavailable
	}
	return fixed, nil
}

// replyCode extracts the first fenced block matching the language from
// a collaborator reply, falling back to the first block of any
// language, then to the raw text.
func replyCode(reply, language string) string {
	blocks := codexec.ExtractCodeBlocks(reply)
	for _, b := range blocks {
		if spec, err := codexec.Resolve(b.Language); err == nil && spec.Name == language {
			return b.Code
		}
	}
	if len(blocks) > 0 {
		return blocks[0].Code
	}
	return strings.TrimSpace(reply)
}
