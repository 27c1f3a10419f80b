//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-codex-go/codexec"
	"trpc.group/trpc-go/trpc-codex-go/environment"
	atrace "trpc.group/trpc-go/trpc-codex-go/telemetry/trace"
)

// Process is a long-running child started by Serve. Done is closed
// after the process exits and delivers the Wait error exactly once;
// nobody else may call Wait on Cmd.
type Process struct {
	Cmd  *exec.Cmd
	Argv []string
	Done <-chan error
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.Cmd == nil || p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

// Serve starts a long-running command and waits a short grace period
// to catch immediate failures. On success the process keeps running in
// the background and the caller owns its lifecycle through Process.
func (r *Runtime) Serve(ctx context.Context, workdir string, argv []string) (*Process, error) {
	_, span := atrace.Tracer.Start(ctx, SpanServe)
	span.SetAttributes(attribute.String(AttrWorkdir, workdir))
	defer span.End()

	if len(argv) == 0 {
		err := fmt.Errorf("serve: empty command")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Deliberately not CommandContext: the server outlives the request.
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	cmd.Dir = workdir
	if err := cmd.Start(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		close(done)
	}()

	select {
	case err := <-done:
		msg := fmt.Sprintf("%s exited during startup", argv[0])
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		span.SetStatus(codes.Error, msg)
		return nil, fmt.Errorf("serve: %s", msg)
	case <-time.After(r.serveGrace):
	}

	return &Process{Cmd: cmd, Argv: argv, Done: done}, nil
}

// ServeLanguage starts the language's built-in server, e.g. Python's
// http.server, bound to the given port in workdir.
func (r *Runtime) ServeLanguage(
	ctx context.Context,
	env *environment.Env,
	workdir string,
	port int,
) (*Process, error) {
	if len(env.Spec.ServeArgv) == 0 {
		return nil, fmt.Errorf("serve: %s has no server command", env.Spec.Name)
	}
	bindings := env.Bindings()
	bindings[codexec.PlaceholderPort] = strconv.Itoa(port)
	if workdir == "" {
		workdir = env.Workdir
	}
	return r.Serve(ctx, workdir, codexec.Expand(env.Spec.ServeArgv, bindings))
}
