//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package session tracks long-running server processes started by the
// engine so they can be listed and terminated later.
package session

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-codex-go/executor"
	"trpc.group/trpc-go/trpc-codex-go/log"
)

// State describes a tracked process's lifecycle stage.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateKilled  State = "killed"
)

// ErrNotFound reports an unknown session id.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// Snapshot is a point-in-time view of a tracked process.
type Snapshot struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	Argv      []string      `json:"argv"`
	Pid       int           `json:"pid"`
	State     State         `json:"state"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
}

type tracked struct {
	id        string
	label     string
	proc      *executor.Process
	startedAt time.Time

	mu       sync.Mutex
	state    State
	exitCode int
}

func (t *tracked) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:        t.id,
		Label:     t.label,
		Argv:      t.proc.Argv,
		Pid:       t.proc.Pid(),
		State:     t.state,
		ExitCode:  t.exitCode,
		StartedAt: t.startedAt,
	}
	if t.state == StateRunning {
		s.Uptime = time.Since(t.startedAt)
	}
	return s
}

// Tracker owns the set of live server processes.
type Tracker struct {
	mu        sync.RWMutex
	procs     map[string]*tracked
	killGrace time.Duration
	pool      *ants.Pool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithKillGrace sets how long Terminate waits after SIGTERM before
// escalating to SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.killGrace = d
		}
	}
}

// WithProbePool bounds the concurrency of liveness probes in List.
func WithProbePool(size int) Option {
	return func(t *Tracker) {
		if size <= 0 {
			return
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			log.Warnf("session: failed to create probe pool: %v", err)
			return
		}
		t.pool = pool
	}
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		procs:     make(map[string]*tracked),
		killGrace: 3 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}
	if t.pool == nil {
		pool, err := ants.NewPool(8)
		if err != nil {
			// ants only fails on invalid sizes; fall back to inline probes.
			log.Warnf("session: failed to create probe pool: %v", err)
		}
		t.pool = pool
	}
	return t
}

// Register adopts a started process and begins reaping its exit. The
// returned id addresses the process in List and Terminate.
func (t *Tracker) Register(proc *executor.Process, label string) string {
	tp := &tracked{
		id:        uuid.NewString(),
		label:     label,
		proc:      proc,
		startedAt: time.Now(),
		state:     StateRunning,
	}
	t.mu.Lock()
	t.procs[tp.id] = tp
	t.mu.Unlock()

	go t.reap(tp)
	log.Infof("session %s registered: %v (pid %d)", tp.id, proc.Argv, proc.Pid())
	return tp.id
}

// reap consumes the single Wait result and records the exit.
func (t *Tracker) reap(tp *tracked) {
	err := <-tp.proc.Done
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.state == StateRunning {
		tp.state = StateExited
	}
	if tp.proc.Cmd.ProcessState != nil {
		tp.exitCode = tp.proc.Cmd.ProcessState.ExitCode()
	}
	log.Infof("session %s exited: code=%d err=%v", tp.id, tp.exitCode, err)
}

// List returns snapshots of every tracked process, live and exited.
// Running entries are probed so a process that died without being
// reaped yet still reads as exited.
func (t *Tracker) List() []Snapshot {
	t.mu.RLock()
	all := make([]*tracked, 0, len(t.procs))
	for _, tp := range t.procs {
		all = append(all, tp)
	}
	t.mu.RUnlock()

	snaps := make([]Snapshot, len(all))
	var wg sync.WaitGroup
	for i, tp := range all {
		i, tp := i, tp
		wg.Add(1)
		task := func() {
			defer wg.Done()
			t.probe(tp)
			snaps[i] = tp.snapshot()
		}
		if t.pool != nil {
			if err := t.pool.Submit(task); err == nil {
				continue
			}
		}
		task()
	}
	wg.Wait()
	return snaps
}

// probe confirms a running process is still alive with signal 0.
func (t *Tracker) probe(tp *tracked) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.state != StateRunning {
		return
	}
	if err := tp.proc.Cmd.Process.Signal(syscall.Signal(0)); err != nil {
		tp.state = StateExited
	}
}

// Get returns a snapshot of one tracked process.
func (t *Tracker) Get(id string) (Snapshot, error) {
	t.mu.RLock()
	tp, ok := t.procs[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, &ErrNotFound{ID: id}
	}
	t.probe(tp)
	return tp.snapshot(), nil
}

// Terminate stops a tracked process: SIGTERM, then SIGKILL after the
// grace period. Terminating an already-exited process is not an error;
// the final snapshot reports what happened.
func (t *Tracker) Terminate(id string) (Snapshot, error) {
	t.mu.RLock()
	tp, ok := t.procs[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, &ErrNotFound{ID: id}
	}

	tp.mu.Lock()
	running := tp.state == StateRunning
	tp.mu.Unlock()
	if !running {
		return tp.snapshot(), nil
	}

	if err := tp.proc.Cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone between the state check and the signal.
		t.probe(tp)
		return tp.snapshot(), nil
	}

	select {
	case <-tp.proc.Done:
		tp.mu.Lock()
		if tp.state == StateRunning {
			tp.state = StateExited
		}
		tp.mu.Unlock()
	case <-time.After(t.killGrace):
		log.Warnf("session %s ignored SIGTERM, escalating to SIGKILL", id)
		if err := tp.proc.Cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return tp.snapshot(), fmt.Errorf("terminate session %s: %w", id, err)
		}
		<-tp.proc.Done
		tp.mu.Lock()
		tp.state = StateKilled
		tp.mu.Unlock()
	}
	log.Infof("session %s terminated", id)
	return tp.snapshot(), nil
}

// Remove forgets an exited process. Running processes must be
// terminated first.
func (t *Tracker) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.procs[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	tp.mu.Lock()
	running := tp.state == StateRunning
	tp.mu.Unlock()
	if running {
		return fmt.Errorf("session %s is still running", id)
	}
	delete(t.procs, id)
	return nil
}

// Close terminates every running process and releases the probe pool.
func (t *Tracker) Close() {
	t.mu.RLock()
	ids := make([]string, 0, len(t.procs))
	for id := range t.procs {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	for _, id := range ids {
		if _, err := t.Terminate(id); err != nil {
			log.Warnf("session %s: terminate on close: %v", id, err)
		}
	}
	if t.pool != nil {
		t.pool.Release()
	}
}
