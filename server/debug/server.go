//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package debug provides an HTTP inspection surface over the engine:
// executing blocks and managing tracked server sessions from a
// browser or curl during development.
package debug

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-codex-go/codexec"
	"trpc.group/trpc-go/trpc-codex-go/engine"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/session"
)

// Server wraps an Engine with REST endpoints.
type Server struct {
	engine  *engine.Engine
	router  *mux.Router
	workdir string
}

// Option configures the Server.
type Option func(*Server)

// WithDefaultWorkdir sets the working directory used when a request
// does not name one.
func WithDefaultWorkdir(dir string) Option {
	return func(s *Server) { s.workdir = dir }
}

// New creates a debug server over the engine.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		router:  mux.NewRouter(),
		workdir: ".",
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/languages", s.handleLanguages).Methods(http.MethodGet)
	s.router.HandleFunc("/api/execute", s.handleExecute).Methods(http.MethodPost)
	s.router.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sessions", s.handleStartSession).Methods(http.MethodPost)
	s.router.HandleFunc("/api/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sessions/{id}", s.handleStopSession).Methods(http.MethodDelete)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{"languages": codexec.Supported()})
}

type executeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Workdir  string `json:"workdir,omitempty"`
	// Doublestar patterns for output artifacts to report, e.g. "*.png".
	Collect []string `json:"collect,omitempty"`
}

type attemptResponse struct {
	Code     string   `json:"code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	ExitCode int      `json:"exit_code"`
	TimedOut bool     `json:"timed_out"`
	Remedy   string   `json:"remedy,omitempty"`
	Packages []string `json:"packages,omitempty"`
}

type outputFileResponse struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
}

type executeResponse struct {
	ID       string               `json:"id"`
	State    string               `json:"state"`
	Attempts []attemptResponse    `json:"attempts"`
	Duration string               `json:"duration"`
	Outputs  []outputFileResponse `json:"outputs,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Language == "" || req.Code == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("language and code are required"))
		return
	}
	workdir := req.Workdir
	if workdir == "" {
		workdir = s.workdir
	}

	start := time.Now()
	sess, err := s.engine.Execute(r.Context(), req.Language, req.Code, workdir)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, codexec.ErrUnsupportedLanguage) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}

	resp := executeResponse{
		ID:       sess.ID,
		State:    string(sess.State),
		Duration: time.Since(start).String(),
	}
	for _, a := range sess.Attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Code:     a.Code,
			Stdout:   a.Result.Stdout,
			Stderr:   a.Result.Stderr,
			ExitCode: a.Result.ExitCode,
			TimedOut: a.Result.TimedOut,
			Remedy:   string(a.Remedy),
			Packages: a.Packages,
		})
	}
	resp.Outputs = s.collectOutputs(r, workdir, req.Collect)
	s.writeJSON(w, resp)
}

func (s *Server) collectOutputs(r *http.Request, workdir string, patterns []string) []outputFileResponse {
	if len(patterns) == 0 {
		return nil
	}
	files, err := s.engine.CollectOutputs(r.Context(), workdir, patterns)
	if err != nil {
		log.Warnf("debug: collect outputs: %v", err)
		return nil
	}
	out := make([]outputFileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, outputFileResponse{
			Name:     f.Name,
			MIMEType: f.MIMEType,
			Size:     len(f.Content),
		})
	}
	return out
}

type startSessionRequest struct {
	Argv     []string `json:"argv,omitempty"`
	Language string   `json:"language,omitempty"`
	Port     int      `json:"port,omitempty"`
	Workdir  string   `json:"workdir,omitempty"`
	Label    string   `json:"label,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	workdir := req.Workdir
	if workdir == "" {
		workdir = s.workdir
	}
	id, err := s.engine.StartServer(r.Context(), engine.StartSpec{
		Argv:     req.Argv,
		Language: req.Language,
		Port:     req.Port,
		Workdir:  workdir,
		Label:    req.Label,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.engine.ListSessions()
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	s.writeJSON(w, map[string]any{"sessions": snaps})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetSession(mux.Vars(r)["id"])
	if err != nil {
		s.writeNotFoundOr500(w, err)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.StopSession(mux.Vars(r)["id"])
	if err != nil {
		s.writeNotFoundOr500(w, err)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) writeNotFoundOr500(w http.ResponseWriter, err error) {
	var notFound *session.ErrNotFound
	if errors.As(err, &notFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
