//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package openai implements the healing collaborator over the OpenAI
// chat completions API, or any compatible endpoint via a base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"trpc.group/trpc-go/trpc-codex-go/healing"
	"trpc.group/trpc-go/trpc-codex-go/log"
)

const (
	defaultModel = "gpt-4o-mini"

	systemPrompt = "You are a code-fixing assistant. You receive a code block " +
		"that failed to execute together with its error output. Respond with a " +
		"corrected version of the code in a single fenced code block and nothing else."
)

// Client proposes fixes through an OpenAI-compatible chat endpoint.
type Client struct {
	client openai.Client
	model  string
}

var _ healing.Collaborator = (*Client)(nil)

type options struct {
	apiKey  string
	baseURL string
	model   string
	extra   []openaiopt.RequestOption
}

// Option configures a Client.
type Option func(*options)

// WithAPIKey sets the API key. Defaults to $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL points the client at a compatible non-OpenAI endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithRequestOptions appends raw request options to the underlying
// client, e.g. retry policy or extra headers.
func WithRequestOptions(opts ...openaiopt.RequestOption) Option {
	return func(o *options) { o.extra = append(o.extra, opts...) }
}

// New creates a collaborator client.
func New(opts ...Option) *Client {
	o := options{model: defaultModel}
	for _, opt := range opts {
		opt(&o)
	}
	if o.apiKey == "" {
		o.apiKey = os.Getenv("OPENAI_API_KEY")
	}

	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	clientOpts = append(clientOpts, o.extra...)

	return &Client{
		client: openai.NewClient(clientOpts...),
		model:  o.model,
	}
}

// ProposeFix sends the failed execution to the model and returns its
// reply text. Transport failures and empty replies map to
// healing.ErrCollaboratorUnavailable.
func (c *Client) ProposeFix(ctx context.Context, req healing.FixRequest) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(req)),
		},
	})
	if err != nil {
		log.Warnf("collaborator: chat completion failed: %v", err)
		return "", errors.Join(healing.ErrCollaboratorUnavailable, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", healing.ErrCollaboratorUnavailable)
	}
	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", healing.ErrCollaboratorUnavailable)
	}
	return reply, nil
}

func userPrompt(req healing.FixRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This %s code failed with exit code %d.\n\n", req.Language, req.ExitCode)
	fmt.Fprintf(&b, "Code:\n```%s\n%s\n```\n\n", req.Language, req.Code)
	if req.Stderr != "" {
		fmt.Fprintf(&b, "Stderr:\n```\n%s\n```\n", req.Stderr)
	}
	if req.Stdout != "" {
		fmt.Fprintf(&b, "Stdout:\n```\n%s\n```\n", req.Stdout)
	}
	b.WriteString("\nFix the code.")
	return b.String()
}
