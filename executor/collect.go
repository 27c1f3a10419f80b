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
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-codex-go/log"
	atrace "trpc.group/trpc-go/trpc-codex-go/telemetry/trace"
)

// maxCollectFileSize caps a single collected artifact.
const maxCollectFileSize = 10 * 1024 * 1024

// OutputFile is an artifact produced by an execution, matched by a
// collection pattern under the working directory.
type OutputFile struct {
	Name     string
	Content  []byte
	MIMEType string
}

// Collect gathers files under dir matching the doublestar patterns,
// e.g. "*.png" or "out/**/*.csv". Unreadable or oversized files are
// skipped with a log line rather than failing the whole collection.
func (r *Runtime) Collect(ctx context.Context, dir string, patterns []string) ([]OutputFile, error) {
	_, span := atrace.Tracer.Start(ctx, SpanCollect)
	span.SetAttributes(attribute.String(AttrWorkdir, dir))
	defer span.End()

	seen := make(map[string]struct{})
	var names []string
	fsys := os.DirFS(dir)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			names = append(names, m)
		}
	}
	sort.Strings(names)

	var files []OutputFile
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() > maxCollectFileSize {
			log.Warnf("skipping oversized output file %s (%d bytes)", name, info.Size())
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("failed to read output file %s: %v", name, err)
			continue
		}
		files = append(files, OutputFile{
			Name:     name,
			Content:  content,
			MIMEType: detectMIME(name, content),
		})
	}
	span.SetAttributes(attribute.Int(AttrCount, len(files)))
	return files, nil
}

// detectMIME prefers the extension and falls back to content sniffing.
func detectMIME(name string, content []byte) string {
	switch filepath.Ext(name) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".html":
		return "text/html"
	}
	return http.DetectContentType(content)
}
