//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package codexec

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Delimiter defines the start and end markers of a fenced code block,
// used by the regex fallback for non-markdown input.
type Delimiter struct {
	Start string
	End   string
}

// DefaultDelimiter is the standard triple-backtick fence.
var DefaultDelimiter = Delimiter{Start: "```", End: "```"}

var markdown = goldmark.New()

// ExtractCodeBlocks parses an assistant reply as markdown and returns
// every fenced code block with its declared language tag. Blocks with
// no info string get an empty Language.
func ExtractCodeBlocks(input string) []CodeBlock {
	source := []byte(input)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var blocks []CodeBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := fcb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		lang := ""
		if l := fcb.Language(source); l != nil {
			lang = strings.TrimSpace(string(l))
		}
		blocks = append(blocks, CodeBlock{
			Language: lang,
			Code:     buf.String(),
		})
		return ast.WalkContinue, nil
	})
	return blocks
}

// ExtractDelimited extracts code blocks bounded by an explicit
// delimiter pair using regex. It is the fallback for input that is not
// well-formed markdown.
func ExtractDelimited(input string, delimiter Delimiter) []CodeBlock {
	startDelim := regexp.QuoteMeta(delimiter.Start)
	endDelim := regexp.QuoteMeta(delimiter.End)

	pattern := regexp.MustCompile(`(?s)` + startDelim + `([^\n]*)\n(.*?)` + endDelim)

	var blocks []CodeBlock
	for _, match := range pattern.FindAllStringSubmatch(input, -1) {
		if len(match) < 3 {
			continue
		}
		blocks = append(blocks, CodeBlock{
			Language: strings.TrimSpace(match[1]),
			Code:     match[2],
		})
	}
	return blocks
}
