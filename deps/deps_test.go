//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package deps_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"trpc.group/trpc-go/trpc-codex-go/deps"
)

func TestExtract_Python(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{
			name:   "third party imports",
			source: "import requests\nimport numpy\n",
			want:   []string{"numpy", "requests"},
		},
		{
			name:   "from import",
			source: "from flask import Flask\n",
			want:   []string{"flask"},
		},
		{
			name:   "stdlib only",
			source: "import os\nimport sys\nfrom json import loads\n",
			want:   nil,
		},
		{
			name:   "mixed and deduplicated",
			source: "import os\nimport requests\nfrom requests import get\n",
			want:   []string{"requests"},
		},
		{
			name:   "pip name aliases",
			source: "import cv2\nfrom bs4 import BeautifulSoup\nimport yaml\n",
			want:   []string{"beautifulsoup4", "opencv-python", "pyyaml"},
		},
		{
			name:   "indented import inside function",
			source: "def f():\n    import pandas\n",
			want:   []string{"pandas"},
		},
		{
			name:   "no imports",
			source: "print('hello')\n",
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deps.Extract("python", tt.source))
		})
	}
}

func TestExtract_Node(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{
			name:   "require",
			source: "const express = require('express');\n",
			want:   []string{"express"},
		},
		{
			name:   "esm import",
			source: "import axios from 'axios';\nimport { z } from \"zod\";\n",
			want:   []string{"axios", "zod"},
		},
		{
			name:   "bare import",
			source: "import 'dotenv/config';\n",
			want:   []string{"dotenv"},
		},
		{
			name:   "scoped package",
			source: "import { S3 } from '@aws-sdk/client-s3';\n",
			want:   []string{"@aws-sdk/client-s3"},
		},
		{
			name:   "builtins and node prefix skipped",
			source: "const fs = require('fs');\nimport path from 'node:path';\n",
			want:   nil,
		},
		{
			name:   "relative skipped",
			source: "const util = require('./util');\n",
			want:   nil,
		},
		{
			name:   "subpath collapses to root",
			source: "const merge = require('lodash/merge');\n",
			want:   []string{"lodash"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deps.Extract("javascript", tt.source))
			assert.Equal(t, tt.want, deps.Extract("typescript", tt.source))
		})
	}
}

func TestExtract_Rust(t *testing.T) {
	got := deps.Extract("rust", "use serde::Deserialize;\nuse std::io;\nextern crate rand;\n")
	assert.Equal(t, []string{"rand", "serde"}, got)
}

func TestExtract_NoEcosystem(t *testing.T) {
	assert.Nil(t, deps.Extract("bash", "curl -s example.com | grep import"))
	assert.Nil(t, deps.Extract("html", "<script src='x'></script>"))
	assert.Nil(t, deps.Extract("", "import requests"))
}
