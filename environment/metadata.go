//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package environment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// MetaFileName is the install-cache file at the environment root.
const MetaFileName = "metadata.json"

// Metadata persists the environment's installed-package cache so
// later processes inherit it instead of reinstalling.
type Metadata struct {
	Version   int       `json:"version"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Installed []string  `json:"installed,omitempty"`
}

func loadMetadata(root string) (Metadata, error) {
	b, err := os.ReadFile(filepath.Join(root, MetaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{Version: 1, CreatedAt: time.Now()}, nil
		}
		return Metadata{}, err
	}
	var md Metadata
	if err := json.Unmarshal(b, &md); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// saveMetadataLocked writes the cache atomically. Callers hold env.mu.
func saveMetadataLocked(env *Env) error {
	installed := make([]string, 0, len(env.installed))
	for p := range env.installed {
		installed = append(installed, p)
	}
	sort.Strings(installed)

	md := Metadata{
		Version:   1,
		Language:  env.Spec.Name,
		CreatedAt: env.CreatedAt,
		UpdatedAt: time.Now(),
		Installed: installed,
	}
	buf, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(env.Root, ".metadata.tmp")
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(env.Root, MetaFileName))
}
