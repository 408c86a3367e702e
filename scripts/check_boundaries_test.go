package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeGoFile(t *testing.T, root string, rel string, body string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func ruleCounts(violations []violation) map[string]int {
	counts := map[string]int{}
	for _, v := range violations {
		counts[v.Rule]++
	}
	return counts
}

func TestCollectViolationsFlagsLayerBreaks(t *testing.T) {
	root := filepath.Join(t.TempDir(), "contexts")
	writeGoFile(t, root, "edge/router/domain/entities/a.go", `package entities

import _ "edgeway/contexts/edge/router/adapters/memory"
`)
	writeGoFile(t, root, "edge/router/application/b.go", `package application

import (
	_ "edgeway/internal/platform/db"
	_ "golang.org/x/sync/errgroup"
	_ "gorm.io/gorm"
)
`)
	writeGoFile(t, root, "edge/router/ports/c.go", `package ports

import _ "edgeway/contexts/edge/router/application"
`)
	writeGoFile(t, root, "edge/router/adapters/memory/d.go", `package memory

import _ "edgeway/contexts/other/service/ports"
`)
	writeGoFile(t, root, "edge/router/transport/http/e.go", `package http

import _ "edgeway/contexts/edge/router/domain/entities"
`)

	violations := collectViolations(root)
	counts := ruleCounts(violations)
	expected := map[string]int{
		"domain may only import the standard library and its own domain":           1,
		"application must not reach adapters, transport or runtime infrastructure": 1,
		"application third-party import is outside the allowlist":                  1,
		"ports may only depend on the domain":                                      1,
		"services must not import other services":                                  1,
		"transport contracts must not import module packages":                      1,
	}
	for name, want := range expected {
		if counts[name] != want {
			t.Fatalf("expected %d violation(s) of %q, got %+v", want, name, violations)
		}
	}
	for _, v := range violations {
		if v.Import == "golang.org/x/sync/errgroup" {
			t.Fatalf("expected errgroup to be allowed in application, got %+v", v)
		}
	}
}

func TestApplicationTiersFlowDownward(t *testing.T) {
	root := filepath.Join(t.TempDir(), "contexts")
	writeGoFile(t, root, "edge/router/application/commands/a.go", `package commands

import (
	_ "edgeway/contexts/edge/router/application/queue"
	_ "edgeway/contexts/edge/router/application/workers"
)
`)
	writeGoFile(t, root, "edge/router/application/queue/b.go", `package queue

import (
	_ "edgeway/contexts/edge/router/application"
	_ "edgeway/contexts/edge/router/application/pool"
	_ "edgeway/contexts/edge/router/application/tracker"
)
`)
	writeGoFile(t, root, "edge/router/application/queries/c.go", `package queries

import _ "edgeway/contexts/edge/router/application/commands"
`)

	violations := collectViolations(root)
	if len(violations) != 2 {
		t.Fatalf("expected 2 tier violations, got %+v", violations)
	}
	for _, v := range violations {
		if v.Rule != "application package imports an equal or higher tier" {
			t.Fatalf("expected tier rule, got %+v", v)
		}
	}
	if violations[0].Import != "edgeway/contexts/edge/router/application/workers" && violations[1].Import != "edgeway/contexts/edge/router/application/workers" {
		t.Fatalf("expected commands importing workers flagged, got %+v", violations)
	}
}

func TestAdaptersStayIndependent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "contexts")
	writeGoFile(t, root, "edge/router/adapters/http/a.go", `package http

import (
	_ "edgeway/contexts/edge/router/adapters/memory"
	_ "edgeway/contexts/edge/router/application/commands"
	_ "edgeway/contexts/edge/router/application/workers"
	_ "edgeway/contexts/edge/router/transport/http"
	_ "edgeway/internal/platform/messaging"
)
`)

	counts := ruleCounts(collectViolations(root))
	if counts["adapters must not import sibling adapters"] != 1 {
		t.Fatalf("expected sibling adapter violation, got %+v", counts)
	}
	if counts["adapters must not import background workers"] != 1 {
		t.Fatalf("expected workers violation, got %+v", counts)
	}
	if len(counts) != 2 {
		t.Fatalf("expected only the two adapter rules, got %+v", counts)
	}
}

func TestCollectViolationsAcceptsCleanTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "contexts")
	writeGoFile(t, root, "edge/router/domain/services/a.go", `package services

import (
	"time"

	_ "edgeway/contexts/edge/router/domain/entities"
)

var _ = time.Second
`)
	writeGoFile(t, root, "edge/router/application/queue/b.go", `package queue

import _ "edgeway/contexts/edge/router/ports"
`)
	writeGoFile(t, root, "edge/router/transport/http/c.go", `package http

import "encoding/json"

var _ = json.Marshal
`)
	writeGoFile(t, root, "edge/router/module.go", `package router

import _ "edgeway/contexts/edge/router/adapters/memory"
`)
	if violations := collectViolations(root); len(violations) != 0 {
		t.Fatalf("expected no violations, got %+v", violations)
	}
}
