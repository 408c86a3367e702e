package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "edgeway"

// applicationTiers orders the application packages of a service. A package
// may import only packages of a lower tier: the tracker and pool know
// nothing of the queue, the queue nothing of routing, and routing nothing
// of the background workers that drive it.
var applicationTiers = map[string]int{
	"":         0,
	"tracker":  1,
	"pool":     1,
	"queue":    2,
	"commands": 3,
	"queries":  3,
	"workers":  4,
}

// applicationThirdParty lists the non-module libraries use cases may use.
var applicationThirdParty = []string{
	"golang.org/x/sync",
}

type violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

// source is one non-test Go file located inside a service.
type source struct {
	path    string
	service string // edgeway/contexts/<context>/<service>
	layer   string
	sub     string // first directory below the layer, if any
}

type rule struct {
	name  string
	layer string
	// breaks reports whether importPath violates the rule for src.
	breaks func(src source, importPath string) bool
}

var rules = []rule{
	{
		name:  "domain may only import the standard library and its own domain",
		layer: "domain",
		breaks: func(src source, importPath string) bool {
			return !isStdlib(importPath) && !hasPrefix(importPath, src.service+"/domain")
		},
	},
	{
		name:  "ports may only depend on the domain",
		layer: "ports",
		breaks: func(src source, importPath string) bool {
			return !isStdlib(importPath) && !hasPrefix(importPath, src.service+"/domain")
		},
	},
	{
		name:  "transport contracts must not import module packages",
		layer: "transport",
		breaks: func(src source, importPath string) bool {
			return strings.HasPrefix(importPath, modulePath+"/") && !hasPrefix(importPath, src.service+"/transport")
		},
	},
	{
		name:  "application must not reach adapters, transport or runtime infrastructure",
		layer: "application",
		breaks: func(src source, importPath string) bool {
			return hasPrefix(importPath, src.service+"/adapters") ||
				hasPrefix(importPath, src.service+"/transport") ||
				strings.HasPrefix(importPath, modulePath+"/internal/")
		},
	},
	{
		name:  "application third-party import is outside the allowlist",
		layer: "application",
		breaks: func(_ source, importPath string) bool {
			return !isStdlib(importPath) && !strings.HasPrefix(importPath, modulePath+"/") && !isAllowed(importPath, applicationThirdParty)
		},
	},
	{
		name:  "application package imports an equal or higher tier",
		layer: "application",
		breaks: func(src source, importPath string) bool {
			target, ok := applicationPackage(src.service, importPath)
			if !ok {
				return false
			}
			from, known := applicationTiers[src.sub]
			to, targetKnown := applicationTiers[target]
			return known && targetKnown && target != src.sub && to >= from
		},
	},
	{
		name:  "adapters must not import sibling adapters",
		layer: "adapters",
		breaks: func(src source, importPath string) bool {
			prefix := src.service + "/adapters/"
			return strings.HasPrefix(importPath, prefix) && !hasPrefix(importPath, prefix+src.sub)
		},
	},
	{
		name:  "adapters must not import background workers",
		layer: "adapters",
		breaks: func(src source, importPath string) bool {
			return hasPrefix(importPath, src.service+"/application/workers")
		},
	},
}

func main() {
	violations := collectViolations("contexts")
	if len(violations) == 0 {
		fmt.Println("boundary checks passed")
		return
	}

	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Import < b.Import
	})

	fmt.Printf("%d boundary violation(s):\n", len(violations))
	for _, v := range violations {
		fmt.Printf("  %s:%d %q: %s\n", v.File, v.Line, v.Import, v.Rule)
	}
	os.Exit(1)
}

func collectViolations(root string) []violation {
	var violations []violation
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		rel, relErr := filepath.Rel(filepath.Dir(root), path)
		if relErr != nil {
			return nil
		}
		src, ok := locate(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		violations = append(violations, checkFile(path, filepath.ToSlash(rel), src)...)
		return nil
	})
	return violations
}

// locate splits contexts/<context>/<service>/<layer>/<sub>/... into a source.
// Files directly under the service, such as module.go, compose every layer
// and are not checked.
func locate(rel string) (source, bool) {
	parts := strings.Split(rel, "/")
	if len(parts) < 5 || parts[0] != "contexts" {
		return source{}, false
	}
	src := source{
		path:    rel,
		service: strings.Join([]string{modulePath, "contexts", parts[1], parts[2]}, "/"),
		layer:   parts[3],
	}
	if len(parts) > 5 {
		src.sub = parts[4]
	}
	return src, true
}

func checkFile(path string, rel string, src source) []violation {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
	if err != nil {
		return []violation{{File: rel, Line: 1, Rule: "file must parse"}}
	}

	var violations []violation
	for _, imp := range file.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		line := fset.Position(imp.Pos()).Line
		report := func(name string) {
			violations = append(violations, violation{File: rel, Line: line, Import: importPath, Rule: name})
		}

		if strings.HasPrefix(importPath, modulePath+"/contexts/") && !hasPrefix(importPath, src.service) {
			report("services must not import other services")
		}
		for _, r := range rules {
			if r.layer == src.layer && r.breaks(src, importPath) {
				report(r.name)
			}
		}
	}
	return violations
}

// applicationPackage returns the application subpackage importPath names,
// "" for the application root itself.
func applicationPackage(service string, importPath string) (string, bool) {
	root := service + "/application"
	if importPath == root {
		return "", true
	}
	if !strings.HasPrefix(importPath, root+"/") {
		return "", false
	}
	rest := strings.TrimPrefix(importPath, root+"/")
	if idx := strings.Index(rest, "/"); idx != -1 {
		rest = rest[:idx]
	}
	return rest, true
}

func hasPrefix(path string, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func isAllowed(importPath string, allowedPrefixes []string) bool {
	for _, p := range allowedPrefixes {
		if hasPrefix(importPath, p) {
			return true
		}
	}
	return false
}

func isStdlib(importPath string) bool {
	if strings.HasPrefix(importPath, modulePath+"/") {
		return false
	}
	first, _, _ := strings.Cut(importPath, "/")
	return !strings.Contains(first, ".")
}
