// Package manifest compiles HCL operation manifests into operation graphs.
//
// A manifest declares operations:
//
//	operation "compile" {
//	  command = "cc"
//	  args    = ["-c", "main.c", "-o", "main.o"]
//	  inputs  = ["main.c", "main.h"]
//	  outputs = ["main.o"]
//	}
//
//	operation "link" {
//	  command = var.ld
//	  args    = "main.o -o app"
//	  inputs  = operation.compile.outputs
//	  outputs = ["app"]
//	}
//
// An operation runs after every operation it names in depends_on, refers to
// through operation.<name>, or whose declared output it declares as input.
// Expressions can read var.<name> from the configured variables and
// env.<NAME> from the environment.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/value"
)

// Options supply the values expressions can refer to.
type Options struct {
	Variables value.Table
	Env       map[string]string
}

// Manifest is the parsed content of one or more manifest files.
type Manifest struct {
	Operations []*Operation
	files      []string
}

// Files returns the manifest files that were read.
func (m *Manifest) Files() []string { return m.files }

// Operation is one operation block after evaluation.
type Operation struct {
	Name       string
	Title      string
	Executable string
	Arguments  string
	Dir        string
	Inputs     []string
	Outputs    []string
	DependsOn  []string
	// refs are operations referenced through operation.<name>.
	refs  []string
	Range hcl.Range
}

type fileRoot struct {
	Operations []*operationBlock `hcl:"operation,block"`
	Remain     hcl.Body          `hcl:",remain"`
}

type operationBlock struct {
	Name      string         `hcl:"name,label"`
	Title     hcl.Expression `hcl:"title,optional"`
	Command   hcl.Expression `hcl:"command"`
	Args      hcl.Expression `hcl:"args,optional"`
	Dir       hcl.Expression `hcl:"dir,optional"`
	Inputs    hcl.Expression `hcl:"inputs,optional"`
	Outputs   hcl.Expression `hcl:"outputs,optional"`
	DependsOn []string       `hcl:"depends_on,optional"`
	DeclRange hcl.Range      `hcl:",def_range"`
}

// parsed keeps a block with the directory its relative paths start from.
type parsed struct {
	block *operationBlock
	base  string
}

// Load parses every .hcl file found under paths and evaluates the
// operation blocks.
func Load(ctx context.Context, paths []string, opts Options) (*Manifest, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no manifest files found in %v", paths)
	}
	logger.Debug("Discovered manifest files.", "count", len(files))

	parser := hclparse.NewParser()
	var blocks []parsed
	names := map[string]hcl.Range{}
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, err
		}
		for _, b := range root.Operations {
			if prev, dup := names[b.Name]; dup {
				return nil, fmt.Errorf("%s: operation %q is already declared at %s", b.DeclRange, b.Name, prev)
			}
			names[b.Name] = b.DeclRange
			blocks = append(blocks, parsed{block: b, base: filepath.Dir(abs)})
		}
	}

	ops, err := evaluate(blocks, opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("Manifest evaluated.", "operations", len(ops))
	return &Manifest{Operations: ops, files: files}, nil
}

// findHCLFiles walks paths and returns every .hcl file once, in lexical
// order within each directory.
func findHCLFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing manifest path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		var found []string
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".hcl" {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	return files, nil
}
