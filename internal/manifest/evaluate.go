package manifest

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/kballard/go-shellquote"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/specialistvlad/forgegrid/internal/opgraph"
	"github.com/specialistvlad/forgegrid/internal/value"
)

// evaluate resolves every block in two passes: directories and outputs
// first, so that the rest can refer to operation.<name>.outputs.
func evaluate(blocks []parsed, opts Options) ([]*Operation, error) {
	base := baseContext(opts)

	ops := make([]*Operation, len(blocks))
	refs := make(map[string]cty.Value, len(blocks))
	for i, p := range blocks {
		b := p.block
		op := &Operation{Name: b.Name, DependsOn: b.DependsOn, Range: b.DeclRange}

		dir, err := evalString(b.Dir, base)
		if err != nil {
			return nil, blockErr(b, "dir", err)
		}
		switch {
		case dir == "":
			op.Dir = p.base
		case filepath.IsAbs(dir):
			op.Dir = filepath.Clean(dir)
		default:
			op.Dir = filepath.Join(p.base, dir)
		}

		outputs, err := evalStrings(b.Outputs, base)
		if err != nil {
			return nil, blockErr(b, "outputs", err)
		}
		for _, o := range outputs {
			op.Outputs = append(op.Outputs, opgraph.NormalizePath(op.Dir, o))
		}

		outVals := make([]cty.Value, len(op.Outputs))
		for j, o := range op.Outputs {
			outVals[j] = cty.StringVal(o)
		}
		outList := cty.ListValEmpty(cty.String)
		if len(outVals) > 0 {
			outList = cty.ListVal(outVals)
		}
		refs[b.Name] = cty.ObjectVal(map[string]cty.Value{
			"name":    cty.StringVal(b.Name),
			"dir":     cty.StringVal(op.Dir),
			"outputs": outList,
		})
		ops[i] = op
	}

	full := base.NewChild()
	full.Variables = map[string]cty.Value{"operation": cty.ObjectVal(refs)}

	for i, p := range blocks {
		b, op := p.block, ops[i]
		var err error
		if op.Title, err = evalString(b.Title, full); err != nil {
			return nil, blockErr(b, "title", err)
		}
		if op.Title == "" {
			op.Title = b.Name
		}
		if op.Executable, err = evalString(b.Command, full); err != nil {
			return nil, blockErr(b, "command", err)
		}
		if op.Executable == "" {
			return nil, blockErr(b, "command", fmt.Errorf("must not be empty"))
		}
		if op.Arguments, err = evalArguments(b.Args, full); err != nil {
			return nil, blockErr(b, "args", err)
		}
		inputs, err := evalStrings(b.Inputs, full)
		if err != nil {
			return nil, blockErr(b, "inputs", err)
		}
		for _, in := range inputs {
			op.Inputs = append(op.Inputs, opgraph.NormalizePath(op.Dir, in))
		}
		for _, expr := range []hcl.Expression{b.Title, b.Command, b.Args, b.Inputs} {
			op.refs = append(op.refs, referencedOperations(expr)...)
		}
	}
	return ops, nil
}

func blockErr(b *operationBlock, attr string, err error) error {
	return fmt.Errorf("%s: operation %q: %s: %w", b.DeclRange, b.Name, attr, err)
}

// baseContext exposes var and env.
func baseContext(opts Options) *hcl.EvalContext {
	vars := cty.EmptyObjectVal
	if len(opts.Variables) > 0 {
		vars = value.TableValue(opts.Variables).Cty()
	}
	env := make(map[string]cty.Value, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{
		"var": vars,
		"env": cty.ObjectVal(env),
	}}
}

func isNullExpr(expr hcl.Expression) bool {
	if expr == nil {
		return true
	}
	v, diags := expr.Value(nil)
	return !diags.HasErrors() && v.IsNull()
}

func evalString(expr hcl.Expression, ctx *hcl.EvalContext) (string, error) {
	if isNullExpr(expr) {
		return "", nil
	}
	v, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return "", diags
	}
	if v.IsNull() {
		return "", nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("cannot convert %s to string: %w", v.Type().FriendlyName(), err)
	}
	return s.AsString(), nil
}

// evalStrings accepts a single string or a collection of strings.
func evalStrings(expr hcl.Expression, ctx *hcl.EvalContext) ([]string, error) {
	if isNullExpr(expr) {
		return nil, nil
	}
	v, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return nil, diags
	}
	if v.IsNull() {
		return nil, nil
	}
	if v.Type() == cty.String {
		return []string{v.AsString()}, nil
	}
	list, err := convert.Convert(v, cty.List(cty.String))
	if err != nil {
		return nil, fmt.Errorf("cannot convert %s to a list of strings: %w", v.Type().FriendlyName(), err)
	}
	var out []string
	for it := list.ElementIterator(); it.Next(); {
		_, el := it.Element()
		if el.IsNull() {
			return nil, fmt.Errorf("list contains null")
		}
		out = append(out, el.AsString())
	}
	return out, nil
}

// evalArguments keeps a string as written and quotes list elements so
// that splitting the result yields them back unchanged.
func evalArguments(expr hcl.Expression, ctx *hcl.EvalContext) (string, error) {
	if isNullExpr(expr) {
		return "", nil
	}
	v, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return "", diags
	}
	if v.IsNull() {
		return "", nil
	}
	if v.Type() == cty.String {
		return v.AsString(), nil
	}
	args, err := evalStrings(hcl.StaticExpr(v, expr.Range()), ctx)
	if err != nil {
		return "", err
	}
	return shellquote.Join(args...), nil
}

// referencedOperations lists the names used as operation.<name>.
func referencedOperations(expr hcl.Expression) []string {
	if expr == nil {
		return nil
	}
	var names []string
	for _, traversal := range expr.Variables() {
		if traversal.RootName() != "operation" || len(traversal) < 2 {
			continue
		}
		if attr, ok := traversal[1].(hcl.TraverseAttr); ok {
			names = append(names, attr.Name)
		}
	}
	return names
}
