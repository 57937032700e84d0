package manifest

import (
	"context"
	"fmt"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
)

// Compile links the operations and builds the graph. Roots are the
// operations without parents.
func (m *Manifest) Compile(ctx context.Context) (*opgraph.Graph, error) {
	logger := ctxlog.FromContext(ctx)
	b := opgraph.NewBuilder()

	ids := make(map[string]opgraph.OperationID, len(m.Operations))
	producers := map[string]*Operation{}
	for _, op := range m.Operations {
		cmd := opgraph.Command{Executable: op.Executable, WorkingDir: op.Dir, Arguments: op.Arguments}
		id, err := b.AddOperation(op.Title, cmd, op.Inputs, op.Outputs)
		if err != nil {
			return nil, fmt.Errorf("%s: operation %q: %w", op.Range, op.Name, err)
		}
		ids[op.Name] = id
		for _, out := range op.Outputs {
			if prev, dup := producers[out]; dup {
				return nil, fmt.Errorf("output %s is declared by both %q and %q", out, prev.Name, op.Name)
			}
			producers[out] = op
		}
	}

	edges := 0
	link := func(parent, child *Operation, how string) error {
		if parent == child {
			return nil
		}
		logger.Debug("Linking operations.", "from", parent.Name, "to", child.Name, "via", how)
		edges++
		return b.AddChild(ids[parent.Name], ids[child.Name])
	}
	byName := make(map[string]*Operation, len(m.Operations))
	for _, op := range m.Operations {
		byName[op.Name] = op
	}

	for _, op := range m.Operations {
		for _, dep := range op.DependsOn {
			parent, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("%s: operation %q depends on unknown operation %q", op.Range, op.Name, dep)
			}
			if err := link(parent, op, "depends_on"); err != nil {
				return nil, err
			}
		}
		for _, ref := range op.refs {
			parent, ok := byName[ref]
			if !ok {
				return nil, fmt.Errorf("%s: operation %q refers to unknown operation %q", op.Range, op.Name, ref)
			}
			if err := link(parent, op, "reference"); err != nil {
				return nil, err
			}
		}
		for _, in := range op.Inputs {
			if parent, ok := producers[in]; ok {
				if err := link(parent, op, "input "+in); err != nil {
					return nil, err
				}
			}
		}
	}

	g, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("compile manifest: %w", err)
	}
	logger.Info("Manifest compiled.", "operations", g.Len(), "edges", edges, "roots", len(g.Roots()))
	return g, nil
}
