package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/forgegrid/internal/opgraph"
)

func newGraphCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Compile, inspect and validate the operation graph",
	}
	cmd.AddCommand(newGraphCompileCommand(root))
	cmd.AddCommand(newGraphShowCommand(root))
	cmd.AddCommand(newGraphValidateCommand(root))
	return cmd
}

func newGraphCompileCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compile",
		Short: "Compile the manifest into the graph file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.loadApp(cmd, map[string]string{})
			if err != nil {
				return err
			}
			g, files, err := a.Compile(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(root.stdout, root.output)
			if !p.text() {
				return p.document(map[string]any{
					"graph":      a.GraphPath(),
					"manifest":   files,
					"operations": g.Len(),
				})
			}
			fmt.Fprintf(p.w, "%s %d operations from %d manifest files into %s\n",
				p.ok.Sprint("compiled"), g.Len(), len(files), a.GraphPath())
			return nil
		},
	}
}

func newGraphShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the operations in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.loadApp(cmd, map[string]string{})
			if err != nil {
				return err
			}
			g, _, err := a.LoadGraph(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(root.stdout, root.output)
			if !p.text() {
				return p.document(newGraphReport(g))
			}
			printGraph(p, g)
			return nil
		},
	}
}

func printGraph(p *printer, g *opgraph.Graph) {
	for _, id := range g.TopologicalOrder() {
		op, _ := g.Operation(id)
		fmt.Fprintf(p.w, "%s %s\n", p.header.Sprint(op.Title), p.muted.Sprint(op.ID))
		fmt.Fprintf(p.w, "  run:  %s\n", op.Command)
		fmt.Fprintf(p.w, "  dir:  %s\n", op.Command.WorkingDir)
		if len(op.DeclaredInput) > 0 {
			fmt.Fprintf(p.w, "  in:   %s\n", strings.Join(op.DeclaredInput, " "))
		}
		if len(op.DeclaredOutput) > 0 {
			fmt.Fprintf(p.w, "  out:  %s\n", strings.Join(op.DeclaredOutput, " "))
		}
		if parents := g.Parents(id); len(parents) > 0 {
			titles := make([]string, len(parents))
			for i, pid := range parents {
				parent, _ := g.Operation(pid)
				titles[i] = parent.Title
			}
			fmt.Fprintf(p.w, "  after: %s\n", strings.Join(titles, ", "))
		}
	}
}

func newGraphValidateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the graph for cycles, dangling references and unreachable operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.loadApp(cmd, map[string]string{})
			if err != nil {
				return err
			}
			g, _, err := a.LoadGraph(cmd.Context())
			if err != nil {
				return err
			}
			if err := g.Validate(); err != nil {
				return fmt.Errorf("graph is invalid: %w", err)
			}
			p := newPrinter(root.stdout, root.output)
			if !p.text() {
				return p.document(map[string]any{"valid": true, "operations": g.Len(), "roots": len(g.Roots())})
			}
			fmt.Fprintf(p.w, "%s %d operations, %d roots\n", p.ok.Sprint("valid"), g.Len(), len(g.Roots()))
			return nil
		},
	}
}
