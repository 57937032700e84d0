package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/forgegrid/internal/history"
	"github.com/specialistvlad/forgegrid/internal/signature"
)

func newHistoryCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and prune the operation history",
	}
	cmd.AddCommand(newHistoryShowCommand(root))
	cmd.AddCommand(newHistoryPruneCommand(root))
	return cmd
}

type signatureReport struct {
	Path   string `json:"path" yaml:"path"`
	Token  int64  `json:"token" yaml:"token"`
	Exists bool   `json:"exists" yaml:"exists"`
}

type entryReport struct {
	ID              string            `json:"id" yaml:"id"`
	Mode            string            `json:"mode" yaml:"mode"`
	CompletedAt     time.Time         `json:"completedAt" yaml:"completedAt"`
	DeclaredInputs  []signatureReport `json:"declaredInputs" yaml:"declaredInputs"`
	DeclaredOutputs []signatureReport `json:"declaredOutputs" yaml:"declaredOutputs"`
	ObservedInputs  []signatureReport `json:"observedInputs,omitempty" yaml:"observedInputs,omitempty"`
	ObservedOutputs []signatureReport `json:"observedOutputs,omitempty" yaml:"observedOutputs,omitempty"`
}

func signatureReports(sigs []signature.FileSignature) []signatureReport {
	out := make([]signatureReport, len(sigs))
	for i, s := range sigs {
		out[i] = signatureReport{Path: s.Path, Token: s.Token, Exists: s.Exists}
	}
	return out
}

func newEntryReport(e history.Entry) entryReport {
	return entryReport{
		ID:              e.ID.String(),
		Mode:            e.Mode.String(),
		CompletedAt:     time.Unix(0, e.CompletedAt).UTC(),
		DeclaredInputs:  signatureReports(e.DeclaredInputs),
		DeclaredOutputs: signatureReports(e.DeclaredOutputs),
		ObservedInputs:  signatureReports(e.ObservedInputs),
		ObservedOutputs: signatureReports(e.ObservedOutputs),
	}
}

func newHistoryShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the recorded result of every operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.loadApp(cmd, map[string]string{})
			if err != nil {
				return err
			}
			h, err := a.LoadHistory(cmd.Context())
			if err != nil {
				return err
			}

			p := newPrinter(root.stdout, root.output)
			entries := h.Entries()
			if !p.text() {
				reports := make([]entryReport, len(entries))
				for i, e := range entries {
					reports[i] = newEntryReport(e)
				}
				return p.document(map[string]any{"path": a.HistoryPath(), "entries": reports})
			}

			if len(entries) == 0 {
				fmt.Fprintf(p.w, "no history at %s\n", a.HistoryPath())
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(p.w, "%s %s %s\n", p.header.Sprint(e.ID), e.Mode,
					p.muted.Sprint(time.Unix(0, e.CompletedAt).Format(time.RFC3339)))
				for _, s := range e.DeclaredInputs {
					fmt.Fprintf(p.w, "  in   %s\n", s)
				}
				for _, s := range e.DeclaredOutputs {
					fmt.Fprintf(p.w, "  out  %s\n", s)
				}
				if n := len(e.ObservedInputs) + len(e.ObservedOutputs); n > 0 {
					fmt.Fprintf(p.w, "  %s\n", p.muted.Sprintf("%d observed reads, %d observed writes",
						len(e.ObservedInputs), len(e.ObservedOutputs)))
				}
			}
			return nil
		},
	}
}

func newHistoryPruneCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove history entries of operations no longer in the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.loadApp(cmd, map[string]string{})
			if err != nil {
				return err
			}
			removed, err := a.PruneHistory(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(root.stdout, root.output)
			if !p.text() {
				return p.document(map[string]any{"removed": idStrings(removed)})
			}
			fmt.Fprintf(p.w, "%s %d entries\n", p.ok.Sprint("pruned"), len(removed))
			return nil
		},
	}
}
