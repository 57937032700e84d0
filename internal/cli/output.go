package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/specialistvlad/forgegrid/internal/opgraph"
	"github.com/specialistvlad/forgegrid/internal/runner"
)

// printer renders command results in the selected output format.
type printer struct {
	w      io.Writer
	format string

	header  *color.Color
	ok      *color.Color
	skipped *color.Color
	failed  *color.Color
	warn    *color.Color
	muted   *color.Color
}

func newPrinter(w io.Writer, format string) *printer {
	enabled := false
	if f, ok := w.(*os.File); ok {
		enabled = isatty.IsTerminal(f.Fd())
	}
	style := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return &printer{
		w:       w,
		format:  format,
		header:  style(color.FgCyan, color.Bold),
		ok:      style(color.FgGreen),
		skipped: style(color.FgHiBlack),
		failed:  style(color.FgRed, color.Bold),
		warn:    style(color.FgYellow),
		muted:   style(color.FgHiBlack),
	}
}

// text reports whether results are rendered for people.
func (p *printer) text() bool { return p.format == "text" }

// document writes v as a single JSON or YAML document.
func (p *printer) document(v any) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("output %q has no document form", p.format)
}

func (p *printer) outcome(o runner.Outcome) string {
	label := fmt.Sprintf("%-13s", o)
	switch o {
	case runner.OutcomeExecuted:
		return p.ok.Sprint(label)
	case runner.OutcomeFailed:
		return p.failed.Sprint(label)
	case runner.OutcomeWouldExecute:
		return p.warn.Sprint(label)
	default:
		return p.skipped.Sprint(label)
	}
}

type operationReport struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Outcome  string `json:"outcome" yaml:"outcome"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
	ExitCode int    `json:"exitCode,omitempty" yaml:"exitCode,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

type warningReport struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Message string `json:"message" yaml:"message"`
}

type runReport struct {
	OK         bool              `json:"ok" yaml:"ok"`
	DryRun     bool              `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
	Duration   string            `json:"duration" yaml:"duration"`
	Executed   int               `json:"executed" yaml:"executed"`
	Skipped    int               `json:"skipped" yaml:"skipped"`
	Failed     int               `json:"failed" yaml:"failed"`
	NotStarted int               `json:"notStarted" yaml:"notStarted"`
	Operations []operationReport `json:"operations" yaml:"operations"`
	Warnings   []warningReport   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Error      string            `json:"error,omitempty" yaml:"error,omitempty"`
}

func newRunReport(res *runner.Result, dryRun bool, runErr error) runReport {
	rep := runReport{
		OK:         runErr == nil && res.OK(),
		DryRun:     dryRun,
		Duration:   res.Duration.Round(time.Millisecond).String(),
		Executed:   len(res.Executed),
		Skipped:    len(res.Skipped),
		Failed:     len(res.Failed),
		NotStarted: len(res.NotStarted),
		Operations: []operationReport{},
	}
	if dryRun {
		rep.Executed = len(res.WouldExecute)
	}
	for _, op := range res.Operations {
		r := operationReport{
			ID:       op.ID.String(),
			Title:    op.Title,
			Outcome:  op.Outcome.String(),
			Reason:   op.Reason,
			ExitCode: op.ExitCode,
		}
		if op.Duration > 0 {
			r.Duration = op.Duration.Round(time.Millisecond).String()
		}
		if op.Err != nil {
			r.Error = op.Err.Error()
		}
		rep.Operations = append(rep.Operations, r)
	}
	for _, w := range res.Warnings {
		rep.Warnings = append(rep.Warnings, warningReport{ID: w.ID.String(), Title: w.Title, Message: w.Message})
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	return rep
}

// summary prints the closing lines of a run in text form.
func (p *printer) summary(res *runner.Result, dryRun bool) {
	for _, w := range res.Warnings {
		fmt.Fprintf(p.w, "%s %s: %s\n", p.warn.Sprint("warning"), w.Title, w.Message)
	}
	ran := fmt.Sprintf("%d executed", len(res.Executed))
	if dryRun {
		ran = fmt.Sprintf("%d would execute", len(res.WouldExecute))
	}
	line := fmt.Sprintf("%s, %d up to date, %d failed, %d not started in %s",
		ran, len(res.Skipped), len(res.Failed), len(res.NotStarted), res.Duration.Round(time.Millisecond))
	if res.OK() {
		fmt.Fprintln(p.w, p.ok.Sprint("✅ ")+line)
	} else {
		fmt.Fprintln(p.w, p.failed.Sprint("❌ ")+line)
	}
}

// progress prints one line per finished operation while a run is going.
type progress struct {
	runner.NopObserver
	p  *printer
	mu sync.Mutex
}

func (o *progress) OperationFinished(res runner.OperationResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	line := fmt.Sprintf("%s %s", o.p.outcome(res.Outcome), res.Title)
	if res.Reason != "" && res.Outcome != runner.OutcomeSkipped {
		line += o.p.muted.Sprintf(" (%s)", res.Reason)
	}
	if res.Err != nil {
		line += ": " + res.Err.Error()
	}
	fmt.Fprintln(o.p.w, line)
}

// graphReport is the document form of an operation graph.
type graphReport struct {
	Roots      []string         `json:"roots" yaml:"roots"`
	Operations []graphOperation `json:"operations" yaml:"operations"`
}

type graphOperation struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title" yaml:"title"`
	Executable string   `json:"executable" yaml:"executable"`
	Arguments  string   `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	WorkingDir string   `json:"workingDir" yaml:"workingDir"`
	Inputs     []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs    []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Children   []string `json:"children,omitempty" yaml:"children,omitempty"`
}

func idStrings(ids []opgraph.OperationID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func newGraphReport(g *opgraph.Graph) graphReport {
	rep := graphReport{Roots: idStrings(g.Roots()), Operations: []graphOperation{}}
	for _, id := range g.TopologicalOrder() {
		op, _ := g.Operation(id)
		rep.Operations = append(rep.Operations, graphOperation{
			ID:         op.ID.String(),
			Title:      op.Title,
			Executable: op.Command.Executable,
			Arguments:  op.Command.Arguments,
			WorkingDir: op.Command.WorkingDir,
			Inputs:     op.DeclaredInput,
			Outputs:    op.DeclaredOutput,
			Children:   idStrings(op.Children),
		})
	}
	return rep
}
