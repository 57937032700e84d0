package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/specialistvlad/forgegrid/internal/statusfeed"
)

func newStatusCommand(root *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status [url]",
		Short: "Follow the live status feed of a running forgegrid",
		Long: `Status connects to the status feed of another forgegrid process, prints
the updates of its current run and returns when the run finishes. Without
a URL the feed address comes from the status_feed block of the config.

Example:
  forgegrid status http://127.0.0.1:7777
  forgegrid status --follow -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.loadApp(cmd, map[string]string{})
			if err != nil {
				return err
			}
			url := ""
			if len(args) == 1 {
				url = args[0]
			} else if listen := a.Config().StatusFeed.Listen; listen != "" {
				url = "http://" + listen
			}
			if url == "" {
				return usageError("no feed URL given and status_feed.listen is not configured")
			}
			if !strings.Contains(url, "://") {
				url = "http://" + url
			}

			p := newPrinter(root.stdout, root.output)
			var encErr error
			err = statusfeed.Follow(a.Context(cmd.Context()), url, follow, func(u statusfeed.Update) {
				if encErr == nil {
					encErr = printUpdate(p, u)
				}
			})
			if err != nil {
				return err
			}
			return encErr
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep following across runs until interrupted")
	return cmd
}

// printUpdate writes one update: a line of text, a JSON line or a YAML
// document.
func printUpdate(p *printer, u statusfeed.Update) error {
	switch p.format {
	case "json":
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(data))
		return err
	case "yaml":
		data, err := yaml.Marshal(u)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.w, "---\n%s", data)
		return err
	}
	line := u.String()
	switch {
	case u.Type == statusfeed.RunFinished && u.Summary != nil && u.Summary.Failed > 0:
		line = p.failed.Sprint(line)
	case u.Type == statusfeed.RunStarted || u.Type == statusfeed.RunFinished:
		line = p.header.Sprint(line)
	case u.Outcome == "failed":
		line = p.failed.Sprint(line)
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}
