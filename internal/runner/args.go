package runner

import (
	"fmt"

	"github.com/kballard/go-shellquote"
)

// SplitArguments splits an argument string into words with POSIX shell
// quoting rules. No expansion happens.
func SplitArguments(s string) ([]string, error) {
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("split arguments %q: %w", s, err)
	}
	return args, nil
}
