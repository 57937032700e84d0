package monitor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Mode selects how a sandbox policy is applied.
type Mode uint8

const (
	// ModeDisabled launches operations without interception.
	ModeDisabled Mode = iota
	// ModeAdvisory reports every access and never blocks.
	ModeAdvisory
	// ModeEnforcing denies accesses outside the policy.
	ModeEnforcing
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeAdvisory:
		return "advisory"
	case ModeEnforcing:
		return "enforcing"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "advisory":
		return ModeAdvisory, nil
	case "enforcing", "enforce":
		return ModeEnforcing, nil
	case "disabled", "off", "none":
		return ModeDisabled, nil
	}
	return 0, fmt.Errorf("unknown sandbox mode %q (want disabled, advisory or enforcing)", s)
}

// Policy is the sandbox for one operation.
type Policy struct {
	Mode      Mode     `msgpack:"mode"`
	ReadDirs  []string `msgpack:"read_dirs"`
	WriteDirs []string `msgpack:"write_dirs"`
	// AllowRead and AllowWrite are doublestar globs granted in addition to
	// the directories.
	AllowRead  []string `msgpack:"allow_read"`
	AllowWrite []string `msgpack:"allow_write"`
	// Ignore globs are neither checked nor reported.
	Ignore []string `msgpack:"ignore"`
}

// PolicyFor derives a policy whose read directories hold every declared
// path and whose write directories hold the declared outputs.
func PolicyFor(mode Mode, inputs, outputs []string) Policy {
	p := Policy{Mode: mode}
	p.WriteDirs = dirsOf(outputs)
	p.ReadDirs = dirsOf(append(append([]string(nil), inputs...), outputs...))
	return p
}

func dirsOf(paths []string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, p := range paths {
		d := filepath.Dir(filepath.Clean(p))
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Validate checks every glob.
func (p Policy) Validate() error {
	for _, group := range [][]string{p.AllowRead, p.AllowWrite, p.Ignore} {
		for _, g := range group {
			if !doublestar.ValidatePattern(g) {
				return fmt.Errorf("invalid glob %q", g)
			}
		}
	}
	return nil
}

// Ignored reports whether path matches an ignore glob.
func (p Policy) Ignored(path string) bool {
	return matchAny(p.Ignore, path)
}

// Permits reports whether the policy allows kind on path, regardless of
// mode.
func (p Policy) Permits(kind Kind, path string) bool {
	if p.Ignored(path) {
		return true
	}
	if kind.IsWrite() {
		return within(p.WriteDirs, path) || matchAny(p.AllowWrite, path)
	}
	return within(p.ReadDirs, path) || within(p.WriteDirs, path) ||
		matchAny(p.AllowRead, path) || matchAny(p.AllowWrite, path)
}

// Sanctioned reports whether an allow glob grants kind on path. Unlike
// Permits it ignores the directories derived from declared paths.
func (p Policy) Sanctioned(kind Kind, path string) bool {
	if kind.IsWrite() {
		return matchAny(p.AllowWrite, path)
	}
	return matchAny(p.AllowRead, path) || matchAny(p.AllowWrite, path)
}

// Decide returns the outcome the intercepted call gets.
func (p Policy) Decide(kind Kind, path string) Outcome {
	if p.Mode == ModeEnforcing && !p.Permits(kind, path) {
		return OutcomeBlocked
	}
	return OutcomeAllowed
}

func within(dirs []string, path string) bool {
	for _, d := range dirs {
		if d == "/" {
			return true
		}
		if path == d || strings.HasPrefix(path, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func matchAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.PathMatch(g, path); ok {
			return true
		}
	}
	return false
}
