// Package signature computes the lightweight file signatures the runner
// compares to decide whether an operation is stale.
//
// A signature is a comparison token plus an existence flag. In timestamp
// mode the token is the last-write time in Unix nanoseconds; in content mode
// it is the xxhash64 of the file content. Two signatures are equal iff their
// tokens and existence flags agree; the path is only a label.
package signature

import (
	"fmt"
	"strings"
)

// Mode selects how tokens are computed.
type Mode uint8

const (
	// ModeTimestamp uses the file's last-write time.
	ModeTimestamp Mode = iota
	// ModeContent uses a hash of the file's bytes.
	ModeContent
)

func (m Mode) String() string {
	switch m {
	case ModeTimestamp:
		return "timestamp"
	case ModeContent:
		return "content"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "timestamp", "mtime":
		return ModeTimestamp, nil
	case "content", "hash":
		return ModeContent, nil
	default:
		return 0, fmt.Errorf("unknown signature mode %q: must be 'timestamp' or 'content'", s)
	}
}

// FileSignature is the state of one path at one point in time.
type FileSignature struct {
	Path   string
	Token  int64
	Exists bool
}

// Missing returns the signature of an absent file.
func Missing(path string) FileSignature {
	return FileSignature{Path: path}
}

// Equal reports whether two signatures describe the same file state.
func (s FileSignature) Equal(o FileSignature) bool {
	return s.Token == o.Token && s.Exists == o.Exists
}

func (s FileSignature) String() string {
	if !s.Exists {
		return s.Path + "@missing"
	}
	return fmt.Sprintf("%s@%d", s.Path, s.Token)
}

// MaxToken returns the largest token among existing files. ok is false when
// none of the signatures refers to an existing file.
func MaxToken(sigs ...[]FileSignature) (max int64, ok bool) {
	for _, list := range sigs {
		for _, s := range list {
			if !s.Exists {
				continue
			}
			if !ok || s.Token > max {
				max, ok = s.Token, true
			}
		}
	}
	return max, ok
}

// MinToken returns the smallest token among existing files.
func MinToken(sigs ...[]FileSignature) (min int64, ok bool) {
	for _, list := range sigs {
		for _, s := range list {
			if !s.Exists {
				continue
			}
			if !ok || s.Token < min {
				min, ok = s.Token, true
			}
		}
	}
	return min, ok
}

// Paths returns the paths of sigs in order.
func Paths(sigs []FileSignature) []string {
	out := make([]string, len(sigs))
	for i, s := range sigs {
		out[i] = s.Path
	}
	return out
}
