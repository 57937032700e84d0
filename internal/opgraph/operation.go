package opgraph

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// OperationID is the stable identity of an operation.
type OperationID uint64

func (id OperationID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// ParseOperationID parses the hexadecimal form produced by String.
func ParseOperationID(s string) (OperationID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid operation id %q: %w", s, err)
	}
	return OperationID(v), nil
}

// Command is a single process invocation.
type Command struct {
	Executable string
	WorkingDir string
	Arguments  string
}

func (c Command) String() string {
	if c.Arguments == "" {
		return c.Executable
	}
	return c.Executable + " " + c.Arguments
}

// Operation is one node of the graph. Values handed out by a Graph are
// shared and must be treated as read-only.
type Operation struct {
	ID             OperationID
	Title          string
	Command        Command
	DeclaredInput  []string
	DeclaredOutput []string
	Children       []OperationID
}

// IdentityOf derives the operation identity from its command. Each field is
// length-prefixed so that moving bytes between fields changes the result.
func IdentityOf(cmd Command) OperationID {
	h := xxhash.New()
	var lenBuf [8]byte
	for _, field := range []string{cmd.WorkingDir, cmd.Executable, cmd.Arguments} {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(field)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.WriteString(field)
	}
	return OperationID(h.Sum64())
}

// NormalizePath resolves p against workingDir when it is relative and cleans
// the result.
func NormalizePath(workingDir, p string) string {
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) && workingDir != "" {
		p = filepath.Join(workingDir, p)
	}
	return filepath.Clean(p)
}

// normalizePaths normalizes every path and drops duplicates, keeping the
// first occurrence.
func normalizePaths(workingDir string, paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		n := NormalizePath(workingDir, p)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// clone returns a deep copy of op.
func (op *Operation) clone() *Operation {
	c := *op
	c.DeclaredInput = append([]string(nil), op.DeclaredInput...)
	c.DeclaredOutput = append([]string(nil), op.DeclaredOutput...)
	c.Children = append([]OperationID(nil), op.Children...)
	return &c
}
