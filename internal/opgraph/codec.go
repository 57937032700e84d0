package opgraph

import (
	"bytes"
	"fmt"

	"github.com/specialistvlad/forgegrid/internal/binfile"
	"github.com/specialistvlad/forgegrid/internal/fsys"
)

var graphMagic = []byte("FGOG")

const (
	graphVersion uint16 = 1
	// minOperationSize is id + four string lengths + three list counts.
	minOperationSize = 8 + 4*4 + 4*3
)

// Encode serializes g into the binary graph format.
func Encode(g *Graph) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("encode graph: nil graph")
	}
	w := binfile.NewWriter(64 + 128*len(g.order))
	w.Raw(graphMagic)
	w.U16(graphVersion)
	w.U16(0)
	w.U32(uint32(len(g.order)))
	for _, id := range g.order {
		op := g.ops[id]
		w.U64(uint64(op.ID))
		w.String(op.Title)
		w.String(op.Command.Executable)
		w.String(op.Command.WorkingDir)
		w.String(op.Command.Arguments)
		w.Strings(op.DeclaredInput)
		w.Strings(op.DeclaredOutput)
		w.U32(uint32(len(op.Children)))
		for _, c := range op.Children {
			w.U64(uint64(c))
		}
	}
	w.U32(uint32(len(g.roots)))
	for _, r := range g.roots {
		w.U64(uint64(r))
	}
	return w.Bytes(), nil
}

// Decode parses a binary graph file and validates it. Every failure is a
// *CorruptGraphError; structural failures wrap the underlying
// *CyclicGraphError, *DanglingReferenceError or *UnreachableOperationError.
func Decode(data []byte) (*Graph, error) {
	r := binfile.NewReader(data)
	magic := r.Raw(len(graphMagic))
	if r.Err() != nil || !bytes.Equal(magic, graphMagic) {
		return nil, &CorruptGraphError{Reason: "bad magic header"}
	}
	version := r.U16()
	flags := r.U16()
	if r.Err() != nil {
		return nil, &CorruptGraphError{Reason: "truncated header", Err: r.Err()}
	}
	if version != graphVersion {
		return nil, &CorruptGraphError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	if flags != 0 {
		return nil, &CorruptGraphError{Reason: fmt.Sprintf("unknown flags %#04x", flags)}
	}

	count := r.Count(minOperationSize)
	ops := make([]*Operation, 0, count)
	seen := make(map[OperationID]struct{}, count)
	for i := 0; i < count && r.Err() == nil; i++ {
		op := &Operation{ID: OperationID(r.U64())}
		op.Title = r.String()
		op.Command.Executable = r.String()
		op.Command.WorkingDir = r.String()
		op.Command.Arguments = r.String()
		op.DeclaredInput = r.Strings()
		op.DeclaredOutput = r.Strings()
		n := r.Count(8)
		op.Children = make([]OperationID, 0, n)
		for j := 0; j < n && r.Err() == nil; j++ {
			op.Children = append(op.Children, OperationID(r.U64()))
		}
		if r.Err() != nil {
			break
		}
		if _, dup := seen[op.ID]; dup {
			return nil, &CorruptGraphError{Reason: fmt.Sprintf("operation %s appears more than once", op.ID)}
		}
		if want := IdentityOf(op.Command); want != op.ID {
			return nil, &CorruptGraphError{Reason: fmt.Sprintf("operation %s does not match its command identity %s", op.ID, want)}
		}
		seen[op.ID] = struct{}{}
		ops = append(ops, op)
	}

	rootCount := r.Count(8)
	roots := make([]OperationID, 0, rootCount)
	for i := 0; i < rootCount && r.Err() == nil; i++ {
		roots = append(roots, OperationID(r.U64()))
	}
	r.ExpectEnd()
	if err := r.Err(); err != nil {
		return nil, &CorruptGraphError{Reason: "malformed body", Err: err}
	}

	g := newGraph(ops, roots)
	if err := g.Validate(); err != nil {
		return nil, &CorruptGraphError{Reason: "invalid structure", Err: err}
	}
	return g, nil
}

// ReadFile loads and decodes a graph file.
func ReadFile(fs fsys.FS, path string) (*Graph, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph %s: %w", path, err)
	}
	g, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", path, err)
	}
	return g, nil
}

// WriteFile encodes g and atomically replaces path.
func WriteFile(fs fsys.FS, path string, g *Graph) error {
	data, err := Encode(g)
	if err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write graph %s: %w", path, err)
	}
	return nil
}
