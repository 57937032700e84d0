package history

import (
	"bytes"
	"fmt"

	"github.com/specialistvlad/forgegrid/internal/binfile"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
	"github.com/specialistvlad/forgegrid/internal/signature"
)

var historyMagic = []byte("FGOH")

const (
	historyVersion uint16 = 1
	// minEntrySize is id + mode + completed-at + four list counts.
	minEntrySize = 8 + 1 + 8 + 4*4
	// minSignatureSize is path length + token + exists flag.
	minSignatureSize = 4 + 8 + 1
)

// CorruptHistoryError reports a malformed history file.
type CorruptHistoryError struct {
	Reason string
	Err    error
}

func (e *CorruptHistoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt history: %s: %v", e.Reason, e.Err)
	}
	return "corrupt history: " + e.Reason
}

func (e *CorruptHistoryError) Unwrap() error { return e.Err }

// Encode serializes h. Entries are written in identity order, so equal
// histories always produce equal bytes.
func Encode(h *History) ([]byte, error) {
	if h == nil {
		return nil, fmt.Errorf("encode history: nil history")
	}
	entries := h.Entries()
	w := binfile.NewWriter(64 + 256*len(entries))
	w.Raw(historyMagic)
	w.U16(historyVersion)
	w.U16(0)
	w.U32(uint32(len(entries)))
	for _, e := range entries {
		w.U64(uint64(e.ID))
		w.U8(uint8(e.Mode))
		w.I64(e.CompletedAt)
		writeSigs(w, e.DeclaredInputs)
		writeSigs(w, e.DeclaredOutputs)
		writeSigs(w, e.ObservedInputs)
		writeSigs(w, e.ObservedOutputs)
	}
	return w.Bytes(), nil
}

func writeSigs(w *binfile.Writer, sigs []signature.FileSignature) {
	w.U32(uint32(len(sigs)))
	for _, s := range sigs {
		w.String(s.Path)
		w.I64(s.Token)
		w.Bool(s.Exists)
	}
}

// Decode parses a history file. Any failure is a *CorruptHistoryError.
func Decode(data []byte) (*History, error) {
	r := binfile.NewReader(data)
	magic := r.Raw(len(historyMagic))
	if r.Err() != nil || !bytes.Equal(magic, historyMagic) {
		return nil, &CorruptHistoryError{Reason: "bad magic header"}
	}
	version := r.U16()
	flags := r.U16()
	if r.Err() != nil {
		return nil, &CorruptHistoryError{Reason: "truncated header", Err: r.Err()}
	}
	if version != historyVersion {
		return nil, &CorruptHistoryError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	if flags != 0 {
		return nil, &CorruptHistoryError{Reason: fmt.Sprintf("unknown flags %#04x", flags)}
	}

	h := New()
	count := r.Count(minEntrySize)
	for i := 0; i < count && r.Err() == nil; i++ {
		e := Entry{ID: opgraph.OperationID(r.U64())}
		mode := r.U8()
		e.CompletedAt = r.I64()
		e.DeclaredInputs = readSigs(r)
		e.DeclaredOutputs = readSigs(r)
		e.ObservedInputs = readSigs(r)
		e.ObservedOutputs = readSigs(r)
		if r.Err() != nil {
			break
		}
		if mode > uint8(signature.ModeContent) {
			return nil, &CorruptHistoryError{Reason: fmt.Sprintf("entry %s has unknown signature mode %d", e.ID, mode)}
		}
		e.Mode = signature.Mode(mode)
		if _, dup := h.entries[e.ID]; dup {
			return nil, &CorruptHistoryError{Reason: fmt.Sprintf("entry %s appears more than once", e.ID)}
		}
		h.entries[e.ID] = e
	}
	r.ExpectEnd()
	if err := r.Err(); err != nil {
		return nil, &CorruptHistoryError{Reason: "malformed body", Err: err}
	}
	return h, nil
}

func readSigs(r *binfile.Reader) []signature.FileSignature {
	n := r.Count(minSignatureSize)
	out := make([]signature.FileSignature, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		s := signature.FileSignature{Path: r.String()}
		s.Token = r.I64()
		s.Exists = r.Bool()
		out = append(out, s)
	}
	return out
}
