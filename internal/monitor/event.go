package monitor

import (
	"fmt"
)

// Kind classifies an intercepted call.
type Kind uint8

const (
	KindFileOpenRead Kind = iota + 1
	KindFileOpenWrite
	KindFileDelete
	KindFileDeleteOnClose
	KindFileRename
	KindDirectoryCreate
	KindDirectoryRemove
	KindProcessCreate
	KindLibraryLoad
	KindSearchPathProbe
)

var kindNames = map[Kind]string{
	KindFileOpenRead:      "file-open-read",
	KindFileOpenWrite:     "file-open-write",
	KindFileDelete:        "file-delete",
	KindFileDeleteOnClose: "file-delete-on-close",
	KindFileRename:        "file-rename",
	KindDirectoryCreate:   "directory-create",
	KindDirectoryRemove:   "directory-remove",
	KindProcessCreate:     "process-create",
	KindLibraryLoad:       "library-load",
	KindSearchPathProbe:   "search-path-probe",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsWrite reports whether the call mutates the file system.
func (k Kind) IsWrite() bool {
	switch k {
	case KindFileOpenWrite, KindFileDelete, KindFileDeleteOnClose, KindFileRename,
		KindDirectoryCreate, KindDirectoryRemove:
		return true
	}
	return false
}

// IsRead reports whether the call observes file content or existence.
func (k Kind) IsRead() bool {
	switch k {
	case KindFileOpenRead, KindLibraryLoad, KindSearchPathProbe, KindProcessCreate:
		return true
	}
	return false
}

// Outcome is what the intercepted call was told.
type Outcome uint8

const (
	OutcomeAllowed Outcome = iota + 1
	OutcomeBlocked
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeNotFound:
		return "not-found"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Event is one intercepted access. For renames Path is the destination and
// SourcePath the source.
type Event struct {
	Seq        uint64  `msgpack:"seq"`
	Kind       Kind    `msgpack:"kind"`
	Path       string  `msgpack:"path"`
	SourcePath string  `msgpack:"src,omitempty"`
	PID        int     `msgpack:"pid"`
	ParentPID  int     `msgpack:"ppid"`
	Outcome    Outcome `msgpack:"outcome"`
	Timestamp  int64   `msgpack:"ts"`
}

func (e Event) String() string {
	if e.SourcePath != "" {
		return fmt.Sprintf("%s %s -> %s pid=%d %s", e.Kind, e.SourcePath, e.Path, e.PID, e.Outcome)
	}
	return fmt.Sprintf("%s %s pid=%d %s", e.Kind, e.Path, e.PID, e.Outcome)
}

// eventKey identifies an event across redeliveries.
type eventKey struct {
	pid  int
	kind Kind
	path string
	ts   int64
}

func (e Event) key() eventKey {
	return eventKey{pid: e.PID, kind: e.Kind, path: e.Path, ts: e.Timestamp}
}
