//go:build linux && amd64

package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"golang.org/x/sys/unix"
)

// DefaultInterceptor returns the ptrace tracer.
func DefaultInterceptor() Interceptor { return &Tracer{} }

const maxPathLen = unix.PathMax

var errEmptyPath = errors.New("empty path")

// Tracer intercepts file and process system calls of a process tree with
// ptrace. It follows fork, vfork and clone, so every descendant is traced
// under the same gate.
type Tracer struct{}

type tracee struct {
	pid       int
	ppid      int
	fresh     bool // auto-attached, initial SIGSTOP not yet seen
	inSyscall bool
	call      *pendingCall
}

type pendingCall struct {
	ev     Event
	denied bool
	// probe calls only report failures, as search-path probes.
	probe bool
}

type traceState struct {
	gate  Gate
	procs map[int]*tracee
}

// Run implements Interceptor.
func (t *Tracer) Run(ctx context.Context, argv []string, gate Gate) (int, error) {
	logger := ctxlog.FromContext(ctx)
	// Every ptrace request must come from the thread that attached.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	self := os.Getpid()
	cmd := exec.Command(argv[0], argv[1:]...)
	if cmd.Err != nil {
		gate.Record(Event{
			Kind: KindSearchPathProbe, Path: argv[0], PID: self, ParentPID: os.Getppid(),
			Outcome: OutcomeNotFound, Timestamp: time.Now().UnixNano(),
		})
		return exitNotFound, cmd.Err
	}
	path := cmd.Path
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if gate.Decide(KindProcessCreate, path) == OutcomeBlocked {
		gate.Record(Event{
			Kind: KindProcessCreate, Path: path, PID: self, ParentPID: os.Getppid(),
			Outcome: OutcomeBlocked, Timestamp: time.Now().UnixNano(),
		})
		return exitNotExecutable, fmt.Errorf("%s: %w", path, os.ErrPermission)
	}

	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return exitNotExecutable, err
	}
	root := cmd.Process.Pid
	defer func() { _ = cmd.Process.Release() }()

	// The tracee stops with SIGTRAP right after its exec.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(root, &ws, unix.WALL, nil); err != nil {
		return -1, fmt.Errorf("wait for tracee: %w", err)
	}
	opts := unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_EXITKILL
	if err := unix.PtraceSetOptions(root, opts); err != nil {
		_ = unix.Kill(root, unix.SIGKILL)
		return -1, fmt.Errorf("ptrace options: %w", err)
	}

	st := &traceState{gate: gate, procs: map[int]*tracee{root: {pid: root, ppid: self}}}
	gate.Record(Event{
		Kind: KindProcessCreate, Path: path, PID: root, ParentPID: self,
		Outcome: OutcomeAllowed, Timestamp: time.Now().UnixNano(),
	})
	if err := unix.PtraceSyscall(root, 0); err != nil {
		_ = unix.Kill(root, unix.SIGKILL)
		return -1, fmt.Errorf("resume tracee: %w", err)
	}
	code, err := st.loop(root)
	logger.Debug("Trace finished.", "pid", root, "exitCode", code)
	return code, err
}

func (s *traceState) loop(root int) (int, error) {
	code := -1
	for len(s.procs) > 0 {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ECHILD) {
				break
			}
			return code, fmt.Errorf("wait4: %w", err)
		}

		if ws.Exited() || ws.Signaled() {
			if pid == root {
				if ws.Exited() {
					code = ws.ExitStatus()
				} else {
					code = 128 + int(ws.Signal())
				}
			}
			delete(s.procs, pid)
			continue
		}
		if !ws.Stopped() {
			continue
		}

		t := s.procs[pid]
		if t == nil {
			// A new child can stop before its parent's fork event arrives.
			t = &tracee{pid: pid, fresh: true}
			s.procs[pid] = t
		}
		inject := 0
		switch sig := ws.StopSignal(); {
		case sig == unix.SIGTRAP|0x80:
			s.syscallStop(t)
		case sig == unix.SIGTRAP && ws.TrapCause() > 0:
			s.eventStop(t, ws.TrapCause())
		case sig == unix.SIGSTOP && t.fresh:
			t.fresh = false
		default:
			inject = int(sig)
		}
		if err := unix.PtraceSyscall(pid, inject); err != nil && !errors.Is(err, unix.ESRCH) {
			return code, fmt.Errorf("resume %d: %w", pid, err)
		}
	}
	return code, nil
}

func (s *traceState) eventStop(t *tracee, cause int) {
	switch cause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		msg, err := unix.PtraceGetEventMsg(t.pid)
		if err != nil {
			return
		}
		child := int(msg)
		c := s.procs[child]
		if c == nil {
			c = &tracee{pid: child, fresh: true}
			s.procs[child] = c
		}
		c.ppid = t.pid
	}
}

func (s *traceState) syscallStop(t *tracee) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		return
	}
	if !t.inSyscall {
		t.inSyscall = true
		t.call = s.enter(t, &regs)
		return
	}
	t.inSyscall = false
	if call := t.call; call != nil {
		t.call = nil
		s.exit(t, call, &regs)
	}
}

func (s *traceState) enter(t *tracee, regs *unix.PtraceRegs) *pendingCall {
	var call *pendingCall
	switch regs.Orig_rax {
	case unix.SYS_OPEN:
		call = s.openCall(t, unix.AT_FDCWD, regs.Rdi, int(regs.Rsi))
	case unix.SYS_OPENAT:
		call = s.openCall(t, int(int32(regs.Rdi)), regs.Rsi, int(regs.Rdx))
	case unix.SYS_CREAT:
		call = s.pathCall(t, KindFileOpenWrite, unix.AT_FDCWD, regs.Rdi)
	case unix.SYS_UNLINK:
		call = s.pathCall(t, KindFileDelete, unix.AT_FDCWD, regs.Rdi)
	case unix.SYS_UNLINKAT:
		kind := KindFileDelete
		if int(regs.Rdx)&unix.AT_REMOVEDIR != 0 {
			kind = KindDirectoryRemove
		}
		call = s.pathCall(t, kind, int(int32(regs.Rdi)), regs.Rsi)
	case unix.SYS_RMDIR:
		call = s.pathCall(t, KindDirectoryRemove, unix.AT_FDCWD, regs.Rdi)
	case unix.SYS_MKDIR:
		call = s.pathCall(t, KindDirectoryCreate, unix.AT_FDCWD, regs.Rdi)
	case unix.SYS_MKDIRAT:
		call = s.pathCall(t, KindDirectoryCreate, int(int32(regs.Rdi)), regs.Rsi)
	case unix.SYS_RENAME:
		call = s.renameCall(t, unix.AT_FDCWD, regs.Rdi, unix.AT_FDCWD, regs.Rsi)
	case unix.SYS_RENAMEAT, unix.SYS_RENAMEAT2:
		call = s.renameCall(t, int(int32(regs.Rdi)), regs.Rsi, int(int32(regs.Rdx)), regs.R10)
	case unix.SYS_EXECVE:
		call = s.pathCall(t, KindProcessCreate, unix.AT_FDCWD, regs.Rdi)
	case unix.SYS_EXECVEAT:
		call = s.pathCall(t, KindProcessCreate, int(int32(regs.Rdi)), regs.Rsi)
	case unix.SYS_STAT, unix.SYS_LSTAT, unix.SYS_ACCESS:
		call = s.probeCall(t, unix.AT_FDCWD, regs.Rdi)
	case unix.SYS_NEWFSTATAT, unix.SYS_FACCESSAT, unix.SYS_FACCESSAT2, unix.SYS_STATX:
		call = s.probeCall(t, int(int32(regs.Rdi)), regs.Rsi)
	}
	if call == nil || call.probe {
		return call
	}

	outcome := s.gate.Decide(call.ev.Kind, call.ev.Path)
	if call.ev.SourcePath != "" && s.gate.Decide(KindFileDelete, call.ev.SourcePath) == OutcomeBlocked {
		outcome = OutcomeBlocked
	}
	call.ev.Outcome = outcome
	if outcome == OutcomeBlocked {
		// An invalid syscall number makes the kernel skip the call; the
		// result is patched to EACCES on exit.
		regs.Orig_rax = ^uint64(0)
		if err := unix.PtraceSetRegs(t.pid, regs); err == nil {
			call.denied = true
		}
	}
	return call
}

func (s *traceState) exit(t *tracee, call *pendingCall, regs *unix.PtraceRegs) {
	ev := call.ev
	if call.denied {
		errno := int64(unix.EACCES)
		regs.Rax = uint64(-errno)
		_ = unix.PtraceSetRegs(t.pid, regs)
		ev.Outcome = OutcomeBlocked
		s.record(t, ev)
		return
	}
	ret := int64(regs.Rax)
	failed := ret < 0 && ret > -4096
	switch {
	case failed && ret == -int64(unix.ENOENT) && (call.probe || ev.Kind.IsRead()):
		ev.Kind = KindSearchPathProbe
		ev.Outcome = OutcomeNotFound
	case failed, call.probe:
		return
	}
	s.record(t, ev)
}

func (s *traceState) record(t *tracee, ev Event) {
	ev.PID = t.pid
	ev.ParentPID = t.ppid
	ev.Timestamp = time.Now().UnixNano()
	s.gate.Record(ev)
}

func (s *traceState) openCall(t *tracee, dirfd int, addr uint64, flags int) *pendingCall {
	write := flags&unix.O_ACCMODE == unix.O_WRONLY || flags&unix.O_ACCMODE == unix.O_RDWR ||
		flags&(unix.O_CREAT|unix.O_TRUNC) != 0
	kind := KindFileOpenRead
	switch {
	case flags&unix.O_TMPFILE == unix.O_TMPFILE:
		kind = KindFileDeleteOnClose
	case flags&unix.O_DIRECTORY != 0 && !write:
		return nil
	case write:
		kind = KindFileOpenWrite
	}
	call := s.pathCall(t, kind, dirfd, addr)
	if call != nil && kind == KindFileOpenRead && isSharedObject(call.ev.Path) {
		call.ev.Kind = KindLibraryLoad
	}
	return call
}

func (s *traceState) pathCall(t *tracee, kind Kind, dirfd int, addr uint64) *pendingCall {
	p, err := readString(t.pid, uintptr(addr))
	if err != nil {
		return nil
	}
	return &pendingCall{ev: Event{Kind: kind, Path: resolvePath(t.pid, dirfd, p)}}
}

func (s *traceState) probeCall(t *tracee, dirfd int, addr uint64) *pendingCall {
	call := s.pathCall(t, KindSearchPathProbe, dirfd, addr)
	if call != nil {
		call.probe = true
	}
	return call
}

func (s *traceState) renameCall(t *tracee, srcfd int, srcAddr uint64, dstfd int, dstAddr uint64) *pendingCall {
	src, err := readString(t.pid, uintptr(srcAddr))
	if err != nil {
		return nil
	}
	dst, err := readString(t.pid, uintptr(dstAddr))
	if err != nil {
		return nil
	}
	return &pendingCall{ev: Event{
		Kind:       KindFileRename,
		Path:       resolvePath(t.pid, dstfd, dst),
		SourcePath: resolvePath(t.pid, srcfd, src),
	}}
}

// readString copies a NUL-terminated string out of the tracee.
func readString(pid int, addr uintptr) (string, error) {
	if addr == 0 {
		return "", errEmptyPath
	}
	var out []byte
	chunk := make([]byte, 256)
	for len(out) < maxPathLen {
		n, err := unix.PtracePeekData(pid, addr, chunk)
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			out = append(out, chunk[:i]...)
			if len(out) == 0 {
				return "", errEmptyPath
			}
			return string(out), nil
		}
		out = append(out, chunk[:n]...)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errEmptyPath
		}
		addr += uintptr(n)
	}
	return "", fmt.Errorf("path longer than %d bytes", maxPathLen)
}

// resolvePath makes p absolute against the tracee's working directory or
// the directory behind dirfd.
func resolvePath(pid, dirfd int, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	link := fmt.Sprintf("/proc/%d/cwd", pid)
	if dirfd != unix.AT_FDCWD {
		link = fmt.Sprintf("/proc/%d/fd/%d", pid, dirfd)
	}
	base, err := os.Readlink(link)
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func isSharedObject(p string) bool {
	base := filepath.Base(p)
	return strings.HasSuffix(base, ".so") || strings.Contains(base, ".so.")
}
