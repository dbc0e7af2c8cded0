// Package hijack implements the driver's cross-process hijack protocol:
// stopping every thread of a target, redirecting one onto an agent entry
// point, and restoring the target's original execution state afterward.
package hijack

import (
	"context"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	ulperrors "ulpgo/errors"
	"ulpgo/procio"
)

// redZoneLen is the x86-64 System V ABI red zone the driver must honor
// when synthesizing a call frame without kernel help.
const redZoneLen = 128

// stackAlignment is the most conservative alignment the ABI permits.
const stackAlignment = 64

// restartSyscallSize compensates for the kernel rewinding rip by two bytes
// when a thread is interrupted mid-syscall by PTRACE_ATTACH.
const restartSyscallSize = 2

// maxTestlocksRetries bounds the LocksHeld retry loop before giving up.
const maxTestlocksRetries = 50

// testlocksBackoff is how long every thread is left running between two
// testlocks attempts.
const testlocksBackoff = 10 * time.Millisecond

// Session represents an open critical section against one target process:
// every thread attached, with the main thread's original registers saved
// for restoration.
type Session struct {
	pid      int
	mainTid  int
	attached []int
	mainRegs unix.PtraceRegs
}

// Begin enumerates every thread of pid and attaches to each, repeating the
// scan until a full pass finds no new tids, then snapshots the main
// thread's registers for later restoration.
func Begin(ctx context.Context, pid int) (*Session, error) {
	seen := make(map[int]bool)
	var attached []int

	for {
		if err := ctx.Err(); err != nil {
			rollback(attached)
			return nil, ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "begin hijack")
		}

		tids, err := listTasks(pid)
		if err != nil {
			rollback(attached)
			return nil, err
		}

		newFound := false
		for _, tid := range tids {
			if seen[tid] {
				continue
			}
			newFound = true
			seen[tid] = true

			if err := procio.Attach(tid); err != nil {
				rollbackErr := rollback(attached)
				if rollbackErr != nil {
					return nil, ulperrors.WrapWithDetail(rollbackErr, ulperrors.ErrHijackFatal, "begin hijack", "rollback failed after attach failure")
				}
				return nil, ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "attach thread")
			}
			attached = append(attached, tid)
		}

		if !newFound {
			break
		}
	}

	mainTid := pid
	hasMain := false
	for _, tid := range attached {
		if tid == pid {
			hasMain = true
			break
		}
	}
	if !hasMain && len(attached) > 0 {
		mainTid = attached[0]
	}

	regs, err := procio.GetRegs(mainTid)
	if err != nil {
		rollback(attached)
		return nil, ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "snapshot main thread registers")
	}

	return &Session{
		pid:      pid,
		mainTid:  mainTid,
		attached: attached,
		mainRegs: *regs,
	}, nil
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir("/proc/" + strconv.Itoa(pid) + "/task")
	if err != nil {
		return nil, ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "enumerate task directory")
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// rollback detaches every attached thread, returning the first detach
// error encountered (if any detach fails here, the caller must treat it
// as fatal per §4.7 step 2).
func rollback(attached []int) error {
	var firstErr error
	for _, tid := range attached {
		if err := procio.Detach(tid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// End restores the main thread's original registers and detaches every
// attached thread, ending the critical section.
func (s *Session) End() error {
	if err := procio.SetRegs(s.mainTid, &s.mainRegs); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrHijackFatal, "restore main thread registers")
	}
	if err := rollback(s.attached); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrHijackFatal, "detach during end")
	}
	return nil
}

// Pid returns the target process id.
func (s *Session) Pid() int { return s.pid }

// WriteString writes a NUL-terminated string into the target's address
// space at addr, using the main thread for the underlying ptrace poke. The
// driver uses this to stage a metadata file path or patch id into one of
// the agent's exported scratch buffers before redirecting into it.
func (s *Session) WriteString(addr uint64, str string) error {
	return procio.WriteString(s.mainTid, uintptr(addr), str)
}

// ReadCString reads a NUL-terminated string of at most maxLen bytes from
// the target's address space at addr, for reading a result the agent left
// in one of its own scratch buffers.
func (s *Session) ReadCString(addr uint64, maxLen int) (string, error) {
	return procio.ReadCString(s.mainTid, uintptr(addr), maxLen)
}

// alignRegs applies the run-and-redirect register adjustments of §4.7
// step 4 to a copy of the session's saved main-thread context.
func (s *Session) alignRegs(routineAddr uint64) unix.PtraceRegs {
	regs := s.mainRegs
	regs.Rip = routineAddr + restartSyscallSize
	regs.Rsp -= redZoneLen
	regs.Rsp &^= (stackAlignment - 1)
	return regs
}

// RunAndRedirect redirects the main thread to routineAddr with arg loaded
// into the first argument register, waits for it to stop, and returns the
// value left in the return register.
func (s *Session) RunAndRedirect(ctx context.Context, routineAddr uint64, arg uint64) (uint64, error) {
	regs := s.alignRegs(routineAddr)
	regs.Rdi = arg

	if err := procio.SetRegs(s.mainTid, &regs); err != nil {
		return 0, ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "set redirect registers")
	}

	type result struct {
		status unix.WaitStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := procio.ContinueUntilStop(s.mainTid)
		done <- result{status, err}
	}()

	select {
	case <-ctx.Done():
		return 0, ulperrors.Wrap(ctx.Err(), ulperrors.ErrHijackFailed, "run and redirect")
	case r := <-done:
		if r.err != nil {
			return 0, ulperrors.Wrap(r.err, ulperrors.ErrHijackFailed, "continue redirected thread")
		}
		if r.status.Exited() {
			return 0, ulperrors.New(ulperrors.ErrTargetExited, "run and redirect", "target process exited during redirected call")
		}
	}

	out, err := procio.GetRegs(s.mainTid)
	if err != nil {
		return 0, ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "read redirect result")
	}
	return out.Rax, nil
}

// testlocksResult mirrors the agent's testlocks contract.
type testlocksResult int

const (
	testlocksSafe  testlocksResult = 0
	testlocksFatal testlocksResult = -1
)

var testlocksRetry = testlocksResult(unix.EAGAIN)

// WaitForLocks calls the agent's testlocks entry point up to
// maxTestlocksRetries times before any allocator- or loader-reaching agent
// routine runs. On EAGAIN it ends the critical section, lets every thread
// run for testlocksBackoff, and begins a fresh one before retrying.
func (s *Session) WaitForLocks(ctx context.Context, testlocksAddr uint64) error {
	for attempt := 0; attempt < maxTestlocksRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "wait for locks")
		}

		result, err := s.RunAndRedirect(ctx, testlocksAddr, 0)
		if err != nil {
			return err
		}

		switch testlocksResult(int64(int32(result))) {
		case testlocksSafe:
			return nil
		case testlocksRetry:
			if err := s.End(); err != nil {
				return err
			}
			time.Sleep(testlocksBackoff)
			next, err := Begin(ctx, s.pid)
			if err != nil {
				return err
			}
			*s = *next
			continue
		case testlocksFatal:
			return ulperrors.ErrTestlocksFatal
		default:
			return ulperrors.ErrTestlocksFatal
		}
	}
	return ulperrors.ErrRetriesExhausted
}
