// Package procio provides the low-level ptrace-based process I/O primitives
// the hijack protocol is built on: attach/detach, register access, and
// word-granular memory read/write against a stopped tracee.
package procio

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	ulperrors "ulpgo/errors"
)

// wordSize is the granularity of PTRACE_PEEKDATA/PTRACE_POKEDATA on x86-64.
const wordSize = 8

// attachSettleDelay mirrors the short sleep the reference implementation
// takes after PTRACE_ATTACH before the tracee is guaranteed stopped.
const attachSettleDelay = time.Millisecond

// Attach suspends tid and enters a tracer relationship with it, blocking
// until the thread is known-stopped.
func Attach(tid int) error {
	if err := unix.PtraceAttach(tid); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "ptrace attach")
	}

	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(tid, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "waitpid after attach")
		}
		break
	}
	if !status.Stopped() {
		return ulperrors.ErrNotStopped
	}

	time.Sleep(attachSettleDelay)
	return nil
}

// Detach releases tid from the tracer relationship.
func Detach(tid int) error {
	if err := unix.PtraceDetach(tid); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrHijackFatal, "ptrace detach")
	}
	return nil
}

// GetRegs reads tid's general-purpose registers.
func GetRegs(tid int) (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "ptrace getregs")
	}
	return &regs, nil
}

// SetRegs writes tid's general-purpose registers.
func SetRegs(tid int, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(tid, regs); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "ptrace setregs")
	}
	return nil
}

// PeekWord reads a single 8-byte word from tid's address space at addr.
func PeekWord(tid int, addr uintptr) (uint64, error) {
	var word [wordSize]byte
	n, err := unix.PtracePeekData(tid, addr, word[:])
	if err != nil {
		return 0, ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "ptrace peekdata")
	}
	if n != wordSize {
		return 0, ulperrors.New(ulperrors.ErrReadWriteFailed, "ptrace peekdata", "short read")
	}
	return binary.LittleEndian.Uint64(word[:]), nil
}

// PokeWord writes a single 8-byte word into tid's address space at addr.
func PokeWord(tid int, addr uintptr, value uint64) error {
	var word [wordSize]byte
	binary.LittleEndian.PutUint64(word[:], value)
	n, err := unix.PtracePokeData(tid, addr, word[:])
	if err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "ptrace pokedata")
	}
	if n != wordSize {
		return ulperrors.New(ulperrors.ErrReadWriteFailed, "ptrace pokedata", "short write")
	}
	return nil
}

// ReadMemory copies len(buf) bytes from tid's address space at addr into buf.
func ReadMemory(tid int, addr uintptr, buf []byte) error {
	n, err := unix.PtracePeekData(tid, addr, buf)
	if err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "read memory")
	}
	if n != len(buf) {
		return ulperrors.New(ulperrors.ErrReadWriteFailed, "read memory", "short read")
	}
	return nil
}

// WriteMemory copies buf into tid's address space at addr.
func WriteMemory(tid int, addr uintptr, buf []byte) error {
	n, err := unix.PtracePokeData(tid, addr, buf)
	if err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "write memory")
	}
	if n != len(buf) {
		return ulperrors.New(ulperrors.ErrReadWriteFailed, "write memory", "short write")
	}
	return nil
}

// ReadCString reads a NUL-terminated string from tid's address space at
// addr, reading at most maxLen bytes (not counting the terminator).
func ReadCString(tid int, addr uintptr, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	one := make([]byte, 1)
	for i := 0; i < maxLen; i++ {
		if err := ReadMemory(tid, addr+uintptr(i), one); err != nil {
			return "", err
		}
		if one[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, one[0])
	}
	return "", ulperrors.New(ulperrors.ErrReadWriteFailed, "read cstring", "no NUL terminator within max length")
}

// WriteString writes s followed by a NUL terminator into tid's address
// space at addr. s must be shorter than 255 bytes, matching the scratch
// path buffer convention.
func WriteString(tid int, addr uintptr, s string) error {
	if len(s) >= 255 {
		return ulperrors.New(ulperrors.ErrReadWriteFailed, "write string", "string too long for scratch buffer")
	}
	data := append([]byte(s), 0)
	return WriteMemory(tid, addr, data)
}

// ContinueUntilStop resumes tid and blocks until it reports a stop or exit.
func ContinueUntilStop(tid int) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	if err := unix.PtraceCont(tid, 0); err != nil {
		return status, ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "ptrace cont")
	}
	for {
		_, err := unix.Wait4(tid, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return status, ulperrors.Wrap(err, ulperrors.ErrHijackFailed, "waitpid after cont")
		}
		return status, nil
	}
}
