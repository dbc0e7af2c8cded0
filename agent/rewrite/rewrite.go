// Package rewrite installs the dispatcher-call prologue at a
// live-patchable function's call site, mediating the mprotect dance
// needed to make the NOP pad writable and then executable again.
package rewrite

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	ulperrors "ulpgo/errors"
)

// PreNopsLen is the size, in bytes, of the NOP pad a live-patchable
// function is compiled with immediately before its entry point.
const PreNopsLen = 24

// prologueLen is the size of the fixed prologue template patched into the
// NOP pad.
const prologueLen = 24

// indexOffset is where the 32-bit DetourRoot index immediate is patched.
const indexOffset = 4

// addrOffset is where the 8-byte absolute dispatcher address is patched.
const addrOffset = 14

// prologueTemplate is:
//
//	push   %rdi
//	mov    $index, %rdi         ; 48 c7 c7 <imm32>
//	jmp    *0x0(%rip)           ; ff 25 00000000
//	<8 bytes: absolute dispatcher address>
//	jmp    rel8                 ; back to the start of the NOP pad (rel8 = -prologueLen)
var prologueTemplate = [prologueLen]byte{
	0x57,
	0x48, 0xc7, 0xc7, 0x00, 0x00, 0x00, 0x00,
	0xff, 0x25, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xeb, byte(0x100 - prologueLen),
}

// pageSize caches the host's page size for the mprotect range computation.
var pageSize = unix.Getpagesize()

func pageAlignedRange(addr uintptr, length int) (start uintptr, n int) {
	offset := int(addr) % pageSize
	start = addr - uintptr(offset)
	n = offset + length
	return start, n
}

// setWritable makes the page(s) covering the NOP pad of nopPadLen bytes at
// addr writable and executable so the prologue bytes can be copied in.
// mprotect handles the range transparently even when it crosses a page
// boundary.
func setWritable(addr uintptr, nopPadLen int) error {
	start, n := pageAlignedRange(addr, nopPadLen)
	page := unsafe.Slice((*byte)(unsafe.Pointer(start)), n)
	if err := unix.Mprotect(page, unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrMemoryProtectionFailed, "mprotect +w")
	}
	return nil
}

// setExecutable restores the page(s) covering the NOP pad to read+execute
// once the prologue has been written.
func setExecutable(addr uintptr, nopPadLen int) error {
	start, n := pageAlignedRange(addr, nopPadLen)
	page := unsafe.Slice((*byte)(unsafe.Pointer(start)), n)
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrMemoryProtectionFailed, "mprotect +x")
	}
	return nil
}

// PatchCallSite installs the dispatcher-call prologue at patchedAddr -
// nopPadLen, encoding index and dispatcherAddr into the template, and
// returns the first 14 of the bytes it overwrote (the invariant 3 snapshot). nopPadLen
// is the target library's compiled NOP pad length; a pad shorter than the
// 24-byte template cannot hold it and is rejected rather than silently
// overwriting the function's own first instructions.
//
// This runs inside the target process's own address space (the agent is
// loaded into the process being patched), so the writes below are ordinary
// local memory writes guarded by mprotect, not ptrace pokes.
func PatchCallSite(patchedAddr uintptr, nopPadLen int, index uint32, dispatcherAddr uint64) ([14]byte, error) {
	var overwritten [14]byte

	if nopPadLen < prologueLen {
		return overwritten, ulperrors.ErrNopPadTooShort
	}

	prologueAddr := patchedAddr - uintptr(nopPadLen)

	existing := unsafe.Slice((*byte)(unsafe.Pointer(prologueAddr)), 14)
	copy(overwritten[:], existing)

	if err := setWritable(prologueAddr, nopPadLen); err != nil {
		return overwritten, err
	}

	tmpl := prologueTemplate
	binary.LittleEndian.PutUint32(tmpl[indexOffset:indexOffset+4], index)
	binary.LittleEndian.PutUint64(tmpl[addrOffset:addrOffset+8], dispatcherAddr)

	dst := unsafe.Slice((*byte)(unsafe.Pointer(prologueAddr)), prologueLen)
	copy(dst, tmpl[:])

	if err := setExecutable(prologueAddr, nopPadLen); err != nil {
		return overwritten, err
	}

	return overwritten, nil
}
